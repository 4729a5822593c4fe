package transport

import (
	"context"
	"net"
)

type tcpTransport struct {
	sock sockOpts
}

func (t *tcpTransport) Listen(addr string) (Listener, error) {
	l, err := listenTCP(addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{l: l, sock: t.sock}, nil
}

func (t *tcpTransport) Dial(ctx context.Context, addr string, hint *AddrHint) (Stream, error) {
	return dialTCP(ctx, addr, hint, t.sock)
}

type tcpListener struct {
	l    *net.TCPListener
	sock sockOpts
}

func (l *tcpListener) Accept() (Stream, error) {
	c, err := l.l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	l.sock.apply(c)
	return c, nil
}

func (l *tcpListener) Close() error   { return l.l.Close() }
func (l *tcpListener) Addr() net.Addr { return l.l.Addr() }
