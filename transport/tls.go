package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
)

type tlsTransport struct {
	opts TLSOptions
	sock sockOpts
}

func newTLSTransport(opts TLSOptions, sock sockOpts) (*tlsTransport, error) {
	return &tlsTransport{opts: opts, sock: sock}, nil
}

func (t *tlsTransport) serverConfig() (*tls.Config, error) {
	if t.opts.CertFile == "" || t.opts.KeyFile == "" {
		return nil, errors.New("tls listener requires cert_file and key_file")
	}
	cert, err := tls.LoadX509KeyPair(t.opts.CertFile, t.opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func (t *tlsTransport) clientConfig(addr string) (*tls.Config, error) {
	cfg := &tls.Config{}
	if t.opts.TrustedRoot != "" {
		pem, err := os.ReadFile(t.opts.TrustedRoot)
		if err != nil {
			return nil, fmt.Errorf("read trusted root: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates in trusted root")
		}
		cfg.RootCAs = pool
	}
	cfg.ServerName = t.opts.Hostname
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		cfg.ServerName = host
	}
	return cfg, nil
}

func (t *tlsTransport) Listen(addr string) (Listener, error) {
	cfg, err := t.serverConfig()
	if err != nil {
		return nil, err
	}
	l, err := listenTCP(addr)
	if err != nil {
		return nil, err
	}
	return &tlsListener{l: l, cfg: cfg, sock: t.sock}, nil
}

func (t *tlsTransport) Dial(ctx context.Context, addr string, hint *AddrHint) (Stream, error) {
	cfg, err := t.clientConfig(addr)
	if err != nil {
		return nil, err
	}
	tc, err := dialTCP(ctx, addr, hint, t.sock)
	if err != nil {
		return nil, err
	}
	c := tls.Client(tc, cfg)
	if err := c.HandshakeContext(ctx); err != nil {
		_ = tc.Close()
		return nil, err
	}
	return c, nil
}

type tlsListener struct {
	l    *net.TCPListener
	cfg  *tls.Config
	sock sockOpts
}

// Accept returns the connection before the TLS handshake completes; the
// handshake runs lazily on first read/write so a stalled peer cannot block
// the accept loop.
func (l *tlsListener) Accept() (Stream, error) {
	c, err := l.l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	l.sock.apply(c)
	return tls.Server(c, l.cfg), nil
}

func (l *tlsListener) Close() error   { return l.l.Close() }
func (l *tlsListener) Addr() net.Addr { return l.l.Addr() }
