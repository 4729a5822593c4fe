package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketPath is the fixed HTTP upgrade path for tunnel traffic.
const WebsocketPath = "/rathole"

var errWSListenerClosed = errors.New("websocket listener closed")

type wsTransport struct {
	tlsEnabled bool
	tlsc       *tlsTransport // Certificate/root handling shared with the tls variant.
	sock       sockOpts
}

func newWSTransport(cfg Config, sock sockOpts) (*wsTransport, error) {
	t := &wsTransport{tlsEnabled: cfg.Websocket.TLS, sock: sock}
	if t.tlsEnabled {
		tt, err := newTLSTransport(cfg.TLS, sock)
		if err != nil {
			return nil, fmt.Errorf("websocket tls: %w", err)
		}
		t.tlsc = tt
	}
	return t, nil
}

func (t *wsTransport) Listen(addr string) (Listener, error) {
	tl, err := listenTCP(addr)
	if err != nil {
		return nil, err
	}
	var nl net.Listener = &optListener{TCPListener: tl, sock: t.sock}
	if t.tlsEnabled {
		cfg, err := t.tlsc.serverConfig()
		if err != nil {
			_ = tl.Close()
			return nil, err
		}
		nl = tls.NewListener(nl, cfg)
	}
	l := &wsListener{
		addr:    tl.Addr(),
		streams: make(chan Stream, 16),
		done:    make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebsocketPath, l.handleUpgrade)
	l.srv = &http.Server{Handler: mux}
	go func() {
		err := l.srv.Serve(nl)
		l.fail(err)
	}()
	return l, nil
}

func (t *wsTransport) Dial(ctx context.Context, addr string, hint *AddrHint) (Stream, error) {
	scheme := "ws"
	d := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _ string, _ string) (net.Conn, error) {
			return dialTCP(ctx, addr, hint, t.sock)
		},
	}
	if t.tlsEnabled {
		scheme = "wss"
		cfg, err := t.tlsc.clientConfig(addr)
		if err != nil {
			return nil, err
		}
		d.TLSClientConfig = cfg
	}
	if deadline, ok := ctx.Deadline(); ok {
		// Prefer the tighter of the handshake timeout and the context deadline.
		dl := time.Until(deadline)
		if d.HandshakeTimeout == 0 || d.HandshakeTimeout > dl {
			d.HandshakeTimeout = dl
		}
	}
	c, resp, err := d.DialContext(ctx, fmt.Sprintf("%s://%s%s", scheme, addr, WebsocketPath), nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return newWSStream(c), nil
}

// optListener applies TCP socket tuning before the HTTP server sees the conn.
type optListener struct {
	*net.TCPListener
	sock sockOpts
}

func (l *optListener) Accept() (net.Conn, error) {
	c, err := l.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	l.sock.apply(c)
	return c, nil
}

type wsListener struct {
	srv     *http.Server
	addr    net.Addr
	streams chan Stream

	mu   sync.Mutex
	err  error
	done chan struct{}
}

var wsUpgrader = websocket.Upgrader{
	// Tunnel clients are not browsers; Origin carries no meaning here.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	c, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.streams <- newWSStream(c):
	case <-l.done:
		_ = c.Close()
	}
}

func (l *wsListener) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}

func (l *wsListener) Accept() (Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.done:
		l.mu.Lock()
		err := l.err
		l.mu.Unlock()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			err = errWSListenerClosed
		}
		return nil, err
	}
}

func (l *wsListener) Close() error {
	err := l.srv.Close()
	l.fail(errWSListenerClosed)
	return err
}

func (l *wsListener) Addr() net.Addr { return l.addr }

// wsStream adapts a websocket connection to the Stream contract: binary
// messages carry the byte stream, a close frame carries the half-close.
type wsStream struct {
	c *websocket.Conn

	rmu sync.Mutex
	r   io.Reader // Reader for the in-progress message.

	wmu         sync.Mutex
	writeClosed bool
}

func newWSStream(c *websocket.Conn) *wsStream {
	// Suppress the default close-frame echo: a received close frame is this
	// stream's half-close, and echoing one would tear down our own write
	// direction while the reverse copy may still be in flight.
	c.SetCloseHandler(func(int, string) error { return nil })
	return &wsStream{c: c}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	for {
		if s.r == nil {
			mt, r, err := s.c.NextReader()
			if err != nil {
				return 0, mapWSReadErr(err)
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func mapWSReadErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return io.EOF
		}
	}
	return err
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeClosed {
		return 0, net.ErrClosed
	}
	if err := s.c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite sends a close frame; the peer maps it to EOF while its own
// write direction stays usable.
func (s *wsStream) CloseWrite() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeClosed {
		return nil
	}
	s.writeClosed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
}

func (s *wsStream) Close() error                      { return s.c.Close() }
func (s *wsStream) SetReadDeadline(t time.Time) error { return s.c.SetReadDeadline(t) }
func (s *wsStream) LocalAddr() net.Addr               { return s.c.LocalAddr() }
func (s *wsStream) RemoteAddr() net.Addr              { return s.c.RemoteAddr() }
