// Package transport provides the uniform byte-stream abstraction the
// control and data channels run over: plain TCP, TCP+TLS, TCP+Noise, and
// WebSocket (optionally over TLS). Higher layers assume ordered, reliable,
// loss-free delivery with half-close, and nothing else.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Type selects a transport variant.
type Type string

const (
	TypeTCP       Type = "tcp"
	TypeTLS       Type = "tls"
	TypeNoise     Type = "noise"
	TypeWebsocket Type = "websocket"
)

// Stream is a full-duplex byte pipe with half-close.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	// CloseWrite propagates EOF to the peer while reads stay open.
	CloseWrite() error
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Listener accepts inbound streams.
type Listener interface {
	Accept() (Stream, error)
	Close() error
	Addr() net.Addr
}

// Transport binds listeners and dials streams for one configured variant.
// Dial takes an optional AddrHint shared across dials to the same remote so
// repeated data-channel connections skip address resolution.
type Transport interface {
	Listen(addr string) (Listener, error)
	Dial(ctx context.Context, addr string, hint *AddrHint) (Stream, error)
}

// TLSOptions configures the TLS variant (and the TLS layer under websocket).
type TLSOptions struct {
	// Server side.
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	// Client side. TrustedRoot pins a PEM CA bundle; empty means system
	// roots. Hostname overrides the name used for SNI and verification.
	TrustedRoot string `toml:"trusted_root"`
	Hostname    string `toml:"hostname"`
}

// NoiseOptions configures the Noise variant. Keys are standard base64 of
// 32-byte X25519 values.
type NoiseOptions struct {
	Pattern         string `toml:"pattern"`
	LocalPrivateKey string `toml:"local_private_key"`
	RemotePublicKey string `toml:"remote_public_key"`
}

// WebsocketOptions configures the websocket variant.
type WebsocketOptions struct {
	// TLS enables wss and uses the TLS table for certificates/roots.
	TLS bool `toml:"tls"`
}

// Config selects and tunes a transport variant.
type Config struct {
	Type Type `toml:"type"`

	// TCP socket tuning, applied to every variant's underlying socket.
	Nodelay        *bool `toml:"nodelay"`
	KeepaliveSecs  *int  `toml:"keepalive_secs"`
	SendBufferSize int   `toml:"send_buffer_size"`

	TLS       TLSOptions       `toml:"tls"`
	Noise     NoiseOptions     `toml:"noise"`
	Websocket WebsocketOptions `toml:"websocket"`
}

// New builds the transport for cfg. Unset type means plain TCP.
func New(cfg Config) (Transport, error) {
	sock := socketOptions(cfg)
	switch cfg.Type {
	case TypeTCP, "":
		return &tcpTransport{sock: sock}, nil
	case TypeTLS:
		return newTLSTransport(cfg.TLS, sock)
	case TypeNoise:
		return newNoiseTransport(cfg.Noise, sock)
	case TypeWebsocket:
		return newWSTransport(cfg, sock)
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}
}

// AddrHint caches a resolved remote address across dials.
type AddrHint struct {
	mu   sync.Mutex
	addr *net.TCPAddr
}

func (h *AddrHint) get() *net.TCPAddr {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

func (h *AddrHint) set(a *net.TCPAddr) {
	if h == nil || a == nil {
		return
	}
	h.mu.Lock()
	h.addr = a
	h.mu.Unlock()
}

func (h *AddrHint) clear() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.addr = nil
	h.mu.Unlock()
}

// sockOpts tunes the raw TCP socket under every variant.
type sockOpts struct {
	nodelay    bool
	keepalive  time.Duration
	sendBuffer int
}

func socketOptions(cfg Config) sockOpts {
	o := sockOpts{nodelay: true, keepalive: 20 * time.Second}
	if cfg.Nodelay != nil {
		o.nodelay = *cfg.Nodelay
	}
	if cfg.KeepaliveSecs != nil {
		o.keepalive = time.Duration(*cfg.KeepaliveSecs) * time.Second
	}
	o.sendBuffer = cfg.SendBufferSize
	return o
}

func (o sockOpts) apply(c *net.TCPConn) {
	_ = c.SetNoDelay(o.nodelay)
	if o.keepalive > 0 {
		_ = c.SetKeepAlive(true)
		_ = c.SetKeepAlivePeriod(o.keepalive)
	} else {
		_ = c.SetKeepAlive(false)
	}
	if o.sendBuffer > 0 {
		_ = c.SetWriteBuffer(o.sendBuffer)
	}
}

// dialTCP dials with the hint fast path and falls back to fresh resolution.
func dialTCP(ctx context.Context, addr string, hint *AddrHint, opts sockOpts) (*net.TCPConn, error) {
	var d net.Dialer
	if cached := hint.get(); cached != nil {
		if c, err := d.DialContext(ctx, "tcp", cached.String()); err == nil {
			tc := c.(*net.TCPConn)
			opts.apply(tc)
			return tc, nil
		}
		hint.clear()
	}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tc := c.(*net.TCPConn)
	opts.apply(tc)
	if ra, ok := tc.RemoteAddr().(*net.TCPAddr); ok {
		hint.set(ra)
	}
	return tc, nil
}

func listenTCP(addr string) (*net.TCPListener, error) {
	la, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenTCP("tcp", la)
}
