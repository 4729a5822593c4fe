package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"

	"github.com/nearbyplayer/rathole/internal/bin"
)

// DefaultNoisePattern is used when the config omits one.
const DefaultNoisePattern = "Noise_NK_25519_ChaChaPoly_BLAKE2s"

// maxNoisePlaintext keeps every ciphertext record within the 2-byte length
// prefix (65535) with AEAD overhead to spare.
const maxNoisePlaintext = 16 * 1024

var errNoiseTruncated = errors.New("noise record truncated")

type noiseTransport struct {
	suite   noise.CipherSuite
	pattern noise.HandshakePattern
	local   *noise.DHKey // Set when local_private_key is configured.
	remote  []byte       // Set when remote_public_key is configured.
	sock    sockOpts
}

func newNoiseTransport(opts NoiseOptions, sock sockOpts) (*noiseTransport, error) {
	pattern := opts.Pattern
	if pattern == "" {
		pattern = DefaultNoisePattern
	}
	suite, hp, err := parseNoisePattern(pattern)
	if err != nil {
		return nil, err
	}
	t := &noiseTransport{suite: suite, pattern: hp, sock: sock}
	if opts.LocalPrivateKey != "" {
		priv, err := base64.StdEncoding.DecodeString(opts.LocalPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("decode local_private_key: %w", err)
		}
		if len(priv) != 32 {
			return nil, errors.New("local_private_key must be 32 bytes")
		}
		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("derive noise public key: %w", err)
		}
		t.local = &noise.DHKey{Private: priv, Public: pub}
	}
	if opts.RemotePublicKey != "" {
		pub, err := base64.StdEncoding.DecodeString(opts.RemotePublicKey)
		if err != nil {
			return nil, fmt.Errorf("decode remote_public_key: %w", err)
		}
		if len(pub) != 32 {
			return nil, errors.New("remote_public_key must be 32 bytes")
		}
		t.remote = pub
	}
	return t, nil
}

// parseNoisePattern accepts two-message patterns over 25519 only; that is
// what a single round trip before the control handshake can carry.
func parseNoisePattern(s string) (noise.CipherSuite, noise.HandshakePattern, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 5 || parts[0] != "Noise" {
		return nil, noise.HandshakePattern{}, fmt.Errorf("malformed noise pattern %q", s)
	}
	var hp noise.HandshakePattern
	switch parts[1] {
	case "NK":
		hp = noise.HandshakeNK
	case "NN":
		hp = noise.HandshakeNN
	default:
		return nil, noise.HandshakePattern{}, fmt.Errorf("unsupported noise handshake %q", parts[1])
	}
	if parts[2] != "25519" {
		return nil, noise.HandshakePattern{}, fmt.Errorf("unsupported noise dh %q", parts[2])
	}
	var cipher noise.CipherFunc
	switch parts[3] {
	case "ChaChaPoly":
		cipher = noise.CipherChaChaPoly
	case "AESGCM":
		cipher = noise.CipherAESGCM
	default:
		return nil, noise.HandshakePattern{}, fmt.Errorf("unsupported noise cipher %q", parts[3])
	}
	var hash noise.HashFunc
	switch parts[4] {
	case "BLAKE2s":
		hash = noise.HashBLAKE2s
	case "BLAKE2b":
		hash = noise.HashBLAKE2b
	case "SHA256":
		hash = noise.HashSHA256
	case "SHA512":
		hash = noise.HashSHA512
	default:
		return nil, noise.HandshakePattern{}, fmt.Errorf("unsupported noise hash %q", parts[4])
	}
	return noise.NewCipherSuite(noise.DH25519, cipher, hash), hp, nil
}

func (t *noiseTransport) needsLocalStatic() bool {
	return t.pattern.Name == noise.HandshakeNK.Name
}

func (t *noiseTransport) Listen(addr string) (Listener, error) {
	if t.needsLocalStatic() && t.local == nil {
		return nil, errors.New("noise listener requires local_private_key")
	}
	l, err := listenTCP(addr)
	if err != nil {
		return nil, err
	}
	return newNoiseListener(l, t), nil
}

func (t *noiseTransport) Dial(ctx context.Context, addr string, hint *AddrHint) (Stream, error) {
	if t.needsLocalStatic() && len(t.remote) == 0 {
		return nil, errors.New("noise dial requires remote_public_key")
	}
	tc, err := dialTCP(ctx, addr, hint, t.sock)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = tc.SetDeadline(deadline)
	}
	c, err := t.handshake(tc, true)
	if err != nil {
		_ = tc.Close()
		return nil, err
	}
	_ = tc.SetDeadline(time.Time{})
	return c, nil
}

// handshake runs the two-message pattern and wires up the cipher states.
// cs1 encrypts initiator->responder traffic, cs2 the reverse.
func (t *noiseTransport) handshake(tc *net.TCPConn, initiator bool) (*noiseConn, error) {
	cfg := noise.Config{
		CipherSuite: t.suite,
		Pattern:     t.pattern,
		Initiator:   initiator,
	}
	if initiator {
		cfg.PeerStatic = t.remote
	} else if t.local != nil {
		cfg.StaticKeypair = *t.local
	}
	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, err
	}

	var send, recv *noise.CipherState
	if initiator {
		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, err
		}
		if err := writeNoiseFrame(tc, msg); err != nil {
			return nil, err
		}
		reply, err := readNoiseFrame(tc)
		if err != nil {
			return nil, err
		}
		if _, send, recv, err = hs.ReadMessage(nil, reply); err != nil {
			return nil, err
		}
	} else {
		first, err := readNoiseFrame(tc)
		if err != nil {
			return nil, err
		}
		if _, _, _, err = hs.ReadMessage(nil, first); err != nil {
			return nil, err
		}
		msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, err
		}
		if err := writeNoiseFrame(tc, msg); err != nil {
			return nil, err
		}
		send, recv = cs2, cs1
	}
	if send == nil || recv == nil {
		return nil, errors.New("noise handshake incomplete")
	}
	return &noiseConn{tc: tc, send: send, recv: recv}, nil
}

func writeNoiseFrame(w io.Writer, b []byte) error {
	if len(b) > 65535 {
		return errors.New("noise frame too large")
	}
	var hdr [2]byte
	bin.PutU16BE(hdr[:], uint16(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readNoiseFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	b := make([]byte, bin.U16BE(hdr[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errNoiseTruncated
		}
		return nil, err
	}
	return b, nil
}

// noiseHandshakeTimeout bounds the responder side of the exchange so a
// stalled peer cannot pin resources.
const noiseHandshakeTimeout = 10 * time.Second

type noiseListener struct {
	l *net.TCPListener
	t *noiseTransport

	streams chan Stream
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

func newNoiseListener(l *net.TCPListener, t *noiseTransport) *noiseListener {
	nl := &noiseListener{
		l:       l,
		t:       t,
		streams: make(chan Stream, 16),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go nl.acceptLoop()
	return nl
}

// acceptLoop handshakes each raw connection on its own task so a stalled
// peer never blocks the next Accept.
func (l *noiseListener) acceptLoop() {
	for {
		c, err := l.l.AcceptTCP()
		if err != nil {
			select {
			case l.errs <- err:
			default:
			}
			l.once.Do(func() { close(l.done) })
			return
		}
		l.t.sock.apply(c)
		go func(c *net.TCPConn) {
			_ = c.SetDeadline(time.Now().Add(noiseHandshakeTimeout))
			nc, err := l.t.handshake(c, false)
			if err != nil {
				_ = c.Close()
				return
			}
			_ = c.SetDeadline(time.Time{})
			select {
			case l.streams <- nc:
			case <-l.done:
				_ = nc.Close()
			}
		}(c)
	}
}

func (l *noiseListener) Accept() (Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.done:
		select {
		case err := <-l.errs:
			return nil, err
		default:
			return nil, net.ErrClosed
		}
	}
}

func (l *noiseListener) Close() error {
	err := l.l.Close()
	l.once.Do(func() { close(l.done) })
	return err
}

func (l *noiseListener) Addr() net.Addr { return l.l.Addr() }

// IsAcceptRetryable reports whether an Accept error affected only a single
// connection and accepting should continue.
func IsAcceptRetryable(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// noiseConn is an encrypted stream over TCP: 2-byte big-endian length,
// then one AEAD record per frame.
type noiseConn struct {
	tc *net.TCPConn

	rmu  sync.Mutex
	recv *noise.CipherState
	rbuf []byte // Decrypted bytes not yet handed to the caller.

	wmu  sync.Mutex
	send *noise.CipherState
}

func (c *noiseConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for len(c.rbuf) == 0 {
		ct, err := readNoiseFrame(c.tc)
		if err != nil {
			return 0, err
		}
		pt, err := c.recv.Decrypt(nil, nil, ct)
		if err != nil {
			return 0, fmt.Errorf("noise decrypt: %w", err)
		}
		c.rbuf = pt
	}
	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

func (c *noiseConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxNoisePlaintext {
			chunk = chunk[:maxNoisePlaintext]
		}
		ct, err := c.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, fmt.Errorf("noise encrypt: %w", err)
		}
		if err := writeNoiseFrame(c.tc, ct); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (c *noiseConn) Close() error      { return c.tc.Close() }
func (c *noiseConn) CloseWrite() error { return c.tc.CloseWrite() }

func (c *noiseConn) SetReadDeadline(t time.Time) error { return c.tc.SetReadDeadline(t) }

func (c *noiseConn) LocalAddr() net.Addr  { return c.tc.LocalAddr() }
func (c *noiseConn) RemoteAddr() net.Addr { return c.tc.RemoteAddr() }
