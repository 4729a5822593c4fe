// Package client implements the private side of the tunnel: it keeps one
// authenticated control channel per configured service, opens outbound
// data connections on demand, and forwards bytes to the local service.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/nearbyplayer/rathole/config"
	"github.com/nearbyplayer/rathole/observability"
	"github.com/nearbyplayer/rathole/protocol"
	"github.com/nearbyplayer/rathole/transport"
)

// Reconnection backoff parameters. A successful handshake resets the
// sequence; total elapsed time is unbounded.
const (
	backoffInitial    = time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2
	backoffJitter     = 0.5
)

// ErrAuthRejected is returned when the server answers the handshake with
// AuthFail; the supervisor still retries, the deployment may heal.
var ErrAuthRejected = errors.New("server rejected authentication")

// Client runs the private side for one [client] configuration.
type Client struct {
	log zerolog.Logger
	obs observability.Observer

	cfg *config.ClientConfig
	tr  transport.Transport

	mu      sync.Mutex
	runners map[string]*serviceRunner

	dataCount atomic.Int64
}

// New validates the transport and builds a stopped client.
func New(cfg *config.ClientConfig, log zerolog.Logger, obs observability.Observer) (*Client, error) {
	tr, err := transport.New(cfg.Transport)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs = observability.NoopObserver
	}
	return &Client{
		log:     log.With().Str("component", "client").Logger(),
		obs:     obs,
		cfg:     cfg,
		tr:      tr,
		runners: make(map[string]*serviceRunner),
	}, nil
}

// Run supervises every configured service until ctx is cancelled. Reload
// snapshots arrive on reload; nil disables it.
func (c *Client) Run(ctx context.Context, reload <-chan *config.ClientConfig) error {
	for name, sc := range c.cfg.Services {
		c.startRunner(name, sc)
	}
	for {
		select {
		case <-ctx.Done():
			c.stopAll()
			return nil
		case next, ok := <-reload:
			if !ok {
				reload = nil
				continue
			}
			c.apply(next)
		}
	}
}

func (c *Client) startRunner(name string, sc config.ClientServiceConfig) {
	r := newServiceRunner(c, name, sc)
	c.mu.Lock()
	c.runners[name] = r
	c.mu.Unlock()
	go r.run()
}

func (c *Client) stopRunner(r *serviceRunner) {
	c.mu.Lock()
	delete(c.runners, r.name)
	c.mu.Unlock()
	r.cancel()
	select {
	case <-r.finished:
	case <-time.After(c.cfg.ShutdownGrace()):
		r.log.Warn().Msg("service did not stop within grace")
	}
}

func (c *Client) stopAll() {
	c.mu.Lock()
	all := make([]*serviceRunner, 0, len(c.runners))
	for _, r := range c.runners {
		all = append(all, r)
	}
	c.mu.Unlock()
	var wg sync.WaitGroup
	for _, r := range all {
		wg.Add(1)
		go func(r *serviceRunner) {
			defer wg.Done()
			c.stopRunner(r)
		}(r)
	}
	wg.Wait()
}

// apply diff-applies a reload snapshot by service name, exactly like the
// server side: remove, add, restart-on-change.
func (c *Client) apply(next *config.ClientConfig) {
	if next == nil {
		return
	}
	if next.RemoteAddr != c.cfg.RemoteAddr {
		c.log.Warn().Msg("remote_addr change requires a restart; keeping old address")
		next.RemoteAddr = c.cfg.RemoteAddr
	}
	c.cfg = next

	c.mu.Lock()
	running := make(map[string]*serviceRunner, len(c.runners))
	for name, r := range c.runners {
		running[name] = r
	}
	c.mu.Unlock()

	for name, r := range running {
		nc, stillWanted := next.Services[name]
		switch {
		case !stillWanted:
			c.log.Info().Str("service", name).Msg("service removed by reload")
			c.stopRunner(r)
		case !r.cfg.Equal(nc):
			c.log.Info().Str("service", name).Msg("service changed by reload, restarting")
			c.stopRunner(r)
			c.startRunner(name, nc)
		}
	}
	for name, nc := range next.Services {
		if _, ok := running[name]; ok {
			continue
		}
		c.log.Info().Str("service", name).Msg("service added by reload")
		c.startRunner(name, nc)
	}
}

// serviceRunner supervises one service: a reconnect loop around a control
// channel session, plus the data tasks that session spawns.
type serviceRunner struct {
	c      *Client
	name   string
	cfg    config.ClientServiceConfig
	digest protocol.Digest
	log    zerolog.Logger

	remote     string
	hsTimeout  time.Duration
	hbInterval time.Duration
	hbTimeout  time.Duration
	udpIdle    time.Duration

	hint transport.AddrHint

	// udpActive guards the single shared UDP carrier channel.
	udpActive atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	finished chan struct{}
}

func newServiceRunner(c *Client, name string, sc config.ClientServiceConfig) *serviceRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &serviceRunner{
		c:          c,
		name:       name,
		cfg:        sc,
		digest:     protocol.ServiceDigest(sc.Token),
		log:        c.log.With().Str("service", name).Logger(),
		remote:     c.cfg.RemoteAddr,
		hsTimeout:  c.cfg.HandshakeTimeout(),
		hbInterval: c.cfg.HeartbeatInterval(),
		hbTimeout:  c.cfg.HeartbeatTimeout(),
		udpIdle:    c.cfg.UDPIdleTimeout(),
		ctx:        ctx,
		cancel:     cancel,
		finished:   make(chan struct{}),
	}
}

func (r *serviceRunner) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	if r.cfg.RetryIntervalSecs > 0 {
		bo.InitialInterval = time.Duration(r.cfg.RetryIntervalSecs) * time.Second
	}
	bo.MaxInterval = backoffMax
	bo.Multiplier = backoffMultiplier
	bo.RandomizationFactor = backoffJitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// run is the supervisor loop: each failed session waits out the backoff;
// each authenticated session resets it.
func (r *serviceRunner) run() {
	defer close(r.finished)
	bo := r.newBackoff()
	for {
		authed, err := r.session()
		if r.ctx.Err() != nil {
			return
		}
		if authed {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		r.log.Warn().Err(err).Dur("retry_in", wait).Msg("control channel lost, reconnecting")
		r.c.obs.Reconnect()
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// session runs one control-channel lifetime: dial, handshake, then serve
// commands until the transport fails or the runner stops. Data tasks live
// under the session context and die with it.
func (r *serviceRunner) session() (authed bool, err error) {
	sctx, scancel := context.WithCancel(r.ctx)
	defer scancel()

	dctx, dcancel := context.WithTimeout(sctx, r.hsTimeout)
	stream, err := r.c.tr.Dial(dctx, r.remote, &r.hint)
	dcancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", r.remote, err)
	}
	defer stream.Close()

	if err := r.handshake(stream); err != nil {
		return false, err
	}
	r.log.Info().Str("remote", r.remote).Msg("control channel established")

	// The writer owns the stream's write side: heartbeats, and a goodbye
	// on orderly shutdown.
	writeErr := make(chan error, 1)
	writerDone := make(chan struct{})
	go r.writeLoop(stream, writerDone, writeErr)
	defer close(writerDone)

	// Unblock the reader when the session dies from elsewhere.
	stopRead := context.AfterFunc(sctx, func() { _ = stream.Close() })
	defer stopRead()

	if r.cfg.Kind == config.ServiceTCP {
		for i := 0; i < r.cfg.Prewarm; i++ {
			go r.prewarmLoop(sctx)
		}
	}

	for {
		_ = stream.SetReadDeadline(time.Now().Add(r.hbTimeout))
		msg, err := protocol.ReadFrame(stream)
		if err != nil {
			if r.ctx.Err() != nil {
				return true, nil
			}
			select {
			case werr := <-writeErr:
				return true, werr
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				r.c.obs.HeartbeatTimeout()
				return true, errors.New("heartbeat timeout")
			}
			return true, err
		}
		switch msg.(type) {
		case protocol.CreateDataChannel:
			if r.cfg.Kind == config.ServiceUDP {
				go r.runUDPChannel(sctx)
			} else {
				go r.runDataChannel(sctx)
			}
		case protocol.Heartbeat:
		default:
			return true, fmt.Errorf("unexpected control message %s", msg.Kind())
		}
	}
}

// handshake performs Hello / HelloReply / Auth / AuthOK on a fresh stream.
func (r *serviceRunner) handshake(stream transport.Stream) error {
	_ = stream.SetReadDeadline(time.Now().Add(r.hsTimeout))
	defer stream.SetReadDeadline(time.Time{})

	if err := protocol.WriteFrame(stream, protocol.Hello{Version: protocol.Version, Digest: r.digest[:]}); err != nil {
		return err
	}
	msg, err := protocol.ReadFrame(stream)
	if err != nil {
		return err
	}
	reply, ok := msg.(protocol.HelloReply)
	if !ok {
		if f, isFail := msg.(protocol.AuthFail); isFail {
			return fmt.Errorf("%w: %s", ErrAuthRejected, f.Reason)
		}
		return fmt.Errorf("expected hello reply, got %s", msg.Kind())
	}
	resp := protocol.AuthResponse(r.digest, reply.Nonce)
	if err := protocol.WriteFrame(stream, protocol.Auth{Response: resp[:]}); err != nil {
		return err
	}
	msg, err = protocol.ReadFrame(stream)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case protocol.AuthOK:
		return nil
	case protocol.AuthFail:
		return fmt.Errorf("%w: %s", ErrAuthRejected, m.Reason)
	default:
		return fmt.Errorf("expected auth result, got %s", msg.Kind())
	}
}

func (r *serviceRunner) writeLoop(stream transport.Stream, done <-chan struct{}, out chan<- error) {
	hb := time.NewTicker(r.hbInterval)
	defer hb.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.ctx.Done():
			// Orderly shutdown: announce it, best effort.
			_ = protocol.WriteFrame(stream, protocol.Goodbye{})
			return
		case <-hb.C:
			if err := protocol.WriteFrame(stream, protocol.Heartbeat{}); err != nil {
				out <- err
				return
			}
		}
	}
}

// dialLocal opens the upstream connection this service forwards to.
func (r *serviceRunner) dialLocal(ctx context.Context) (*net.TCPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("dial local %s: %w", r.cfg.LocalAddr, err)
	}
	tc := conn.(*net.TCPConn)
	if r.cfg.Nodelay == nil || *r.cfg.Nodelay {
		_ = tc.SetNoDelay(true)
	}
	return tc, nil
}
