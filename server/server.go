// Package server implements the public side of the tunnel: it accepts
// control and data connections from clients, exposes each configured
// service on its bind address, and brokers visitor-to-data-channel pairs.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nearbyplayer/rathole/config"
	"github.com/nearbyplayer/rathole/observability"
	"github.com/nearbyplayer/rathole/protocol"
	"github.com/nearbyplayer/rathole/transport"
)

// Server runs the public side for one [server] configuration.
type Server struct {
	log zerolog.Logger
	obs observability.Observer

	cfg *config.ServerConfig
	tr  transport.Transport

	mu       sync.Mutex
	services map[string]*service
	byDigest map[protocol.Digest]*service

	// hsTimeout bounds the whole Hello/Auth exchange per connection.
	hsTimeout time.Duration

	limiter   *authLimiter
	ctrlCount atomic.Int64
	dataCount atomic.Int64
}

// New validates the transport and builds a stopped server.
func New(cfg *config.ServerConfig, log zerolog.Logger, obs observability.Observer) (*Server, error) {
	tr, err := transport.New(cfg.Transport)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs = observability.NoopObserver
	}
	return &Server{
		log:       log.With().Str("component", "server").Logger(),
		obs:       obs,
		cfg:       cfg,
		tr:        tr,
		services:  make(map[string]*service),
		byDigest:  make(map[protocol.Digest]*service),
		hsTimeout: cfg.HandshakeTimeout(),
		limiter:   newAuthLimiter(),
	}, nil
}

// Run listens for client connections and serves until ctx is cancelled or
// the listener fails. Reload snapshots arrive on reload; nil disables it.
func (s *Server) Run(ctx context.Context, reload <-chan *config.ServerConfig) error {
	l, err := s.tr.Listen(s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.BindAddr, err)
	}
	s.log.Info().Str("bind_addr", s.cfg.BindAddr).Msg("listening for clients")

	for name, sc := range s.cfg.Services {
		if err := s.startService(name, sc); err != nil {
			_ = l.Close()
			s.stopAll()
			return fmt.Errorf("start service %q: %w", name, err)
		}
	}

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- s.acceptLoop(ctx, l) }()

	for {
		select {
		case <-ctx.Done():
			_ = l.Close()
			<-acceptErr
			s.stopAll()
			return nil
		case err := <-acceptErr:
			s.stopAll()
			return err
		case next, ok := <-reload:
			if !ok {
				reload = nil
				continue
			}
			s.apply(next)
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, l transport.Listener) error {
	for {
		stream, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if transport.IsAcceptRetryable(err) {
				s.log.Debug().Err(err).Msg("connection rejected during accept")
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, stream)
	}
}

// handleConn dispatches a fresh transport connection: a Hello starts the
// control handshake, a DataChannelHello routes the connection to its
// service. Anything else is a protocol error.
func (s *Server) handleConn(ctx context.Context, stream transport.Stream) {
	peer := peerHost(stream.RemoteAddr())
	_ = stream.SetReadDeadline(time.Now().Add(s.hsTimeout))
	msg, err := protocol.ReadFrame(stream)
	if err != nil {
		s.log.Debug().Err(err).Str("peer", peer).Msg("dropping connection before first frame")
		_ = stream.Close()
		return
	}
	switch m := msg.(type) {
	case protocol.Hello:
		s.handleHello(ctx, stream, peer, m)
	case protocol.DataChannelHello:
		s.handleDataChannel(stream, peer, m)
	default:
		s.obs.Auth(observability.AuthProtocol)
		s.log.Warn().Str("peer", peer).Stringer("kind", msg.Kind()).Msg("unexpected first frame")
		_ = stream.Close()
	}
}

func (s *Server) handleHello(ctx context.Context, stream transport.Stream, peer string, hello protocol.Hello) {
	fail := func(reason string, result observability.AuthResult) {
		s.obs.Auth(result)
		s.limiter.Fail(peer)
		_ = protocol.WriteFrame(stream, protocol.AuthFail{Reason: reason})
		_ = stream.Close()
		s.log.Warn().Str("peer", peer).Str("reason", reason).Msg("auth failed")
	}

	if s.limiter.Blocked(peer) {
		s.obs.Auth(observability.AuthRateLimited)
		_ = protocol.WriteFrame(stream, protocol.AuthFail{Reason: "rate limited"})
		_ = stream.Close()
		s.log.Warn().Str("peer", peer).Msg("auth attempt from blocked peer")
		return
	}
	if hello.Version != protocol.Version {
		fail("version", observability.AuthBadVersion)
		return
	}
	digest, err := protocol.DigestFromBytes(hello.Digest)
	if err != nil {
		fail("bad digest", observability.AuthBadDigest)
		return
	}

	// Challenge. The reply is issued even for unknown digests so a probe
	// cannot distinguish "unknown service" from "wrong token".
	nonce := make([]byte, protocol.NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		s.log.Error().Err(err).Msg("nonce generation failed")
		_ = stream.Close()
		return
	}
	if err := protocol.WriteFrame(stream, protocol.HelloReply{Nonce: nonce}); err != nil {
		_ = stream.Close()
		return
	}
	reply, err := protocol.ReadFrame(stream)
	if err != nil {
		_ = stream.Close()
		return
	}
	auth, ok := reply.(protocol.Auth)
	if !ok {
		fail("protocol", observability.AuthProtocol)
		return
	}
	svc := s.lookupDigest(digest)
	if svc == nil || !protocol.VerifyAuth(digest, nonce, auth.Response) {
		result := observability.AuthBadResponse
		if svc == nil {
			result = observability.AuthBadDigest
		}
		fail("authentication failed", result)
		return
	}

	if err := protocol.WriteFrame(stream, protocol.AuthOK{}); err != nil {
		_ = stream.Close()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})
	s.obs.Auth(observability.AuthOK)

	cc := newControlChannel(svc, stream)
	svc.installControl(cc)
	cc.log.Info().Msg("control channel established")
	cc.run(ctx)
}

func (s *Server) handleDataChannel(stream transport.Stream, peer string, hello protocol.DataChannelHello) {
	digest, err := protocol.DigestFromBytes(hello.Digest)
	if err != nil {
		_ = stream.Close()
		return
	}
	svc := s.lookupDigest(digest)
	if svc == nil {
		s.log.Warn().Str("peer", peer).Msg("data channel for unknown service")
		_ = stream.Close()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})
	// session_nonce is reserved; record it and move on.
	svc.log.Debug().
		Str("peer", peer).
		Str("session_nonce", hex.EncodeToString(hello.SessionNonce)).
		Msg("data channel arrived")
	s.dataArrived()
	svc.offerDataChannel(stream)
}

func (s *Server) lookupDigest(d protocol.Digest) *service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byDigest[d]
}

// startService builds and binds one service from the current snapshot.
func (s *Server) startService(name string, sc config.ServerServiceConfig) error {
	sv := newService(s, name, sc, s.cfg)
	if err := sv.start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.services[name] = sv
	s.byDigest[sv.digest] = sv
	s.mu.Unlock()
	return nil
}

func (s *Server) stopService(sv *service) {
	s.mu.Lock()
	delete(s.services, sv.name)
	if s.byDigest[sv.digest] == sv {
		delete(s.byDigest, sv.digest)
	}
	s.mu.Unlock()
	sv.stop(s.cfg.ShutdownGrace())
}

func (s *Server) stopAll() {
	s.mu.Lock()
	all := make([]*service, 0, len(s.services))
	for _, sv := range s.services {
		all = append(all, sv)
	}
	s.mu.Unlock()
	var wg sync.WaitGroup
	for _, sv := range all {
		wg.Add(1)
		go func(sv *service) {
			defer wg.Done()
			s.stopService(sv)
		}(sv)
	}
	wg.Wait()
}

// apply diff-applies a new configuration snapshot: removed services stop,
// added services start, changed services restart. Identical services are
// untouched.
func (s *Server) apply(next *config.ServerConfig) {
	if next == nil {
		return
	}
	if next.BindAddr != s.cfg.BindAddr {
		s.log.Warn().Msg("bind_addr change requires a restart; keeping old listener")
	}
	s.cfg = next

	s.mu.Lock()
	running := make(map[string]*service, len(s.services))
	for name, sv := range s.services {
		running[name] = sv
	}
	s.mu.Unlock()

	for name, sv := range running {
		nc, stillWanted := next.Services[name]
		switch {
		case !stillWanted:
			s.log.Info().Str("service", name).Msg("service removed by reload")
			s.stopService(sv)
		case !sv.cfg.Equal(nc):
			s.log.Info().Str("service", name).Msg("service changed by reload, restarting")
			s.stopService(sv)
			if err := s.startService(name, nc); err != nil {
				s.log.Error().Err(err).Str("service", name).Msg("restart after reload failed")
			}
		}
	}
	for name, nc := range next.Services {
		if _, ok := running[name]; ok {
			continue
		}
		s.log.Info().Str("service", name).Msg("service added by reload")
		if err := s.startService(name, nc); err != nil {
			s.log.Error().Err(err).Str("service", name).Msg("start after reload failed")
		}
	}
}

func (s *Server) controlArrived() {
	s.obs.ControlChannelCount(int(s.ctrlCount.Add(1)))
}

func (s *Server) controlGone() {
	s.obs.ControlChannelCount(int(s.ctrlCount.Add(-1)))
}

func (s *Server) dataArrived() {
	s.obs.DataChannelCount(s.dataCount.Add(1))
}

func (s *Server) dataGone() {
	s.obs.DataChannelCount(s.dataCount.Add(-1))
}

func peerHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
