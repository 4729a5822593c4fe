package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nearbyplayer/rathole/config"
	"github.com/nearbyplayer/rathole/internal/pipe"
	"github.com/nearbyplayer/rathole/observability"
	"github.com/nearbyplayer/rathole/protocol"
	"github.com/nearbyplayer/rathole/transport"
	"github.com/nearbyplayer/rathole/udp"
)

// dataQueueSize bounds the per-service pool of unpaired data channels.
// Unlike the visitor queue, overflow rejects the newcomer.
const dataQueueSize = 64

// sweepInterval is the cadence for expiring held visitors and idle pooled
// data channels.
const sweepInterval = 500 * time.Millisecond

// service is one exposed endpoint: its public listener, the slot for the
// client's control channel, and the pairing state between held visitors
// and incoming data channels. A service observes the config snapshot it
// was started with; reloads replace the whole service.
type service struct {
	name   string
	cfg    config.ServerServiceConfig
	digest protocol.Digest
	srv    *Server
	log    zerolog.Logger

	// Timeouts copied from the startup snapshot.
	hbInterval     time.Duration
	hbTimeout      time.Duration
	pendingTimeout time.Duration
	dataTimeout    time.Duration
	udpIdle        time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	cmu  sync.Mutex
	ctrl *controlChannel

	visitors *timedQueue[*net.TCPConn]
	dataq    *timedQueue[transport.Stream]

	tcpListener *net.TCPListener

	// UDP state.
	udpConn  *net.UDPConn
	sessions *udp.SessionTable
	umu      sync.Mutex
	udpCh    transport.Stream

	joins sync.WaitGroup // Live copy loops, drained on stop.
}

func newService(srv *Server, name string, cfg config.ServerServiceConfig, top *config.ServerConfig) *service {
	ctx, cancel := context.WithCancel(context.Background())
	return &service{
		name:           name,
		cfg:            cfg,
		digest:         protocol.ServiceDigest(cfg.Token),
		srv:            srv,
		log:            srv.log.With().Str("service", name).Logger(),
		hbInterval:     top.HeartbeatInterval(),
		hbTimeout:      top.HeartbeatTimeout(),
		pendingTimeout: top.PendingVisitorTimeout(),
		dataTimeout:    top.DataChannelTimeout(),
		udpIdle:        top.UDPIdleTimeout(),
		ctx:            ctx,
		cancel:         cancel,
		visitors:       newTimedQueue[*net.TCPConn](top.VisitorQueueSize, true),
		dataq:          newTimedQueue[transport.Stream](dataQueueSize, false),
		sessions:       udp.NewSessionTable(top.UDPIdleTimeout()),
	}
}

// start binds the public endpoint and launches the service tasks. A bind
// failure is returned to the caller; nothing is left running.
func (sv *service) start() error {
	switch sv.cfg.Kind {
	case config.ServiceUDP:
		ua, err := net.ResolveUDPAddr("udp", sv.cfg.BindAddr)
		if err != nil {
			return err
		}
		conn, err := net.ListenUDP("udp", ua)
		if err != nil {
			return err
		}
		sv.udpConn = conn
		go sv.udpReadLoop()
		go sv.udpEvictLoop()
	default:
		l, err := net.Listen("tcp", sv.cfg.BindAddr)
		if err != nil {
			return err
		}
		sv.tcpListener = l.(*net.TCPListener)
		go sv.acceptVisitors()
		go sv.pairLoop()
		go sv.sweepLoop()
	}
	sv.log.Info().Str("bind_addr", sv.cfg.BindAddr).Str("type", string(sv.cfg.Kind)).Msg("service up")
	return nil
}

// stop closes the public endpoint, lets in-flight tunnels drain within
// grace, then force-closes the rest.
func (sv *service) stop(grace time.Duration) {
	if sv.tcpListener != nil {
		_ = sv.tcpListener.Close()
	}
	if sv.udpConn != nil {
		_ = sv.udpConn.Close()
	}
	sv.cmu.Lock()
	ctrl := sv.ctrl
	sv.ctrl = nil
	sv.cmu.Unlock()
	if ctrl != nil {
		ctrl.stop()
		sv.srv.controlGone()
	}
	for _, v := range sv.visitors.Close() {
		resetClose(v)
		sv.srv.obs.Visitor(observability.VisitorQueueDrained)
	}
	for _, d := range sv.dataq.Close() {
		_ = d.Close()
		sv.srv.dataGone()
	}
	sv.umu.Lock()
	udpCh := sv.udpCh
	sv.udpCh = nil
	sv.umu.Unlock()
	if udpCh != nil {
		_ = udpCh.Close()
		sv.srv.dataGone()
	}

	done := make(chan struct{})
	go func() {
		sv.joins.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		sv.log.Warn().Dur("grace", grace).Msg("force closing tunnels after grace")
	}
	sv.cancel()
	sv.log.Info().Msg("service stopped")
}

// control returns the current control channel, if any.
func (sv *service) control() *controlChannel {
	sv.cmu.Lock()
	defer sv.cmu.Unlock()
	return sv.ctrl
}

// installControl replaces the control slot. A prior channel means a second
// client claimed this digest: last writer wins, the old channel closes and
// its held visitors are dropped.
func (sv *service) installControl(cc *controlChannel) {
	sv.cmu.Lock()
	old := sv.ctrl
	sv.ctrl = cc
	sv.cmu.Unlock()
	if old != nil {
		sv.log.Warn().Msg("control channel replaced by new client")
		old.stop()
		sv.drainVisitors()
	} else {
		sv.srv.controlArrived()
		// Visitors held while the slot was empty still need channels.
		for n := sv.visitors.Len(); n > 0; n-- {
			if !cc.SendCmd(protocol.CreateDataChannel{}) {
				break
			}
		}
	}
}

// clearControl empties the slot when a channel dies. Pending visitors
// cannot be served any more and are dropped.
func (sv *service) clearControl(cc *controlChannel) {
	sv.cmu.Lock()
	if sv.ctrl != cc {
		sv.cmu.Unlock()
		return
	}
	sv.ctrl = nil
	sv.cmu.Unlock()
	sv.srv.controlGone()
	sv.drainVisitors()
}

func (sv *service) drainVisitors() {
	for _, v := range sv.visitors.Drain() {
		resetClose(v)
		sv.srv.obs.Visitor(observability.VisitorQueueDrained)
	}
}

func (sv *service) acceptVisitors() {
	for {
		c, err := sv.tcpListener.AcceptTCP()
		if err != nil {
			if sv.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				sv.log.Error().Err(err).Msg("visitor accept failed")
			}
			return
		}
		sv.handleVisitor(c)
	}
}

func (sv *service) handleVisitor(c *net.TCPConn) {
	if sv.cfg.Nodelay == nil || *sv.cfg.Nodelay {
		_ = c.SetNoDelay(true)
	}
	dropped, droppedOK, pushed := sv.visitors.Push(c)
	if !pushed {
		resetClose(c)
		sv.srv.obs.Visitor(observability.VisitorOverflow)
		return
	}
	if droppedOK {
		// Bounded queue: the oldest held visitor makes room.
		resetClose(dropped)
		sv.srv.obs.Visitor(observability.VisitorOverflow)
		sv.log.Warn().Msg("visitor queue overflow, dropped oldest")
	}
	if n := sv.dataq.Len(); n > 0 && n >= sv.visitors.Len() {
		// Idle pooled data channels already cover every held visitor.
		return
	}
	if cc := sv.control(); cc != nil {
		if !cc.SendCmd(protocol.CreateDataChannel{}) {
			sv.log.Warn().Msg("control command queue full")
		}
	}
}

// pairLoop matches visitors to data channels in visitor arrival order.
func (sv *service) pairLoop() {
	for {
		v, arrived, ok := sv.visitors.PopWait(time.Second)
		if !ok {
			if sv.ctx.Err() != nil || sv.visitors.Closed() {
				return
			}
			continue
		}
		wait := sv.pendingTimeout - time.Since(arrived)
		if wait <= 0 {
			resetClose(v)
			sv.srv.obs.Visitor(observability.VisitorExpired)
			continue
		}
		dch, ok := sv.popDataChannel(wait)
		if !ok {
			resetClose(v)
			sv.srv.obs.Visitor(observability.VisitorExpired)
			continue
		}
		latency := time.Since(arrived)
		sv.srv.obs.Visitor(observability.VisitorPaired)
		sv.srv.obs.PairLatency(latency)
		sv.log.Debug().Dur("latency", latency).Msg("visitor paired")
		sv.joins.Add(1)
		go func() {
			defer sv.joins.Done()
			defer sv.srv.dataGone()
			if err := pipe.Join(sv.ctx, v, dch, pipe.Options{}); err != nil && sv.ctx.Err() == nil {
				sv.log.Debug().Err(err).Msg("tunnel ended with error")
			}
		}()
	}
}

// popDataChannel pops the next live pooled channel, discarding entries
// older than the hold timeout.
func (sv *service) popDataChannel(wait time.Duration) (transport.Stream, bool) {
	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		dch, arrived, ok := sv.dataq.PopWait(remaining)
		if !ok {
			return nil, false
		}
		if time.Since(arrived) > sv.dataTimeout {
			_ = dch.Close()
			sv.srv.dataGone()
			continue
		}
		return dch, true
	}
}

// offerDataChannel routes a post-hello client connection into the service.
func (sv *service) offerDataChannel(stream transport.Stream) {
	if sv.cfg.Kind == config.ServiceUDP {
		sv.adoptUDPChannel(stream)
		return
	}
	if _, _, pushed := sv.dataq.Push(stream); !pushed {
		// Pool full or service stopping: reject the newcomer.
		_ = stream.Close()
		sv.srv.dataGone()
		sv.log.Warn().Msg("data channel rejected")
	}
}

// sweepLoop expires held visitors and idle pooled data channels.
func (sv *service) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-sv.ctx.Done():
			return
		case <-t.C:
			now := time.Now()
			for _, v := range sv.visitors.ExpireBefore(now.Add(-sv.pendingTimeout)) {
				resetClose(v)
				sv.srv.obs.Visitor(observability.VisitorExpired)
			}
			for _, d := range sv.dataq.ExpireBefore(now.Add(-sv.dataTimeout)) {
				_ = d.Close()
				sv.srv.dataGone()
			}
		}
	}
}

// resetClose drops a visitor with an RST instead of a clean FIN; the
// visitor was never served and must not see a successful close.
func resetClose(c *net.TCPConn) {
	_ = c.SetLinger(0)
	_ = c.Close()
}
