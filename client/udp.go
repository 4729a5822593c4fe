package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/nearbyplayer/rathole/transport"
	"github.com/nearbyplayer/rathole/udp"
)

// runUDPChannel services the single shared data channel that carries every
// UDP session for this service. The server demultiplexes by session id; we
// keep one local socket per session and evict idle ones.
func (r *serviceRunner) runUDPChannel(ctx context.Context) {
	if !r.udpActive.CompareAndSwap(false, true) {
		// A carrier already runs; the command raced a previous one.
		return
	}
	defer r.udpActive.Store(false)

	stream, err := r.openDataChannel(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("udp data channel dial failed")
		}
		return
	}
	r.c.obs.DataChannelCount(r.c.dataCount.Add(1))
	defer func() { r.c.obs.DataChannelCount(r.c.dataCount.Add(-1)) }()

	localAddr, err := net.ResolveUDPAddr("udp", r.cfg.LocalAddr)
	if err != nil {
		r.log.Error().Err(err).Msg("bad local_addr")
		_ = stream.Close()
		return
	}

	car := &udpCarrier{
		r:      r,
		stream: stream,
		local:  localAddr,
		flows:  make(map[uint32]*udpFlow),
	}
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(cctx, func() { _ = stream.Close() })
	defer stop()
	go car.evictLoop(cctx)
	car.readLoop(cctx)
	car.closeAll()
}

// udpCarrier owns the stream and the per-session local sockets.
type udpCarrier struct {
	r      *serviceRunner
	stream transport.Stream
	local  *net.UDPAddr

	wmu sync.Mutex // Serializes frames from the flow readers.

	fmu   sync.Mutex
	flows map[uint32]*udpFlow
}

type udpFlow struct {
	conn     *net.UDPConn
	lastSeen int64 // Unix nanos, guarded by fmu.
}

// readLoop forwards tunneled datagrams to per-session local sockets.
func (c *udpCarrier) readLoop(ctx context.Context) {
	for {
		id, payload, err := udp.ReadPacket(c.stream)
		if err != nil {
			if ctx.Err() == nil {
				c.r.log.Debug().Err(err).Msg("udp data channel closed")
			}
			return
		}
		flow, err := c.flowFor(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.r.log.Warn().Err(err).Uint32("session", id).Msg("udp local dial failed")
			continue
		}
		if _, err := flow.conn.Write(payload); err != nil && ctx.Err() == nil {
			c.r.log.Warn().Err(err).Uint32("session", id).Msg("udp local write failed")
		}
	}
}

// flowFor returns the local socket for a session, creating it and its
// return-path reader on first sight.
func (c *udpCarrier) flowFor(ctx context.Context, id uint32) (*udpFlow, error) {
	now := time.Now().UnixNano()
	c.fmu.Lock()
	if f, ok := c.flows[id]; ok {
		f.lastSeen = now
		c.fmu.Unlock()
		return f, nil
	}
	c.fmu.Unlock()

	conn, err := net.DialUDP("udp", nil, c.local)
	if err != nil {
		return nil, err
	}
	f := &udpFlow{conn: conn, lastSeen: now}

	c.fmu.Lock()
	if existing, ok := c.flows[id]; ok {
		// Lost the race; keep the first socket.
		c.fmu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	c.flows[id] = f
	c.fmu.Unlock()

	c.r.log.Debug().Uint32("session", id).Msg("udp session opened")
	go c.returnLoop(ctx, id, f)
	return f, nil
}

// returnLoop frames local replies back onto the shared channel.
func (c *udpCarrier) returnLoop(ctx context.Context, id uint32, f *udpFlow) {
	buf := make([]byte, udp.MaxPayload)
	for {
		n, err := f.conn.Read(buf)
		if err != nil {
			// Socket closed by eviction or teardown.
			return
		}
		c.fmu.Lock()
		f.lastSeen = time.Now().UnixNano()
		c.fmu.Unlock()
		c.wmu.Lock()
		werr := udp.WritePacket(c.stream, id, buf[:n])
		c.wmu.Unlock()
		if werr != nil {
			if ctx.Err() == nil {
				c.r.log.Debug().Err(werr).Msg("udp data channel write failed")
			}
			_ = c.stream.Close()
			return
		}
	}
}

// evictLoop forgets sessions with no traffic inside the idle window.
func (c *udpCarrier) evictLoop(ctx context.Context) {
	interval := c.r.udpIdle / 4
	if interval > 10*time.Second {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cutoff := time.Now().Add(-c.r.udpIdle).UnixNano()
			c.fmu.Lock()
			for id, f := range c.flows {
				if f.lastSeen < cutoff {
					_ = f.conn.Close()
					delete(c.flows, id)
					c.r.log.Debug().Uint32("session", id).Msg("udp session evicted")
				}
			}
			c.fmu.Unlock()
		}
	}
}

func (c *udpCarrier) closeAll() {
	c.fmu.Lock()
	defer c.fmu.Unlock()
	for id, f := range c.flows {
		_ = f.conn.Close()
		delete(c.flows, id)
	}
}
