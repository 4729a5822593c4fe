package server

import (
	"errors"
	"net"
	"time"

	"github.com/nearbyplayer/rathole/protocol"
	"github.com/nearbyplayer/rathole/transport"
	"github.com/nearbyplayer/rathole/udp"
)

// udpReadLoop pushes visitor datagrams into the service's shared data
// channel, assigning a session id per visitor address.
func (sv *service) udpReadLoop() {
	buf := make([]byte, udp.MaxPayload)
	for {
		n, addr, err := sv.udpConn.ReadFromUDP(buf)
		if err != nil {
			if sv.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				sv.log.Error().Err(err).Msg("udp read failed")
			}
			return
		}
		id, created := sv.sessions.Claim(addr)
		if created {
			sv.log.Debug().Uint32("session", id).Str("visitor", addr.String()).Msg("udp session opened")
			sv.srv.obs.UDPSessionCount(sv.sessions.Len())
		}
		dch := sv.ensureUDPChannel()
		if dch == nil {
			// No client to carry it; UDP is lossy by contract.
			continue
		}
		if err := udp.WritePacket(dch, id, buf[:n]); err != nil {
			sv.log.Warn().Err(err).Msg("udp data channel write failed")
			sv.dropUDPChannel(dch)
		}
	}
}

// ensureUDPChannel returns the live shared channel, requesting a fresh one
// from the client when the slot is empty.
func (sv *service) ensureUDPChannel() transport.Stream {
	sv.umu.Lock()
	dch := sv.udpCh
	sv.umu.Unlock()
	if dch != nil {
		return dch
	}
	cc := sv.control()
	if cc == nil {
		return nil
	}
	if !cc.SendCmd(protocol.CreateDataChannel{}) {
		return nil
	}
	stream, _, ok := sv.dataq.PopWait(sv.dataTimeout)
	if !ok {
		return nil
	}
	sv.setUDPChannel(stream)
	return stream
}

// adoptUDPChannel installs an incoming data channel as the shared UDP
// carrier. With a carrier already in place the newcomer is redundant.
func (sv *service) adoptUDPChannel(stream transport.Stream) {
	sv.umu.Lock()
	occupied := sv.udpCh != nil
	sv.umu.Unlock()
	if occupied {
		_ = stream.Close()
		sv.srv.dataGone()
		return
	}
	// Route through the queue so a concurrent ensureUDPChannel pops it.
	if _, _, pushed := sv.dataq.Push(stream); !pushed {
		_ = stream.Close()
		sv.srv.dataGone()
	}
}

func (sv *service) setUDPChannel(stream transport.Stream) {
	sv.umu.Lock()
	sv.udpCh = stream
	sv.umu.Unlock()
	go sv.udpReturnLoop(stream)
}

func (sv *service) dropUDPChannel(stream transport.Stream) {
	sv.umu.Lock()
	if sv.udpCh == stream {
		sv.udpCh = nil
	}
	sv.umu.Unlock()
	_ = stream.Close()
	sv.srv.dataGone()
}

// udpReturnLoop forwards framed datagrams from the client back to their
// visitor. Unknown session ids belong to evicted sessions and are dropped.
func (sv *service) udpReturnLoop(stream transport.Stream) {
	for {
		id, payload, err := udp.ReadPacket(stream)
		if err != nil {
			if sv.ctx.Err() == nil {
				sv.log.Debug().Err(err).Msg("udp data channel closed")
			}
			sv.dropUDPChannel(stream)
			return
		}
		addr, ok := sv.sessions.Lookup(id)
		if !ok {
			continue
		}
		if _, err := sv.udpConn.WriteToUDP(payload, addr); err != nil {
			if sv.ctx.Err() != nil {
				sv.dropUDPChannel(stream)
				return
			}
			sv.log.Warn().Err(err).Uint32("session", id).Msg("udp visitor write failed")
		}
	}
}

// udpEvictLoop expires sessions beyond the idle window on both maps.
func (sv *service) udpEvictLoop() {
	interval := sv.udpIdle / 4
	if interval > 10*time.Second {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-sv.ctx.Done():
			return
		case <-t.C:
			if evicted := sv.sessions.Evict(time.Now()); len(evicted) > 0 {
				for _, id := range evicted {
					sv.log.Debug().Uint32("session", id).Msg("udp session evicted")
				}
				sv.srv.obs.UDPSessionCount(sv.sessions.Len())
			}
		}
	}
}
