package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nearbyplayer/rathole/protocol"
	"github.com/nearbyplayer/rathole/transport"
)

// controlCmdQueueSize bounds outbound commands per control channel.
// Overflow rejects the command; the visitor it served times out and is
// dropped by the pairing path.
const controlCmdQueueSize = 64

// controlChannel is the server end of one authenticated client connection.
type controlChannel struct {
	svc    *service
	stream transport.Stream
	log    zerolog.Logger

	cmds      chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newControlChannel(svc *service, stream transport.Stream) *controlChannel {
	cc := &controlChannel{
		svc:    svc,
		stream: stream,
		log:    svc.log.With().Str("peer", stream.RemoteAddr().String()).Logger(),
		cmds:   make(chan protocol.Message, controlCmdQueueSize),
		done:   make(chan struct{}),
	}
	return cc
}

// stop closes the transport and wakes both loops. Safe to call repeatedly.
func (cc *controlChannel) stop() {
	cc.closeOnce.Do(func() {
		close(cc.done)
		_ = cc.stream.Close()
	})
}

// SendCmd enqueues a command for the writer task. A full queue rejects the
// command; the caller treats that as a resource error, not a channel fault.
func (cc *controlChannel) SendCmd(m protocol.Message) bool {
	select {
	case cc.cmds <- m:
		return true
	case <-cc.done:
		return false
	default:
		return false
	}
}

// run services the channel until the transport fails, the peer says
// goodbye, heartbeats go silent, or ctx is cancelled.
func (cc *controlChannel) run(ctx context.Context) {
	defer cc.stop()
	writeErr := make(chan error, 1)
	go cc.writeLoop(writeErr)

	readErr := make(chan error, 1)
	go cc.readLoop(readErr)

	var err error
	select {
	case <-ctx.Done():
		// Orderly shutdown; unblock the reader via close.
		cc.stop()
		err = ctx.Err()
	case err = <-writeErr:
		cc.stop()
	case err = <-readErr:
		cc.stop()
	}
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		cc.log.Debug().Msg("control channel closed")
	case errors.Is(err, io.EOF):
		cc.log.Info().Msg("client disconnected")
	default:
		cc.log.Warn().Err(err).Msg("control channel failed")
	}
	cc.svc.clearControl(cc)
}

func (cc *controlChannel) writeLoop(out chan<- error) {
	hb := time.NewTicker(cc.svc.hbInterval)
	defer hb.Stop()
	for {
		select {
		case <-cc.done:
			out <- nil
			return
		case m := <-cc.cmds:
			if err := protocol.WriteFrame(cc.stream, m); err != nil {
				out <- err
				return
			}
		case <-hb.C:
			if err := protocol.WriteFrame(cc.stream, protocol.Heartbeat{}); err != nil {
				out <- err
				return
			}
		}
	}
}

func (cc *controlChannel) readLoop(out chan<- error) {
	hbTimeout := cc.svc.hbTimeout
	for {
		_ = cc.stream.SetReadDeadline(time.Now().Add(hbTimeout))
		msg, err := protocol.ReadFrame(cc.stream)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				cc.svc.srv.obs.HeartbeatTimeout()
				cc.log.Warn().Dur("timeout", hbTimeout).Msg("heartbeat silence, dropping channel")
				out <- errHeartbeatTimeout
				return
			}
			out <- err
			return
		}
		// Any inbound message proves liveness; the deadline resets above.
		switch msg.(type) {
		case protocol.Heartbeat:
		case protocol.Goodbye:
			cc.log.Info().Msg("client said goodbye")
			out <- nil
			return
		default:
			out <- &protocolViolation{got: msg.Kind()}
			return
		}
	}
}

var errHeartbeatTimeout = errors.New("heartbeat timeout")

type protocolViolation struct {
	got protocol.Kind
}

func (e *protocolViolation) Error() string {
	return "unexpected control message " + e.got.String()
}
