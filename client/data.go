package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/nearbyplayer/rathole/internal/pipe"
	"github.com/nearbyplayer/rathole/protocol"
	"github.com/nearbyplayer/rathole/transport"
)

// prewarmRetryDelay paces pool replenishment after a failed dial, a pool
// entry expired by the server, or an unreachable local service. A channel
// whose tunnel has ended is replaced without delay.
const prewarmRetryDelay = time.Second

// openDataChannel dials the server and announces which service the
// connection belongs to. The session nonce is opaque; both ends log it.
func (r *serviceRunner) openDataChannel(ctx context.Context) (transport.Stream, error) {
	dctx, cancel := context.WithTimeout(ctx, r.hsTimeout)
	defer cancel()
	stream, err := r.c.tr.Dial(dctx, r.remote, &r.hint)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, protocol.SessionNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		_ = stream.Close()
		return nil, err
	}
	if err := protocol.WriteFrame(stream, protocol.DataChannelHello{Digest: r.digest[:], SessionNonce: nonce}); err != nil {
		_ = stream.Close()
		return nil, err
	}
	r.log.Debug().Str("session_nonce", hex.EncodeToString(nonce)).Msg("data channel opened")
	return stream, nil
}

// runDataChannel serves one CreateDataChannel command: a visitor is already
// waiting server-side, so the local connection opens immediately.
func (r *serviceRunner) runDataChannel(ctx context.Context) {
	stream, err := r.openDataChannel(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("data channel dial failed")
		}
		return
	}
	local, err := r.dialLocal(ctx)
	if err != nil {
		_ = stream.Close()
		if ctx.Err() == nil {
			r.log.Error().Err(err).Msg("local service unreachable")
		}
		return
	}
	r.c.obs.DataChannelCount(r.c.dataCount.Add(1))
	defer func() { r.c.obs.DataChannelCount(r.c.dataCount.Add(-1)) }()
	if err := pipe.Join(ctx, stream, local, pipe.Options{}); err != nil && ctx.Err() == nil {
		r.log.Debug().Err(err).Msg("tunnel ended with error")
	}
}

// prewarmLoop keeps one pool slot filled: establish a data channel ahead of
// demand, wait for the first tunneled bytes, then connect the local service
// and join. The server expires unused pool entries; the loop refills.
func (r *serviceRunner) prewarmLoop(ctx context.Context) {
	buf := make([]byte, 32*1024)
	for ctx.Err() == nil {
		stream, err := r.openDataChannel(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Debug().Err(err).Msg("prewarm dial failed")
			sleepCtx(ctx, prewarmRetryDelay)
			continue
		}
		stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
		n, err := stream.Read(buf)
		stop()
		if err != nil {
			// Pool entry expired server-side, or the session is ending.
			_ = stream.Close()
			sleepCtx(ctx, prewarmRetryDelay)
			continue
		}
		local, err := r.dialLocal(ctx)
		if err != nil {
			_ = stream.Close()
			if ctx.Err() == nil {
				r.log.Error().Err(err).Msg("local service unreachable")
			}
			sleepCtx(ctx, prewarmRetryDelay)
			continue
		}
		if _, err := local.Write(buf[:n]); err != nil {
			_ = stream.Close()
			_ = local.Close()
			continue
		}
		r.c.obs.DataChannelCount(r.c.dataCount.Add(1))
		if err := pipe.Join(ctx, stream, local, pipe.Options{}); err != nil && ctx.Err() == nil {
			r.log.Debug().Err(err).Msg("tunnel ended with error")
		}
		r.c.obs.DataChannelCount(r.c.dataCount.Add(-1))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
