// Package udp multiplexes many visitor UDP flows over one reliable stream.
// Each datagram travels as `u32 session_id || u16 length || payload`; the
// session table maps visitor addresses to session ids and evicts sessions
// that stay idle past the configured window.
package udp

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nearbyplayer/rathole/internal/bin"
)

// HeaderLen is the per-datagram framing overhead.
const HeaderLen = 6

// MaxPayload is the largest payload a frame can carry (u16 length).
const MaxPayload = 65535

// DefaultIdleTimeout evicts sessions with no datagram inside the window.
const DefaultIdleTimeout = 60 * time.Second

var ErrPayloadTooLarge = errors.New("udp payload too large")

// WritePacket frames one datagram onto the stream.
func WritePacket(w io.Writer, session uint32, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderLen+len(payload))
	bin.PutU32BE(buf[0:4], session)
	bin.PutU16BE(buf[4:6], uint16(len(payload)))
	copy(buf[HeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadPacket reads one framed datagram from the stream.
func ReadPacket(r io.Reader) (uint32, []byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	session := bin.U32BE(hdr[0:4])
	payload := make([]byte, bin.U16BE(hdr[4:6]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return session, payload, nil
}

type session struct {
	id       uint32
	addr     *net.UDPAddr
	lastSeen time.Time
}

// SessionTable is the bidirectional visitor_addr <-> session_id map kept by
// the side that first sees a flow. session_id -> addr stays injective; ids
// of evicted sessions may be reused later.
type SessionTable struct {
	mu     sync.Mutex
	byAddr map[string]*session
	byID   map[uint32]*session
	next   uint32
	idle   time.Duration
}

func NewSessionTable(idle time.Duration) *SessionTable {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &SessionTable{
		byAddr: make(map[string]*session),
		byID:   make(map[uint32]*session),
		idle:   idle,
	}
}

// Claim returns the session id for a visitor address, assigning a fresh id
// on first sight, and refreshes the idle clock.
func (t *SessionTable) Claim(addr *net.UDPAddr) (id uint32, created bool) {
	key := addr.String()
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byAddr[key]; ok {
		s.lastSeen = now
		return s.id, false
	}
	for {
		t.next++
		if _, taken := t.byID[t.next]; !taken {
			break
		}
	}
	s := &session{id: t.next, addr: addr, lastSeen: now}
	t.byAddr[key] = s
	t.byID[s.id] = s
	return s.id, true
}

// Lookup resolves a session id back to its visitor address and refreshes
// the idle clock. Unknown ids (already evicted) return ok=false.
func (t *SessionTable) Lookup(id uint32) (*net.UDPAddr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	s.lastSeen = time.Now()
	return s.addr, true
}

// Evict drops every session idle past the window and returns their ids.
func (t *SessionTable) Evict(now time.Time) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []uint32
	for key, s := range t.byAddr {
		if now.Sub(s.lastSeen) > t.idle {
			delete(t.byAddr, key)
			delete(t.byID, s.id)
			evicted = append(evicted, s.id)
		}
	}
	return evicted
}

// Len reports the live session count.
func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
