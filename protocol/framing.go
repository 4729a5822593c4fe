package protocol

import (
	"errors"
	"io"

	"github.com/nearbyplayer/rathole/internal/bin"
)

// MaxFrameBytes bounds a single control frame (length prefix excluded).
// An oversize frame is a fatal protocol error for the connection.
const MaxFrameBytes = 16 * 1024

var ErrFrameTooLarge = errors.New("control frame too large")

// WriteFrame writes a length-prefixed control message to the stream.
func WriteFrame(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	if len(b) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	bin.PutU32BE(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads one length-prefixed control message from the stream.
func ReadFrame(r io.Reader) (Message, error) {
	b, err := readFrameBody(r)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

func readFrameBody(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(bin.U32BE(hdr[:]))
	if n > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
