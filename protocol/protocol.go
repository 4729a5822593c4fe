// Package protocol defines the framed control protocol spoken between the
// rathole client and server: a closed set of CBOR-encoded messages behind a
// 4-byte big-endian length prefix.
package protocol

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Version is the current protocol version carried in Hello.
const Version uint8 = 1

const (
	// DigestLen is the length of a service digest.
	DigestLen = sha256.Size
	// NonceLen is the length of the server challenge nonce.
	NonceLen = 32
	// SessionNonceLen is the length of the opaque data-channel session nonce.
	SessionNonceLen = 16
)

// Digest identifies a service on the wire. It is SHA-256 of the service
// token; the token itself never crosses the wire.
type Digest [DigestLen]byte

// ServiceDigest derives the wire identifier for a service token.
func ServiceDigest(token string) Digest {
	return sha256.Sum256([]byte(token))
}

// AuthResponse binds a service digest to a server challenge nonce:
// SHA-256(digest || nonce).
func AuthResponse(d Digest, nonce []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write(d[:])
	h.Write(nonce)
	var out [sha256.Size]byte
	h.Sum(out[:0])
	return out
}

// VerifyAuth checks a client Auth response against the expected digest and
// the nonce issued for this connection. Constant time on the comparison.
func VerifyAuth(d Digest, nonce []byte, response []byte) bool {
	want := AuthResponse(d, nonce)
	return subtle.ConstantTimeCompare(want[:], response) == 1
}

// Kind tags each control message variant.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindHelloReply
	KindAuth
	KindAuthOK
	KindAuthFail
	KindCreateDataChannel
	KindDataChannelHello
	KindHeartbeat
	KindGoodbye
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindHelloReply:
		return "hello_reply"
	case KindAuth:
		return "auth"
	case KindAuthOK:
		return "auth_ok"
	case KindAuthFail:
		return "auth_fail"
	case KindCreateDataChannel:
		return "create_data_channel"
	case KindDataChannelHello:
		return "data_channel_hello"
	case KindHeartbeat:
		return "heartbeat"
	case KindGoodbye:
		return "goodbye"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is the closed union of control messages. Receive sites must
// switch exhaustively over the concrete types; an unlisted tag is a
// protocol error, never a skippable extension.
type Message interface {
	Kind() Kind
}

// Hello opens a control channel. Sent by the client first.
type Hello struct {
	Version uint8  `cbor:"v"`
	Digest  []byte `cbor:"d"`
}

// HelloReply carries the server challenge nonce.
type HelloReply struct {
	Nonce []byte `cbor:"n"`
}

// Auth answers the challenge with SHA-256(digest || nonce).
type Auth struct {
	Response []byte `cbor:"r"`
}

// AuthOK acknowledges a successful handshake.
type AuthOK struct{}

// AuthFail rejects the handshake and closes the connection.
type AuthFail struct {
	Reason string `cbor:"r"`
}

// CreateDataChannel asks the client to open one outbound data connection.
type CreateDataChannel struct{}

// DataChannelHello routes a fresh transport connection to the control
// channel owning Digest. SessionNonce is opaque and only logged.
type DataChannelHello struct {
	Digest       []byte `cbor:"d"`
	SessionNonce []byte `cbor:"s"`
}

// Heartbeat is sent periodically by both sides.
type Heartbeat struct{}

// Goodbye announces an orderly client shutdown.
type Goodbye struct{}

func (Hello) Kind() Kind             { return KindHello }
func (HelloReply) Kind() Kind        { return KindHelloReply }
func (Auth) Kind() Kind              { return KindAuth }
func (AuthOK) Kind() Kind            { return KindAuthOK }
func (AuthFail) Kind() Kind          { return KindAuthFail }
func (CreateDataChannel) Kind() Kind { return KindCreateDataChannel }
func (DataChannelHello) Kind() Kind  { return KindDataChannelHello }
func (Heartbeat) Kind() Kind         { return KindHeartbeat }
func (Goodbye) Kind() Kind           { return KindGoodbye }

var (
	ErrUnknownKind  = errors.New("unknown message kind")
	ErrBadDigestLen = errors.New("bad digest length")
)

// envelope is the wire shape of every message: a kind tag and the CBOR
// encoding of the variant payload.
type envelope struct {
	K Kind            `cbor:"k"`
	B cbor.RawMessage `cbor:"b,omitempty"`
}

// Encode serializes a message to its CBOR envelope bytes.
func Encode(m Message) ([]byte, error) {
	body, err := cbor.Marshal(m)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(envelope{K: m.Kind(), B: body})
}

// Decode parses envelope bytes back into a concrete message.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	var (
		m   Message
		err error
	)
	switch env.K {
	case KindHello:
		var v Hello
		err = cbor.Unmarshal(env.B, &v)
		m = v
	case KindHelloReply:
		var v HelloReply
		err = cbor.Unmarshal(env.B, &v)
		m = v
	case KindAuth:
		var v Auth
		err = cbor.Unmarshal(env.B, &v)
		m = v
	case KindAuthOK:
		m = AuthOK{}
	case KindAuthFail:
		var v AuthFail
		err = cbor.Unmarshal(env.B, &v)
		m = v
	case KindCreateDataChannel:
		m = CreateDataChannel{}
	case KindDataChannelHello:
		var v DataChannelHello
		err = cbor.Unmarshal(env.B, &v)
		m = v
	case KindHeartbeat:
		m = Heartbeat{}
	case KindGoodbye:
		m = Goodbye{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(env.K))
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// DigestFromBytes converts a wire digest field, enforcing the length.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestLen {
		return d, ErrBadDigestLen
	}
	copy(d[:], b)
	return d, nil
}
