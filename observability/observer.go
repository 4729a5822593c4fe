// Package observability defines the metrics observer implemented by the
// Prometheus exporter in observability/prom. Cores call the interface; a
// process that does not serve metrics uses the noop implementation.
package observability

import "time"

// VisitorOutcome classifies what happened to an accepted visitor socket.
type VisitorOutcome string

const (
	VisitorPaired       VisitorOutcome = "paired"
	VisitorExpired      VisitorOutcome = "expired"
	VisitorOverflow     VisitorOutcome = "overflow"
	VisitorServiceDown  VisitorOutcome = "service_down"
	VisitorQueueDrained VisitorOutcome = "queue_drained"
)

// AuthResult classifies a control-channel handshake attempt.
type AuthResult string

const (
	AuthOK          AuthResult = "ok"
	AuthBadVersion  AuthResult = "bad_version"
	AuthBadDigest   AuthResult = "bad_digest"
	AuthBadResponse AuthResult = "bad_response"
	AuthRateLimited AuthResult = "rate_limited"
	AuthProtocol    AuthResult = "protocol"
)

// Observer receives operational events from the server and client cores.
type Observer interface {
	ControlChannelCount(n int)
	DataChannelCount(n int64)
	UDPSessionCount(n int)
	Visitor(outcome VisitorOutcome)
	PairLatency(d time.Duration)
	Auth(result AuthResult)
	HeartbeatTimeout()
	Reconnect()
}

// NoopObserver drops every event.
var NoopObserver Observer = noopObserver{}

type noopObserver struct{}

func (noopObserver) ControlChannelCount(int)   {}
func (noopObserver) DataChannelCount(int64)    {}
func (noopObserver) UDPSessionCount(int)       {}
func (noopObserver) Visitor(VisitorOutcome)    {}
func (noopObserver) PairLatency(time.Duration) {}
func (noopObserver) Auth(AuthResult)           {}
func (noopObserver) HeartbeatTimeout()         {}
func (noopObserver) Reconnect()                {}
