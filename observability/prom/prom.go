// Package prom exports the observability metrics through Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nearbyplayer/rathole/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observer exports core events as Prometheus metrics.
type Observer struct {
	controlGauge    prometheus.Gauge
	dataGauge       prometheus.Gauge
	udpSessionGauge prometheus.Gauge
	visitorTotal    *prometheus.CounterVec
	pairLatency     prometheus.Histogram
	authTotal       *prometheus.CounterVec
	hbTimeoutTotal  prometheus.Counter
	reconnectTotal  prometheus.Counter
}

// NewObserver registers the metric set on the registry.
func NewObserver(reg *prometheus.Registry) *Observer {
	o := &Observer{
		controlGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rathole_control_channels",
			Help: "Current authenticated control channel count.",
		}),
		dataGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rathole_data_channels",
			Help: "Current live data channel count.",
		}),
		udpSessionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rathole_udp_sessions",
			Help: "Current live UDP session count.",
		}),
		visitorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rathole_visitors_total",
			Help: "Accepted visitor sockets by outcome.",
		}, []string{"outcome"}),
		pairLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rathole_pair_latency_seconds",
			Help:    "Latency from visitor arrival to data channel pairing.",
			Buckets: prometheus.DefBuckets,
		}),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rathole_auth_total",
			Help: "Control handshake attempts by result.",
		}, []string{"result"}),
		hbTimeoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rathole_heartbeat_timeouts_total",
			Help: "Connections dropped after heartbeat silence.",
		}),
		reconnectTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rathole_reconnects_total",
			Help: "Client control channel reconnect attempts.",
		}),
	}
	reg.MustRegister(
		o.controlGauge,
		o.dataGauge,
		o.udpSessionGauge,
		o.visitorTotal,
		o.pairLatency,
		o.authTotal,
		o.hbTimeoutTotal,
		o.reconnectTotal,
	)
	return o
}

func (o *Observer) ControlChannelCount(n int) {
	o.controlGauge.Set(float64(n))
}

func (o *Observer) DataChannelCount(n int64) {
	o.dataGauge.Set(float64(n))
}

func (o *Observer) UDPSessionCount(n int) {
	o.udpSessionGauge.Set(float64(n))
}

func (o *Observer) Visitor(outcome observability.VisitorOutcome) {
	o.visitorTotal.WithLabelValues(string(outcome)).Inc()
}

func (o *Observer) PairLatency(d time.Duration) {
	o.pairLatency.Observe(d.Seconds())
}

func (o *Observer) Auth(result observability.AuthResult) {
	o.authTotal.WithLabelValues(string(result)).Inc()
}

func (o *Observer) HeartbeatTimeout() {
	o.hbTimeoutTotal.Inc()
}

func (o *Observer) Reconnect() {
	o.reconnectTotal.Inc()
}
