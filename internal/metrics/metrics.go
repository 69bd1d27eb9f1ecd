// Package metrics provides Prometheus metrics for socks5d.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "socks5d"

// Metrics contains all Prometheus collectors exposed by the proxy.
type Metrics struct {
	// Connection lifecycle.
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	// Admission control (see internal/socks5/admission.go).
	AdmissionDenials *prometheus.CounterVec

	// Authentication (see internal/socks5/auth.go).
	AuthFailures *prometheus.CounterVec

	// Protocol engine (see internal/socks5/handler.go).
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec

	// Relay (see internal/socks5/relay.go).
	BytesRelayed *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered against
// reg, so tests can use their own registry instead of the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently active SOCKS5 connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total SOCKS5 connections accepted.",
		}),
		AdmissionDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_denials_total",
			Help:      "Total connections rejected by admission control, by reason.",
		}, []string{"reason"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total authentication failures, by sub-reason.",
		}, []string{"reason"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Time from accept to the CONNECT reply being written.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures, by reply code name.",
		}, []string{"reply"}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed between client and target, by direction.",
		}, []string{"direction"}),
	}
}

// RecordConnect records a newly accepted connection.
func (m *Metrics) RecordConnect() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// RecordDisconnect records a connection finishing, for any reason.
func (m *Metrics) RecordDisconnect() {
	m.ConnectionsActive.Dec()
}

// RecordAdmissionDenial records a connection rejected before the handshake
// began, labeled with the reason it was denied.
func (m *Metrics) RecordAdmissionDenial(reason string) {
	m.AdmissionDenials.WithLabelValues(reason).Inc()
}

// RecordAuthFailure records a sub-negotiation failure, labeled with the
// sub-reason (e.g. "bad_credentials", "no_acceptable_method").
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// RecordHandshake records handshake completion latency and outcome. reply
// is the RFC 1928 reply name ("succeeded", "host_unreachable", ...).
func (m *Metrics) RecordHandshake(latencySeconds float64, reply string) {
	m.HandshakeLatency.Observe(latencySeconds)
	if reply != "succeeded" {
		m.HandshakeErrors.WithLabelValues(reply).Inc()
	}
}

// RecordBytesRelayed records bytes moved in one relay direction
// ("upstream" or "downstream").
func (m *Metrics) RecordBytesRelayed(direction string, n int64) {
	if n <= 0 {
		return
	}
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}
