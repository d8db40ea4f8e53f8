// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "echodb"

// Mutation outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeInvalid  = "invalid"
	OutcomeConflict = "conflict"
	OutcomeTooLarge = "too_large"
	OutcomeError    = "error"
)

// Metrics is a set of collectors bound to a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Mutations      *prometheus.CounterVec
	RateLimited    prometheus.Counter
	StreamSessions prometheus.Gauge
	StreamEvents   prometheus.Counter
	StreamsClosed  *prometheus.CounterVec
	RelayPublished *prometheus.CounterVec
	RelayFailures  prometheus.Counter
}

// New registers every collector, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Mutation requests by table, type and outcome.",
		}, []string{"table", "type", "outcome"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Mutation requests rejected by the rate limiter.",
		}),
		StreamSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "sessions_active",
			Help:      "Open SSE stream sessions.",
		}),
		StreamEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_sent_total",
			Help:      "Events written to SSE clients.",
		}),
		StreamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "sessions_closed_total",
			Help:      "Closed SSE stream sessions by reason.",
		}, []string{"reason"}),
		RelayPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Events published to NATS by table and type.",
		}, []string{"table", "type"}),
		RelayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "failures_total",
			Help:      "Relay batches that failed to publish.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Mutations,
		m.RateLimited,
		m.StreamSessions,
		m.StreamEvents,
		m.StreamsClosed,
		m.RelayPublished,
		m.RelayFailures,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
