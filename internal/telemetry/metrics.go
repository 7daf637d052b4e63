// Package telemetry exposes Prometheus metrics for the execution guard and
// the decision ledger.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/decisioning/internal/decision"
	"github.com/roach88/decisioning/internal/idempotency"
)

var (
	_ idempotency.Observer = (*Metrics)(nil)
	_ decision.Observer    = (*Metrics)(nil)
)

// Metrics holds the collectors on a private registry so that several
// instances (one per test, say) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	GuardOutcomes *prometheus.CounterVec
	GuardDuration *prometheus.HistogramVec
	Decisions     *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		GuardOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decisioning_idempotency_outcomes_total",
			Help: "Guarded calls by scope and outcome",
		}, []string{"scope", "outcome"}),
		GuardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "decisioning_idempotency_operation_seconds",
			Help:    "Time spent running guarded operations, commit included",
			Buckets: prometheus.DefBuckets,
		}, []string{"scope"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decisioning_decisions_total",
			Help: "Ledger events by action and event",
		}, []string{"action", "event"}),
	}
	m.registry.MustRegister(m.GuardOutcomes, m.GuardDuration, m.Decisions)
	return m
}

// ObserveOutcome implements idempotency.Observer.
func (m *Metrics) ObserveOutcome(scope string, outcome idempotency.Outcome) {
	m.GuardOutcomes.WithLabelValues(scope, string(outcome)).Inc()
}

// ObserveDuration implements idempotency.Observer.
func (m *Metrics) ObserveDuration(scope string, d time.Duration) {
	m.GuardDuration.WithLabelValues(scope).Observe(d.Seconds())
}

// ObserveDecision implements decision.Observer.
func (m *Metrics) ObserveDecision(action, event string) {
	m.Decisions.WithLabelValues(action, event).Inc()
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteFile writes the collectors to path in the text exposition format,
// replacing the file atomically. node_exporter's textfile collector reads it.
func (m *Metrics) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
