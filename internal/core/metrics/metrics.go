// Package metrics owns the Prometheus collectors for the governance engine.
//
// Metrics:
//   - governance_evaluations_total{decision}: evaluate() calls by final decision
//   - governance_rule_verdicts_total{outcome}: per-rule verdicts
//   - governance_evaluation_duration_seconds: evaluate() latency
//   - governance_audit_failures_total: evaluation records that were not persisted
//   - governance_cache_events_total{result}: rule set cache hit/miss/invalidate
//
// All methods are safe on a nil *Metrics so components run without a
// registry in tests and embedded use.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zephix/governance/internal/types"
)

const namespace = "governance"

// Cache event results.
const (
	CacheHit        = "hit"
	CacheMiss       = "miss"
	CacheInvalidate = "invalidate"
	CacheRemote     = "remote_invalidate"
)

// Metrics groups the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	evaluations   *prometheus.CounterVec
	verdicts      *prometheus.CounterVec
	duration      prometheus.Histogram
	auditFailures prometheus.Counter
	cacheEvents   *prometheus.CounterVec
}

// New creates and registers the collectors. A nil registry gets a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total number of governance evaluations by decision",
			},
			[]string{"decision"},
		),
		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_verdicts_total",
				Help:      "Total number of rule verdicts by outcome",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of governance evaluations in seconds",
				// Evaluations are a handful of indexed reads plus tree walks
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~800ms
			},
		),
		auditFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_failures_total",
				Help:      "Total number of evaluation records that failed to persist",
			},
		),
		cacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_events_total",
				Help:      "Rule set cache events by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(m.evaluations, m.verdicts, m.duration, m.auditFailures, m.cacheEvents)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ObserveEvaluation records one completed evaluate() call.
func (m *Metrics) ObserveEvaluation(decision types.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(string(decision)).Inc()
	m.duration.Observe(d.Seconds())
}

// ObserveVerdict records one rule verdict.
func (m *Metrics) ObserveVerdict(outcome types.VerdictOutcome) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(string(outcome)).Inc()
}

// AuditFailure counts one lost evaluation record.
func (m *Metrics) AuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

// CacheEvent counts one cache event; see the Cache* constants.
func (m *Metrics) CacheEvent(result string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(result).Inc()
}
