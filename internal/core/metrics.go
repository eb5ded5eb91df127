package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. Each engine instance
// owns its registry so parallel instances (tests) never collide.
type Metrics struct {
	Registry *prometheus.Registry

	Decisions     *prometheus.CounterVec
	Findings      *prometheus.CounterVec
	Escalations   *prometheus.CounterVec
	EvalDuration  prometheus.Histogram
	AuditFailures prometheus.Counter
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blackwall",
			Name:      "decisions_total",
			Help:      "Decisions returned, by action and reason.",
		}, []string{"action", "reason"}),
		Findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blackwall",
			Name:      "findings_total",
			Help:      "Threat findings detected, by category and severity.",
		}, []string{"category", "severity"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blackwall",
			Name:      "escalations_total",
			Help:      "Escalation attempts, by outcome.",
		}, []string{"outcome"}),
		EvalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blackwall",
			Name:      "evaluate_duration_seconds",
			Help:      "End-to-end Evaluate latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blackwall",
			Name:      "audit_sink_failures_total",
			Help:      "Audit sink writes that failed and were absorbed.",
		}),
	}

	m.Registry.MustRegister(m.Decisions, m.Findings, m.Escalations, m.EvalDuration, m.AuditFailures)
	return m
}

// ObserveDecision records a finalized decision and its findings.
func (m *Metrics) ObserveDecision(d *Decision) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(d.Action.String(), string(d.Reason)).Inc()
	for _, f := range d.Findings {
		m.Findings.WithLabelValues(string(f.Category), f.Severity.String()).Inc()
	}
}
