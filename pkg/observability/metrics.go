// Package observability carries the Prometheus metrics and OpenTelemetry
// tracing helpers shared by the pipeline and runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the runtime registers.
type Metrics struct {
	PhaseDuration         *prometheus.HistogramVec
	TurnsTotal            *prometheus.CounterVec
	EnforcementViolations *prometheus.CounterVec
	MigrationActions      *prometheus.CounterVec
	IngestionTasks        *prometheus.CounterVec
	ToolCalls             *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "parley",
			Name:      "phase_duration_seconds",
			Help:      "Duration of each pipeline phase.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"phase", "outcome"}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "turns_total",
			Help:      "Processed turns by outcome.",
		}, []string{"outcome"}),
		EnforcementViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "enforcement_violations_total",
			Help:      "Hard-constraint violations by lane.",
		}, []string{"lane"}),
		MigrationActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "migration_actions_total",
			Help:      "Reconciliation outcomes by action.",
		}, []string{"action"}),
		IngestionTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "ingestion_tasks_total",
			Help:      "Background ingestion tasks by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by outcome.",
		}, []string{"tool_id", "outcome"}),
	}
	reg.MustRegister(
		m.PhaseDuration,
		m.TurnsTotal,
		m.EnforcementViolations,
		m.MigrationActions,
		m.IngestionTasks,
		m.ToolCalls,
	)
	return m
}

// NewTestMetrics creates unregistered-by-default metrics on a private
// registry, for tests.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
