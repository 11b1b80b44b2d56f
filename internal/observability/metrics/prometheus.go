// Package metrics provides Prometheus metrics for the dose scheduler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	DosesGenerated      prometheus.Counter
	DosesRecorded       *prometheus.CounterVec
	EscalationsEmitted  *prometheus.CounterVec
	GenerationSkipped   prometheus.Counter
	SchedulesServed     prometheus.Counter
	SweepDuration       prometheus.Histogram
	RecordConflicts     prometheus.Counter
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		DosesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_instances_generated_total",
			Help: "Total dose instances materialized by the generator",
		}),
		DosesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_administrations_recorded_total",
			Help: "Total administration actions recorded",
		}, []string{"action"}),
		EscalationsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_escalations_emitted_total",
			Help: "Total escalation intents emitted",
		}, []string{"level"}),
		GenerationSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_generation_skipped_total",
			Help: "Prescriptions skipped during generation due to invalid recurrence",
		}),
		SchedulesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schedule_reads_total",
			Help: "Total self-healing schedule reads served",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Duration of full generation and lifecycle sweeps",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		RecordConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_record_conflicts_total",
			Help: "Administration attempts rejected by the optimistic-concurrency check",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.DosesGenerated,
		m.DosesRecorded,
		m.EscalationsEmitted,
		m.GenerationSkipped,
		m.SchedulesServed,
		m.SweepDuration,
		m.RecordConflicts,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
