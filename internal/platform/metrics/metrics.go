// Package metrics exposes Prometheus counters for replication, idempotency
// and backfill. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Non-authoritative sink writes that failed while the canonical one succeeded
	PartialReplication *prometheus.CounterVec

	// Idempotent replays by operation
	Replays *prometheus.CounterVec

	// Status transitions by target status
	Transitions *prometheus.CounterVec

	// Backfill writes by kind: created, merged, repaired
	BackfillWrites *prometheus.CounterVec

	BackfillDuration prometheus.Histogram
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PartialReplication: f.NewCounterVec(prometheus.CounterOpts{
			Name: "questionnaire_partial_replication_total",
			Help: "Replica writes that failed on a non-authoritative sink",
		}, []string{"sink"}),

		Replays: f.NewCounterVec(prometheus.CounterOpts{
			Name: "questionnaire_idempotent_replays_total",
			Help: "Requests answered from the idempotency ledger",
		}, []string{"operation"}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "questionnaire_status_transitions_total",
			Help: "Questionnaire status transitions by target status",
		}, []string{"status"}),

		BackfillWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "questionnaire_backfill_writes_total",
			Help: "Documents written by the reconciliation job",
		}, []string{"kind"}),

		BackfillDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "questionnaire_backfill_duration_seconds",
			Help:    "Duration of a full reconciliation run",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
	}
}

func (m *Metrics) IncPartialReplication(sink string) {
	if m != nil {
		m.PartialReplication.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) IncReplay(operation string) {
	if m != nil {
		m.Replays.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) IncTransition(status string) {
	if m != nil {
		m.Transitions.WithLabelValues(status).Inc()
	}
}

// AddBackfillWrites is a no-op for n <= 0.
func (m *Metrics) AddBackfillWrites(kind string, n int) {
	if m != nil && n > 0 {
		m.BackfillWrites.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) ObserveBackfill(d time.Duration) {
	if m != nil {
		m.BackfillDuration.Observe(d.Seconds())
	}
}
