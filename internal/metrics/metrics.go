// Package metrics instruments a single bridge instance with Prometheus
// collectors. Each Bridge owns its own *prometheus.Registry rather than
// registering against the global default registerer, so multiple bridges
// (as in tests) never collide on metric names.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector crdtbridge exposes for one bridge
// instance.
type Metrics struct {
	Registry *prometheus.Registry

	MaterializationsTotal prometheus.Counter
	FlushesTotal          prometheus.Counter
	TransactionsTotal     prometheus.Counter
	RollbacksTotal        prometheus.Counter
	FlushFailuresTotal    prometheus.Counter
	ReconciliationsTotal  prometheus.Counter

	IntentsTotal        *prometheus.CounterVec
	TransactionDuration prometheus.Histogram
}

// New creates a fresh, independently registered Metrics instance.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		MaterializationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crdtbridge_materializations_total",
			Help: "Number of reactive proxy nodes lazily materialized.",
		}),
		FlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crdtbridge_scheduler_flushes_total",
			Help: "Number of scheduler flushes executed.",
		}),
		TransactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crdtbridge_transactions_total",
			Help: "Number of CRDT transactions committed by this bridge.",
		}),
		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crdtbridge_rollbacks_total",
			Help: "Number of outbound batches rolled back after a validation failure.",
		}),
		FlushFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crdtbridge_flush_failures_total",
			Help: "Number of scheduler flush transactions that failed internally and were not committed.",
		}),
		ReconciliationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crdtbridge_reconciliations_total",
			Help: "Number of inbound CRDT events reconciled onto the reactive graph.",
		}),
		IntentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crdtbridge_intents_total",
			Help: "Number of write-pipeline intents applied, by kind.",
		}, []string{"kind"}),
		TransactionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crdtbridge_transaction_duration_seconds",
			Help:    "Wall-clock duration of a single scheduler flush transaction.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.MaterializationsTotal,
		m.FlushesTotal,
		m.TransactionsTotal,
		m.RollbacksTotal,
		m.FlushFailuresTotal,
		m.ReconciliationsTotal,
		m.IntentsTotal,
		m.TransactionDuration,
	)

	return m
}

// ObserveTransaction records one flush's wall-clock duration.
func (m *Metrics) ObserveTransaction(d time.Duration) {
	m.TransactionDuration.Observe(d.Seconds())
}
