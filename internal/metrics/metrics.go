package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OutboxTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teatrace_outbox_total",
			Help: "Outbox request lifecycle counter by stage and method",
		},
		// submitted|published|publish_failed|republished|completed|failed|compensated|compensation_failed|duplicate|in_flight|orphaned|poison
		[]string{"stage", "method"},
	)

	LedgerCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "teatrace_ledger_call_seconds",
			Help:    "Ledger write latency until mined, by method and outcome",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"method", "outcome"}, // ok|reverted|timeout|unavailable|error
	)

	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teatrace_reconcile_total",
			Help: "Reconciled ledger events by event name and outcome",
		},
		[]string{"event", "outcome"}, // stamped|miss|divergent|replayed|error
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		OutboxTotal,
		LedgerCallSeconds,
		ReconcileTotal,
	)
}
