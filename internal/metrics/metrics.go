// Package metrics exposes prometheus instrumentation for the credit
// ledger daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditledger_operations_total",
			Help: "Total number of wallet operations",
		},
		[]string{"operation", "status"},
	)

	DuplicateOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditledger_duplicate_operations_total",
			Help: "Operations short-circuited by an existing ledger row",
		},
		[]string{"operation"},
	)

	CreditsMovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditledger_credits_moved_total",
			Help: "Total credits moved per operation",
		},
		[]string{"operation"},
	)

	LockOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditledger_lock_outcomes_total",
			Help: "Distributed lock outcomes",
		},
		[]string{"event"},
	)

	SweepUsersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditledger_sweep_users_total",
			Help: "Users processed by the expiration sweep",
		},
		[]string{"status"},
	)

	SweepCreditsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "creditledger_sweep_credits_expired_total",
			Help: "Total credits expired by the sweep",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "creditledger_sweep_duration_seconds",
			Help:    "Duration of a full expiration sweep",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
)

// Handler serves the /metrics endpoint.
var Handler = promhttp.Handler

func RecordOperation(operation, status string) {
	OperationsTotal.WithLabelValues(operation, status).Inc()
}

func RecordDuplicate(operation string) {
	DuplicateOperationsTotal.WithLabelValues(operation).Inc()
}

func RecordCreditsMoved(operation string, amount int64) {
	if amount < 0 {
		amount = -amount
	}
	CreditsMovedTotal.WithLabelValues(operation).Add(float64(amount))
}

func RecordLockOutcome(event string) {
	LockOutcomesTotal.WithLabelValues(event).Inc()
}

func RecordSweepUser(status string) {
	SweepUsersTotal.WithLabelValues(status).Inc()
}

func RecordSweepExpired(amount int64) {
	SweepCreditsExpiredTotal.Add(float64(amount))
}
