package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Business counters for the payment engine. HTTP-level metrics come from the
// gin middleware; these track settlement outcomes regardless of transport.
var (
	PaymentOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "pointpay",
			Name:      "payment_ops_total",
			Help:      "Payment operations by type and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	RecoveryFlagged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "pointpay",
			Name:      "recovery_flagged_total",
			Help:      "Audit logs flagged for manual recovery.",
		},
	)

	RenewalOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "pointpay",
			Name:      "subscription_renewals_total",
			Help:      "Subscription renewal attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(PaymentOps, RecoveryFlagged, RenewalOutcomes)
}
