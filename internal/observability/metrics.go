package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Business metrics. HTTP traffic metrics live with the gin middleware.
var (
	// CreditsMoved sums credit amounts by ledger operation (debit, refund,
	// signup_grant, order_approval, admin_credit, admin_set).
	CreditsMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_moved_total",
			Help: "Credits moved through the ledger, by operation.",
		},
		[]string{"op"},
	)

	// TasksSubmitted counts accepted submissions by job kind and billing mode.
	TasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_submitted_total",
			Help: "Generation tasks submitted, by kind and billing mode.",
		},
		[]string{"kind", "billing"},
	)

	// TaskTransitions counts status changes written by the orchestrator.
	TaskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_transitions_total",
			Help: "Task status transitions, by kind and target status.",
		},
		[]string{"kind", "status"},
	)

	// VendorLatency observes vendor API calls by operation and outcome
	// ("ok", "http_error", "transport_error").
	VendorLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vendor_request_duration_seconds",
			Help:    "Duration of vendor API calls in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 45},
		},
		[]string{"op", "outcome"},
	)

	// OrdersProcessed counts order decisions.
	OrdersProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_orders_processed_total",
			Help: "Credit orders processed, by resulting status.",
		},
		[]string{"status"},
	)

	// QuotaDenials counts requests refused by the sliding-window counter.
	QuotaDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_denials_total",
			Help: "Requests denied by the per-user sliding window, by route.",
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(CreditsMoved, TasksSubmitted, TaskTransitions, VendorLatency, OrdersProcessed, QuotaDenials)
}
