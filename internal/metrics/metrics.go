package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal tracks purchase attempts per website and result
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketbot_attempts_total",
			Help: "Total number of purchase attempts",
		},
		[]string{"website", "result"},
	)

	// AttemptLatency tracks how long a single automation attempt takes
	AttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticketbot_attempt_latency_seconds",
			Help:    "Purchase attempt latency in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"website"},
	)

	// FailuresRecorded tracks failed-order upserts
	FailuresRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketbot_failed_orders_recorded_total",
			Help: "Total number of failures recorded in the failed-order store",
		},
		[]string{"website", "retryable"},
	)

	// PersistErrors tracks failures to write the final state of an order
	PersistErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketbot_persist_errors_total",
			Help: "Total number of failed writes of order state",
		},
		[]string{"component"},
	)

	// FailedOrders tracks the failed-order backlog by status
	FailedOrders = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ticketbot_failed_orders",
			Help: "Number of failed orders by status",
		},
		[]string{"status"},
	)

	// SchedulerBatches tracks scheduler batches
	SchedulerBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketbot_scheduler_batches_total",
			Help: "Total number of scheduler batches run",
		},
	)

	// SchedulerUnits tracks scheduled retry units by result
	SchedulerUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketbot_scheduler_units_total",
			Help: "Total number of scheduled retry units",
		},
		[]string{"result"},
	)

	// SchedulerInFlight tracks units currently running
	SchedulerInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticketbot_scheduler_units_in_flight",
			Help: "Number of scheduled retry units in flight",
		},
	)

	// SchedulerSweepDuration tracks the duration of a full sweep
	SchedulerSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticketbot_scheduler_sweep_duration_seconds",
			Help:    "Duration of a scheduler sweep in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// ManualRetries tracks operator-triggered retries
	ManualRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketbot_manual_retries_total",
			Help: "Total number of manual retries",
		},
		[]string{"result"},
	)

	// ManualRetryOverrides tracks manual retries of non-retryable orders
	ManualRetryOverrides = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketbot_manual_retry_overrides_total",
			Help: "Manual retries that bypassed the retryable flag",
		},
	)

	// OrderTransitions tracks order state machine transitions
	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketbot_order_transitions_total",
			Help: "Total number of order status transitions",
		},
		[]string{"from", "to"},
	)

	// FailedOrdersPruned tracks resolved rows removed by the pruner
	FailedOrdersPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketbot_failed_orders_pruned_total",
			Help: "Total number of resolved failed orders pruned",
		},
	)

	// DBConnectionPoolUsage tracks DB connection pool utilization percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticketbot_db_pool_usage_percent",
			Help: "Database connection pool utilization percentage",
		},
	)
)
