package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived tracks verified webhook deliveries per event type
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payguard_events_received_total",
			Help: "Total number of verified events received",
		},
		[]string{"type"},
	)

	// EventsRejected tracks deliveries rejected at the ingest gate
	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payguard_events_rejected_total",
			Help: "Total number of deliveries rejected at the ingest gate",
		},
		[]string{"reason"},
	)

	// EventsProcessed tracks final outcomes per event type
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payguard_events_processed_total",
			Help: "Total number of events by final outcome",
		},
		[]string{"type", "outcome"},
	)

	// EventAttempts tracks handler attempts including retries
	EventAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payguard_event_attempts_total",
			Help: "Total number of handler attempts",
		},
		[]string{"type"},
	)

	// EventLatency tracks end-to-end processing time per event
	EventLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payguard_event_processing_seconds",
			Help:    "Event processing latency in seconds, including backoff",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// IdempotencyLookups tracks where processed-checks were answered
	IdempotencyLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payguard_idempotency_lookups_total",
			Help: "Idempotency lookups by source (cache, durable, miss)",
		},
		[]string{"source"},
	)

	// IdempotencyCacheSize tracks the in-memory cache size
	IdempotencyCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payguard_idempotency_cache_entries",
			Help: "Entries held in the idempotency cache",
		},
	)

	// Recoveries tracks recovery strategy outcomes
	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payguard_recoveries_total",
			Help: "Recovery strategy executions",
		},
		[]string{"kind", "action", "recovered"},
	)

	// Escalations tracks manual review items created
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payguard_manual_review_escalations_total",
			Help: "Manual review items created",
		},
		[]string{"kind", "priority"},
	)

	// GuardDecisions tracks protection guard decisions
	GuardDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payguard_guard_decisions_total",
			Help: "Protection guard decisions by outcome",
		},
		[]string{"guard", "outcome"},
	)

	// GuardCircuitOpen is 1 while the circuit is open
	GuardCircuitOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "payguard_guard_circuit_open",
			Help: "Whether the guard circuit is open (1) or closed (0)",
		},
		[]string{"guard"},
	)

	// EmailRetryQueueLength tracks queued notifications
	EmailRetryQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payguard_email_retry_queue_length",
			Help: "Notifications waiting to be re-sent",
		},
	)

	// EmailRetries tracks re-send outcomes
	EmailRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payguard_email_retries_total",
			Help: "Notification re-send attempts by outcome",
		},
		[]string{"outcome"},
	)

	// DBConnectionPoolUsage tracks the percentage of open connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payguard_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the pool maximum",
		},
	)

	// ReviewsPending tracks manual review items awaiting an operator
	ReviewsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payguard_manual_review_pending",
			Help: "Manual review items awaiting an operator",
		},
	)

	// RowsPruned tracks rows removed by the retention pruner
	RowsPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payguard_pruned_rows_total",
			Help: "Rows deleted by the retention pruner",
		},
		[]string{"table"},
	)
)
