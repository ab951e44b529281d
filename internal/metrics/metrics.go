package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stage counters and histograms. Streaming stages are partitioned by
// message type, backfill by outcome.

var (
	// Subscriber
	SubscriberEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "subscriber",
		Name:      "events_received_total",
		Help:      "Total Hub events received",
	}, []string{"event_type"})

	SubscriberReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "subscriber",
		Name:      "reconnects_total",
		Help:      "Total Hub stream reconnect attempts",
	})

	SubscriberConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "subscriber",
		Name:      "consecutive_failures",
		Help:      "Current run of consecutive Hub stream failures",
	})

	SubscriberCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "subscriber",
		Name:      "cursor",
		Help:      "Last durably checkpointed Hub event id",
	})

	// Router
	RouterDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "router",
		Name:      "decisions_total",
		Help:      "Router decisions by outcome and reason",
	}, []string{"decision", "reason"})

	// Publisher
	PublisherPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "publisher",
		Name:      "published_total",
		Help:      "Total messages appended to queue partitions",
	}, []string{"message_type"})

	PublisherBackpressureWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "publisher",
		Name:      "backpressure_waits_total",
		Help:      "Publish attempts rejected because the partition backlog was full",
	}, []string{"message_type"})

	PublisherLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "publisher",
		Name:      "publish_duration_seconds",
		Help:      "Time to append one message, including backpressure waits",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"message_type"})

	// Applier
	ApplierEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "applier",
		Name:      "entries_total",
		Help:      "Queue entries processed by result (applied, stale, malformed, error)",
	}, []string{"partition", "result"})

	ApplierReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "applier",
		Name:      "reclaimed_total",
		Help:      "Entries reclaimed from idle consumers",
	}, []string{"partition"})

	ApplierLateAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "applier",
		Name:      "late_acks_total",
		Help:      "Acks rejected after a successful write because the entry moved",
	}, []string{"partition", "reason"})

	ApplierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "applier",
		Name:      "apply_duration_seconds",
		Help:      "Time to decode, persist and acknowledge one entry",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"partition"})

	ApplierTrimmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "applier",
		Name:      "trimmed_total",
		Help:      "Entries removed from partitions after acknowledgement by all groups",
	}, []string{"partition"})

	ApplierPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "applier",
		Name:      "pending_entries",
		Help:      "Unacknowledged entries in the consumer group",
	}, []string{"partition"})

	// Backfill
	BackfillJobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "backfill",
		Name:      "jobs_enqueued_total",
		Help:      "Total backfill jobs enqueued",
	})

	BackfillJobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "backfill",
		Name:      "jobs_finished_total",
		Help:      "Backfill job attempts by outcome (done, requeued, failed, lease_lost)",
	}, []string{"result"})

	BackfillMessagesReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "backfill",
		Name:      "messages_reconciled_total",
		Help:      "Messages fetched from the Hub and written by backfill",
	}, []string{"message_type"})

	BackfillQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "backfill",
		Name:      "queue_depth",
		Help:      "Backfill jobs by status",
	}, []string{"status"})

	// Hub client
	HubCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "hub",
		Name:      "calls_total",
		Help:      "Hub RPC calls by method and status",
	}, []string{"method", "status"})

	HubCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "hub",
		Name:      "call_duration_seconds",
		Help:      "Hub RPC latency",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method"})

	HubRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "hub",
		Name:      "rate_limit_waits_total",
		Help:      "Hub calls delayed by the client-side rate limiter",
	})

	// Data context
	DataContextFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "datacontext",
		Name:      "fetches_total",
		Help:      "Data context lookups by serving source and result",
	}, []string{"source", "result"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"name"})

	// API
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP API requests by route and status code",
	}, []string{"route", "code"})

	// Database pool, sampled from sql.DBStats
	DBPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "connections",
		Help:      "Database pool connections by state",
	}, []string{"state"})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "wait_count",
		Help:      "Total connections waited for",
	})

	DBPoolWaitDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "wait_duration_seconds",
		Help:      "Total time blocked waiting for a connection",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts delivered by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by the per-key cooldown",
	}, []string{"channel", "type"})
)
