package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "readthat"

var (
	// ─── API ─────────────────────────────────────────────────────────────────────

	APISubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "submissions_total",
		Help:      "Documents submitted, labelled by processing mode and outcome.",
	}, []string{"mode", "outcome"})

	APIChunksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "chunks_created_total",
		Help:      "Chunks produced by the chunker at submission time.",
	})

	APITriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "triggers_total",
		Help:      "Manual trigger calls, labelled by outcome.",
	}, []string{"outcome"})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherWindowsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "windows_claimed_total",
		Help:      "Due windows claimed and enqueued.",
	})

	DispatcherClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "claim_conflicts_total",
		Help:      "Claims lost to a concurrent writer.",
	})

	DispatcherPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "publish_failures_total",
		Help:      "Claimed windows whose task could not be enqueued and were re-armed.",
	})

	DispatcherTickDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "tick_duration_seconds",
		Help:      "Time spent in one due scan.",
		Buckets:   prometheus.DefBuckets,
	})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerBatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "batches_processed_total",
		Help:      "Delivery tasks handled, labelled by kind and task status.",
	}, []string{"kind", "status"})

	WorkerStaleTasks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "stale_tasks_total",
		Help:      "Tasks discarded because the schedule version moved on.",
	})

	WorkerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Delivery tasks currently being executed.",
	})

	WorkerBatchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "batch_duration_seconds",
		Help:      "End-to-end batch execution time in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"kind"})

	WorkerInsightCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "insight_calls_total",
		Help:      "Insight generation attempts, labelled by provider and outcome.",
	}, []string{"provider", "outcome"})

	WorkerDeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "delivery_attempts_total",
		Help:      "Delivery attempts, labelled by channel and outcome.",
	}, []string{"channel", "outcome"})

	WorkerDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "dlq_total",
		Help:      "Malformed queue messages forwarded to the dead-letter topic.",
	})

	// ─── Janitor ─────────────────────────────────────────────────────────────────

	JanitorReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "janitor",
		Name:      "reclaimed_total",
		Help:      "Schedules reclaimed by the cleanup sweep, labelled by action.",
	}, []string{"action"})
)
