// Package telemetry defines this module's Prometheus metrics and
// OpenTelemetry tracer, using the same promauto var-block style as the
// rest of this stack's observability code, repointed from a
// tenant/node vocabulary to this module's Run/agent vocabulary. The
// Scheduler Core and Queue Manager do not update these metrics or open
// spans; cmd/agentqueued installs the tracer provider and serves the
// registry on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of Runs waiting in the Priority Queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentqueue_queue_depth",
		Help: "Current number of runs waiting in the priority queue",
	})

	// ActiveRuns tracks the Concurrency Gate's global in-use count.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentqueue_active_runs",
		Help: "Current number of runs holding a concurrency gate slot",
	})

	// WorkerSaturation tracks active_runs / max_concurrent_global.
	WorkerSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentqueue_worker_saturation",
		Help: "Ratio of active runs to max_concurrent_global (0.0-1.0)",
	})

	// SchedulingDecisions counts each dispatch-loop outcome by kind.
	SchedulingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentqueue_scheduling_decisions_total",
		Help: "Total scheduling decisions made by the dispatch loop",
	}, []string{"decision"}) // dispatch, requeue, drop_cancelled

	// RunTransitions counts Run state transitions by target state.
	RunTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentqueue_run_transitions_total",
		Help: "Total run state transitions, labeled by the resulting state",
	}, []string{"state", "agent_name"})

	// RunDuration observes wall-clock time from dispatch to terminal state.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentqueue_run_duration_seconds",
		Help:    "Run execution duration from dispatch to terminal state",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	}, []string{"agent_name", "outcome"})

	// AdmissionWait observes wall-clock time from submit to dispatch.
	AdmissionWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentqueue_admission_wait_seconds",
		Help:    "Time a run spends queued before being dispatched",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// RunRejections counts Submit rejections by reason.
	RunRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentqueue_run_rejections_total",
		Help: "Runs rejected at submission time",
	}, []string{"reason"}) // queue_full, duplicate_run_id, store_unavailable

	// RetryAttempts counts retry() calls that produced a new child run.
	RetryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentqueue_retry_attempts_total",
		Help: "Total retry() calls that submitted a new child run",
	})

	// DedupDuplicatesPrevented mirrors the Session Dedup Cache's counter.
	DedupDuplicatesPrevented = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentqueue_dedup_duplicates_prevented_total",
		Help: "Total submissions short-circuited by the session dedup cache",
	})

	// DedupTokensSaved mirrors the Session Dedup Cache's tokens_saved counter.
	DedupTokensSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentqueue_dedup_tokens_saved_total",
		Help: "Total tokens accounted as saved by the session dedup cache",
	})

	// StreamChunksDropped counts chunks dropped for a slow subscriber.
	StreamChunksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentqueue_stream_chunks_dropped_total",
		Help: "Chunks dropped because a subscriber's bounded buffer was full",
	}, []string{"run_id"})

	// StoreErrors counts Store operation failures by operation name.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentqueue_store_errors_total",
		Help: "Store operation failures, labeled by operation",
	}, []string{"operation"})
)

// ObserveSchedulerMetrics pushes a SchedulerMetrics-shaped snapshot into
// the queue depth/active runs/saturation gauges. No package in this
// module calls it; the gauges change only when a caller does.
func ObserveSchedulerMetrics(queueDepth, activeRuns, maxConcurrency int, saturation float64) {
	QueueDepth.Set(float64(queueDepth))
	ActiveRuns.Set(float64(activeRuns))
	WorkerSaturation.Set(saturation)
	_ = maxConcurrency // exposed via WorkerSaturation's ratio, kept for callers that want it raw
}
