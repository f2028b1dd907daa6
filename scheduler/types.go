package scheduler

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when the queued-run count already
// equals QueueConfig.MaxQueueSize (spec §4.4).
var ErrQueueFull = errors.New("scheduler: queue is full")

// ErrDuplicateRunID is returned by Submit when run_id is already live
// (present in the queue or the in-flight set).
var ErrDuplicateRunID = errors.New("scheduler: duplicate run_id")

// dispatchHeartbeat is the periodic safety-net tick that wakes the
// dispatch loop even if a wake signal was dropped (spec §4.4: "a
// periodic heartbeat, tens of ms, as a safety net").
const dispatchHeartbeat = 50 * time.Millisecond

// leadershipFreezeWindow is skipped: spec.md's Scheduler Core has no
// leader-election concept (Non-goal: no distributed coordination), so
// the worker loop below starts dispatching immediately on Start/recover.

// SchedulingDecision is a structured log line for one dispatch-loop
// outcome, emitted as zap fields rather than hand-marshaled JSON.
type SchedulingDecision struct {
	Decision  string // DISPATCH, REQUEUE, DROP_CANCELLED
	RunID     string
	AgentName string
	Priority  int
	Reason    string
}

// Fields renders d as zap fields for a single structured log call.
func (d SchedulingDecision) Fields() []zap.Field {
	fields := []zap.Field{
		zap.String("decision", d.Decision),
		zap.String("run_id", d.RunID),
		zap.String("agent_name", d.AgentName),
		zap.Int("priority", d.Priority),
	}
	if d.Reason != "" {
		fields = append(fields, zap.String("reason", d.Reason))
	}
	return fields
}

// SchedulerMetrics is the internal-state snapshot GetMetrics exposes
// for telemetry gauges (spec §9: queue_depth, active_runs, etc.).
type SchedulerMetrics struct {
	QueueDepth       int     `json:"queue_depth"`
	ActiveRuns       int     `json:"active_runs"`
	MaxConcurrency   int     `json:"max_concurrency"`
	WorkerSaturation float64 `json:"worker_saturation"`
}
