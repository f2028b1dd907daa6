// Package executor defines the Executor Adapter: the boundary between
// the Scheduler Core and whatever actually runs an agent. The
// scheduler never inspects what an Executor does internally; it only
// sees chunks arriving on the sink and one terminal Outcome.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/arcflow/agentqueue/run"
)

// ErrExecutorTimeout is returned wrapped in a TransientError when the
// hard per-run timeout context is exceeded.
var ErrExecutorTimeout = errors.New("executor: run exceeded max runtime")

// TransientError marks a failure as transient. The Scheduler Core moves
// the run to FAILED and sets Transient on the run_failed event payload;
// it never retries the run on its own, and Scheduler.Retry does not
// look at the error kind.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure as permanent. The Scheduler Core moves
// the run to FAILED with Transient unset on the run_failed event
// payload; like a TransientError, it is never retried automatically.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Outcome is the terminal result of one Execute call.
type Outcome struct {
	OutputContent string
	Err           error // nil on success; *TransientError, *PermanentError, or context.Canceled
}

// Succeeded reports whether the outcome represents a successful run.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Cancelled reports whether the outcome represents cancellation rather
// than failure.
func (o Outcome) Cancelled() bool {
	return errors.Is(o.Err, context.Canceled)
}

// ChunkSink receives streamed output as the agent produces it; the
// Scheduler Core forwards each call straight to the Stream Bus.
type ChunkSink func(content string)

// Executor runs one Run to completion, streaming intermediate output
// through sink and honoring ctx cancellation (itself derived from a
// hard per-run timeout plus the Concurrency Gate's cancelled set).
type Executor interface {
	Execute(ctx context.Context, r *run.Run, sink ChunkSink) Outcome
}

// MaxRunTime is a ten-minute per-run bound for use as WithHardTimeout's
// maxRunTime, mirroring the hard timeout kill switch pattern used
// elsewhere in this module's ancestry.
const MaxRunTime = 10 * time.Minute

// WithHardTimeout wraps an Executor so every Execute call runs under a
// context derived from the caller's ctx and bounded by maxRunTime; an
// earlier deadline or cancellation on the caller's ctx still applies.
func WithHardTimeout(next Executor, maxRunTime time.Duration) Executor {
	return &hardTimeoutExecutor{next: next, maxRunTime: maxRunTime}
}

type hardTimeoutExecutor struct {
	next       Executor
	maxRunTime time.Duration
}

func (h *hardTimeoutExecutor) Execute(ctx context.Context, r *run.Run, sink ChunkSink) Outcome {
	taskCtx, cancel := context.WithTimeout(ctx, h.maxRunTime)
	defer cancel()

	outcome := h.next.Execute(taskCtx, r, sink)
	if outcome.Err != nil && taskCtx.Err() == context.DeadlineExceeded {
		return Outcome{Err: &TransientError{Err: ErrExecutorTimeout}}
	}
	return outcome
}
