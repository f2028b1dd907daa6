package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arcflow/agentqueue/run"
)

type stubExecutor struct {
	delay  time.Duration
	result Outcome
}

func (s *stubExecutor) Execute(ctx context.Context, r *run.Run, sink ChunkSink) Outcome {
	select {
	case <-time.After(s.delay):
		return s.result
	case <-ctx.Done():
		return Outcome{Err: ctx.Err()}
	}
}

func TestWithHardTimeoutConvertsDeadlineToTransient(t *testing.T) {
	slow := &stubExecutor{delay: 50 * time.Millisecond, result: Outcome{OutputContent: "done"}}
	wrapped := WithHardTimeout(slow, 5*time.Millisecond)

	r := run.New("agent", "input", run.PriorityNormal)
	outcome := wrapped.Execute(context.Background(), r, func(string) {})

	var transient *TransientError
	if !errors.As(outcome.Err, &transient) {
		t.Fatalf("expected TransientError, got %v", outcome.Err)
	}
	if !errors.Is(outcome.Err, ErrExecutorTimeout) {
		t.Fatalf("expected wrapped ErrExecutorTimeout, got %v", outcome.Err)
	}
}

func TestWithHardTimeoutPassesThroughSuccess(t *testing.T) {
	fast := &stubExecutor{delay: time.Millisecond, result: Outcome{OutputContent: "ok"}}
	wrapped := WithHardTimeout(fast, time.Second)

	r := run.New("agent", "input", run.PriorityNormal)
	outcome := wrapped.Execute(context.Background(), r, func(string) {})

	if !outcome.Succeeded() {
		t.Fatalf("expected success, got %v", outcome.Err)
	}
	if outcome.OutputContent != "ok" {
		t.Fatalf("expected output passthrough, got %q", outcome.OutputContent)
	}
}

func TestOutcomeCancelled(t *testing.T) {
	o := Outcome{Err: context.Canceled}
	if !o.Cancelled() {
		t.Fatal("expected Cancelled() to report true for context.Canceled")
	}
	if o.Succeeded() {
		t.Fatal("a cancelled outcome must not report success")
	}
}
