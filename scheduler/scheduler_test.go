package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arcflow/agentqueue/executor"
	"github.com/arcflow/agentqueue/run"
	"github.com/arcflow/agentqueue/store"
	"github.com/arcflow/agentqueue/stream"
)

// controlledExecutor blocks Execute on a per-call gate until the test
// releases it, letting tests observe RUNNING state and exercise cancel
// before completion.
type controlledExecutor struct {
	mu    chan struct{} // closed to release every blocked Execute
	outc  executor.Outcome
	calls chan *run.Run
}

func newControlledExecutor(outc executor.Outcome) *controlledExecutor {
	return &controlledExecutor{
		mu:    make(chan struct{}),
		outc:  outc,
		calls: make(chan *run.Run, 16),
	}
}

func (c *controlledExecutor) release() { close(c.mu) }

func (c *controlledExecutor) Execute(ctx context.Context, r *run.Run, sink executor.ChunkSink) executor.Outcome {
	c.calls <- r
	sink("partial")
	select {
	case <-c.mu:
		return c.outc
	case <-ctx.Done():
		return executor.Outcome{Err: ctx.Err()}
	}
}

// immediateExecutor completes synchronously with a fixed outcome.
type immediateExecutor struct {
	outc executor.Outcome
}

func (e immediateExecutor) Execute(ctx context.Context, r *run.Run, sink executor.ChunkSink) executor.Outcome {
	return e.outc
}

func newTestScheduler(t *testing.T, exec executor.Executor, cfg run.QueueConfig) (*Scheduler, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := stream.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)

	sched := New(st, exec, bus, cfg, nil)
	if err := sched.Start(ctx, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sched.Stop)
	return sched, st
}

func waitForState(t *testing.T, sched *Scheduler, runID string, want run.State, timeout time.Duration) *run.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, err := sched.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r != nil && r.State == want {
			return r
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach state %s in time", runID, want)
	return nil
}

func TestSubmitDispatchesHighestPriorityFirst(t *testing.T) {
	exec := newControlledExecutor(executor.Outcome{OutputContent: "done"})
	defer exec.release()
	cfg := run.DefaultQueueConfig()
	cfg.MaxConcurrentGlobal = 1
	cfg.MaxConcurrentPerAgent = 1
	sched, _ := newTestScheduler(t, exec, cfg)

	low := run.New("agent", "low", run.PriorityLow)
	high := run.New("agent", "high", run.PriorityHigh)
	if _, err := sched.Submit(context.Background(), low); err != nil {
		t.Fatalf("submit low: %v", err)
	}
	if _, err := sched.Submit(context.Background(), high); err != nil {
		t.Fatalf("submit high: %v", err)
	}

	select {
	case dispatched := <-exec.calls:
		if dispatched.RunID != high.RunID {
			t.Fatalf("expected high-priority run dispatched first, got %s", dispatched.RunID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestConcurrencyGateBlocksSecondAgentRun(t *testing.T) {
	exec := newControlledExecutor(executor.Outcome{OutputContent: "done"})
	t.Cleanup(exec.release)
	cfg := run.DefaultQueueConfig()
	cfg.MaxConcurrentGlobal = 4
	cfg.MaxConcurrentPerAgent = 1
	sched, _ := newTestScheduler(t, exec, cfg)

	first := run.New("agent", "a", run.PriorityNormal)
	second := run.New("agent", "b", run.PriorityNormal)
	sched.Submit(context.Background(), first)

	<-exec.calls // first is now RUNNING, holding the per-agent slot

	sched.Submit(context.Background(), second)

	time.Sleep(30 * time.Millisecond)
	queued := sched.GetQueued()
	if len(queued) != 1 || queued[0].RunID != second.RunID {
		t.Fatalf("expected second run still queued behind the per-agent cap, got %v", queued)
	}
}

func TestCancelWhileQueued(t *testing.T) {
	exec := newControlledExecutor(executor.Outcome{OutputContent: "done"})
	defer exec.release()
	cfg := run.DefaultQueueConfig()
	cfg.MaxConcurrentGlobal = 1
	cfg.MaxConcurrentPerAgent = 1
	sched, _ := newTestScheduler(t, exec, cfg)

	blocker := run.New("agent", "blocker", run.PriorityNormal)
	sched.Submit(context.Background(), blocker)
	<-exec.calls

	r := run.New("agent", "queued", run.PriorityNormal)
	sched.Submit(context.Background(), r)

	if ok := sched.Cancel(context.Background(), r.RunID); !ok {
		t.Fatal("expected Cancel to return true for a queued run")
	}

	got := waitForState(t, sched, r.RunID, run.StateCancelled, time.Second)
	if got.EndedAt.IsZero() {
		t.Fatal("expected ended_at set on a cancelled run")
	}
}

func TestCancelWhileRunning(t *testing.T) {
	exec := newControlledExecutor(executor.Outcome{OutputContent: "done"})
	cfg := run.DefaultQueueConfig()
	sched, _ := newTestScheduler(t, exec, cfg)

	r := run.New("agent", "input", run.PriorityNormal)
	sched.Submit(context.Background(), r)
	<-exec.calls

	if ok := sched.Cancel(context.Background(), r.RunID); !ok {
		t.Fatal("expected Cancel to return true for a running run")
	}

	waitForState(t, sched, r.RunID, run.StateCancelled, time.Second)
}

func TestRetryLineage(t *testing.T) {
	exec := immediateExecutor{outc: executor.Outcome{Err: &executor.PermanentError{Err: errors.New("boom")}}}
	cfg := run.DefaultQueueConfig()
	sched, _ := newTestScheduler(t, exec, cfg)

	parent := run.New("agent", "input", run.PriorityNormal)
	parent.MaxRetries = 2
	sched.Submit(context.Background(), parent)
	waitForState(t, sched, parent.RunID, run.StateFailed, time.Second)

	childID, err := sched.Retry(context.Background(), parent.RunID)
	if err != nil || childID == "" {
		t.Fatalf("expected a retry child, got id=%q err=%v", childID, err)
	}
	child := waitForState(t, sched, childID, run.StateFailed, time.Second)
	if child.RetryCount != 1 || child.ParentRunID != parent.RunID {
		t.Fatalf("unexpected child lineage: %+v", child)
	}

	grandchildID, err := sched.Retry(context.Background(), childID)
	if err != nil || grandchildID == "" {
		t.Fatalf("expected a second retry child, got id=%q err=%v", grandchildID, err)
	}

	// Exhaust retries: grandchild has retry_count == max_retries.
	waitForState(t, sched, grandchildID, run.StateFailed, time.Second)
	none, err := sched.Retry(context.Background(), grandchildID)
	if err != nil || none != "" {
		t.Fatalf("expected no further retry once max_retries is reached, got id=%q err=%v", none, err)
	}
}

func TestRetryOnSucceededRunReturnsNone(t *testing.T) {
	exec := immediateExecutor{outc: executor.Outcome{OutputContent: "ok"}}
	cfg := run.DefaultQueueConfig()
	sched, _ := newTestScheduler(t, exec, cfg)

	r := run.New("agent", "input", run.PriorityNormal)
	sched.Submit(context.Background(), r)
	waitForState(t, sched, r.RunID, run.StateSucceeded, time.Second)

	none, err := sched.Retry(context.Background(), r.RunID)
	if err != nil || none != "" {
		t.Fatalf("expected none for a succeeded run, got id=%q err=%v", none, err)
	}
}

func TestDuplicateRunIDRejected(t *testing.T) {
	exec := newControlledExecutor(executor.Outcome{OutputContent: "done"})
	defer exec.release()
	cfg := run.DefaultQueueConfig()
	sched, _ := newTestScheduler(t, exec, cfg)

	r := run.New("agent", "input", run.PriorityNormal)
	if _, err := sched.Submit(context.Background(), r); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := sched.Submit(context.Background(), r); !errors.Is(err, ErrDuplicateRunID) {
		t.Fatalf("expected ErrDuplicateRunID, got %v", err)
	}
}

func TestQueueFullRejected(t *testing.T) {
	exec := newControlledExecutor(executor.Outcome{OutputContent: "done"})
	defer exec.release()
	cfg := run.DefaultQueueConfig()
	cfg.MaxConcurrentGlobal = 0 // nothing ever dispatches, so the queue just fills up
	cfg.MaxQueueSize = 2
	sched, _ := newTestScheduler(t, exec, cfg)

	sched.Submit(context.Background(), run.New("agent", "a", run.PriorityNormal))
	sched.Submit(context.Background(), run.New("agent", "b", run.PriorityNormal))
	if _, err := sched.Submit(context.Background(), run.New("agent", "c", run.PriorityNormal)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestClearQueueCancelsOnlyQueuedRuns(t *testing.T) {
	exec := newControlledExecutor(executor.Outcome{OutputContent: "done"})
	defer exec.release()
	cfg := run.DefaultQueueConfig()
	cfg.MaxConcurrentGlobal = 1
	cfg.MaxConcurrentPerAgent = 1
	sched, _ := newTestScheduler(t, exec, cfg)

	running := run.New("agent", "running", run.PriorityNormal)
	sched.Submit(context.Background(), running)
	<-exec.calls // now RUNNING, holding the only global slot

	q1 := run.New("agent2", "q1", run.PriorityNormal)
	q2 := run.New("agent2", "q2", run.PriorityNormal)
	sched.Submit(context.Background(), q1)
	sched.Submit(context.Background(), q2)

	n, err := sched.ClearQueue(context.Background())
	if err != nil {
		t.Fatalf("ClearQueue: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 queued runs cancelled, got %d", n)
	}
	if len(sched.GetQueued()) != 0 {
		t.Fatal("expected an empty queue after ClearQueue")
	}

	r, err := sched.GetRun(context.Background(), running.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.State != run.StateRunning {
		t.Fatalf("expected the running run untouched by ClearQueue, got %s", r.State)
	}
}

func TestDispatchSkipsHeadOfLineBlockedOnPerAgentCap(t *testing.T) {
	exec := newControlledExecutor(executor.Outcome{OutputContent: "done"})
	defer exec.release()
	cfg := run.DefaultQueueConfig()
	cfg.MaxConcurrentGlobal = 2
	cfg.MaxConcurrentPerAgent = 1
	sched, _ := newTestScheduler(t, exec, cfg)

	r1 := run.New("agentX", "r1", run.PriorityNormal)
	if _, err := sched.Submit(context.Background(), r1); err != nil {
		t.Fatalf("submit r1: %v", err)
	}
	<-exec.calls // r1 now RUNNING, holding agentX's only per-agent slot

	r2 := run.New("agentX", "r2", run.PriorityNormal)
	if _, err := sched.Submit(context.Background(), r2); err != nil {
		t.Fatalf("submit r2: %v", err)
	}
	r3 := run.New("agentY", "r3", run.PriorityNormal)
	if _, err := sched.Submit(context.Background(), r3); err != nil {
		t.Fatalf("submit r3: %v", err)
	}

	// r2 sits at the queue head, blocked on agentX's per-agent cap. r3 is
	// from a different agent and a global slot is free, so it must still
	// get dispatched rather than stalling behind r2.
	select {
	case dispatched := <-exec.calls:
		if dispatched.RunID != r3.RunID {
			t.Fatalf("expected r3 dispatched despite r2 blocking the queue head, got %s", dispatched.RunID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for r3 to dispatch past the blocked head of the queue")
	}

	queued := sched.GetQueued()
	if len(queued) != 1 || queued[0].RunID != r2.RunID {
		t.Fatalf("expected r2 still queued behind agentX's per-agent cap, got %v", queued)
	}
}

func TestFailedRunEventPayloadMarksTransientErrors(t *testing.T) {
	exec := immediateExecutor{outc: executor.Outcome{Err: &executor.TransientError{Err: errors.New("rate limited")}}}
	cfg := run.DefaultQueueConfig()
	bus := stream.New(nil)
	busCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(busCtx)

	events, unsub := bus.SubscribeEvents()
	t.Cleanup(unsub)

	st := store.NewMemoryStore()
	sched := New(st, exec, bus, cfg, nil)
	if err := sched.Start(busCtx, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sched.Stop)

	r := run.New("agent", "input", run.PriorityNormal)
	if _, err := sched.Submit(busCtx, r); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, sched, r.RunID, run.StateFailed, time.Second)

	for {
		select {
		case evt := <-events:
			if evt.Kind != run.EventFailed {
				continue
			}
			if evt.Payload == nil || !evt.Payload.Transient {
				t.Fatalf("expected run_failed payload to mark a TransientError as transient, got %+v", evt.Payload)
			}
			return
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for run_failed event")
		}
	}
}

func TestRecoveryMarksInterruptedRunsFailed(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	orphan := run.New("agent", "input", run.PriorityNormal)
	orphan.State = run.StateRunning
	orphan.StartedAt = time.Now().Add(-time.Minute)
	st.SaveRun(ctx, orphan)

	stillQueued := run.New("agent", "input2", run.PriorityNormal)
	st.SaveRun(ctx, stillQueued)

	bus := stream.New(nil)
	busCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(busCtx)

	exec := newControlledExecutor(executor.Outcome{OutputContent: "done"})
	defer exec.release()
	cfg := run.DefaultQueueConfig()
	cfg.MaxConcurrentGlobal = 0 // don't let recovery auto-dispatch what we just re-queued
	sched := New(st, exec, bus, cfg, nil)
	if err := sched.Start(busCtx, true); err != nil {
		t.Fatalf("Start(recover=true): %v", err)
	}
	defer sched.Stop()

	got, err := sched.GetRun(ctx, orphan.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != run.StateFailed || got.Error != "Interrupted" {
		t.Fatalf("expected orphaned RUNNING run marked FAILED/Interrupted, got state=%s error=%q", got.State, got.Error)
	}
	if got.EndedAt.IsZero() {
		t.Fatal("expected ended_at set on the recovered run")
	}

	requeued := sched.GetQueued()
	if len(requeued) != 1 || requeued[0].RunID != stillQueued.RunID {
		t.Fatalf("expected the still-queued run re-inserted into the priority queue, got %v", requeued)
	}
}
