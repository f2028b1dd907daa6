// Package scheduler implements the Scheduler Core: the state machine
// and dispatch loop that turns submitted Runs into executor invocations
// under the Priority Queue and Concurrency Gate, persisting every
// transition through the Store (spec §4.4).
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arcflow/agentqueue/executor"
	"github.com/arcflow/agentqueue/gate"
	"github.com/arcflow/agentqueue/pqueue"
	"github.com/arcflow/agentqueue/run"
	"github.com/arcflow/agentqueue/store"
	"github.com/arcflow/agentqueue/stream"
)

// Scheduler owns the Priority Queue, Concurrency Gate, and dispatch
// loop for one queue instance. All entry points are safe for
// concurrent use.
type Scheduler struct {
	queue  *pqueue.Queue
	gate   *gate.Gate
	store  store.Store
	exec   executor.Executor
	bus    *stream.Bus
	logger *zap.Logger

	config run.QueueConfig

	mu            sync.Mutex
	live          map[string]struct{}          // QUEUED or RUNNING run_ids (duplicate check)
	runningCancel map[string]context.CancelFunc // RUNNING run_id -> cooperative cancel

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler. logger may be nil, in which case all logging
// is discarded. Call Start to run the recovery sequence (if requested)
// and launch the dispatch loop.
func New(st store.Store, exec executor.Executor, bus *stream.Bus, config run.QueueConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		queue:         pqueue.New(),
		gate:          gate.New(config.MaxConcurrentGlobal, config.MaxConcurrentPerAgent),
		store:         st,
		exec:          exec,
		bus:           bus,
		logger:        logger,
		config:        config,
		live:          make(map[string]struct{}),
		runningCancel: make(map[string]context.CancelFunc),
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

// Start optionally runs the crash-recovery sequence (spec §4.4
// "Recovery on start") and launches the dispatch loop goroutine.
func (s *Scheduler) Start(ctx context.Context, recover bool) error {
	if recover {
		if err := s.recoverOnStart(ctx); err != nil {
			return err
		}
	}
	s.wg.Add(1)
	go s.worker(ctx)
	return nil
}

// Stop halts the dispatch loop and waits for it and every in-flight
// executor goroutine to return. It does not cancel RUNNING runs, so it
// blocks until their executors finish unless each is Cancelled first.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) recoverOnStart(ctx context.Context) error {
	n, err := s.store.MarkInterruptedAsFailed(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("marked interrupted runs as failed", zap.Int("count", n))
	}

	pending, err := s.store.LoadPendingRuns(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, r := range pending {
		s.live[r.RunID] = struct{}{}
		s.queue.Push(r) // preserves the loaded created_at, no re-stamping
	}
	s.mu.Unlock()

	if len(pending) > 0 {
		s.logger.Info("re-queued pending runs on recovery", zap.Int("count", len(pending)))
	}
	return nil
}

// Submit admits run into the queue per spec §4.4: reject duplicates
// and QueueFull, otherwise persist, enqueue, and wake the dispatcher.
func (s *Scheduler) Submit(ctx context.Context, r *run.Run) (string, error) {
	s.mu.Lock()
	if _, exists := s.live[r.RunID]; exists {
		s.mu.Unlock()
		s.logger.Warn("run_rejected", zap.String("run_id", r.RunID), zap.String("agent_name", r.AgentName), zap.String("reason", "duplicate_run_id"))
		return "", ErrDuplicateRunID
	}
	if s.queue.Len() >= s.config.MaxQueueSize {
		s.mu.Unlock()
		s.logger.Warn("run_rejected", zap.String("run_id", r.RunID), zap.String("agent_name", r.AgentName), zap.String("reason", "queue_full"))
		return "", ErrQueueFull
	}
	s.live[r.RunID] = struct{}{}
	s.mu.Unlock()

	if err := s.store.SaveRun(ctx, r); err != nil {
		s.mu.Lock()
		delete(s.live, r.RunID)
		s.mu.Unlock()
		s.logger.Warn("store_unavailable", zap.String("run_id", r.RunID), zap.Error(err))
		return "", err
	}

	s.queue.Push(r)
	s.bus.PublishEvent(run.QueueEvent{Kind: run.EventSubmitted, RunID: r.RunID, AgentName: r.AgentName, Timestamp: time.Now()})
	s.logger.Info("run_submitted", zap.String("run_id", r.RunID), zap.String("agent_name", r.AgentName), zap.Int("priority", int(r.Priority)))
	s.wakeDispatch()
	return r.RunID, nil
}

// Cancel implements spec §4.4's cancel: a still-queued run is removed
// and marked CANCELLED immediately; a RUNNING run is marked in the
// Concurrency Gate's cancelled_set and its executor context is
// cancelled, with the RUNNING→CANCELLED transition left to the
// completion path. Unknown or already-terminal run_ids return false.
func (s *Scheduler) Cancel(ctx context.Context, runID string) bool {
	if r, ok := s.queue.Remove(runID); ok {
		r.State = run.StateCancelled
		r.EndedAt = time.Now()
		if err := s.store.SaveRun(ctx, r); err != nil {
			s.logger.Warn("store_unavailable", zap.String("run_id", runID), zap.Error(err))
		}
		s.bus.PublishEvent(run.QueueEvent{Kind: run.EventCancelled, RunID: runID, AgentName: r.AgentName, Timestamp: time.Now()})
		s.logger.Info("run_cancelled", zap.String("run_id", runID), zap.String("agent_name", r.AgentName))
		s.mu.Lock()
		delete(s.live, runID)
		s.mu.Unlock()
		return true
	}

	s.mu.Lock()
	cancelFn, running := s.runningCancel[runID]
	s.mu.Unlock()
	if !running {
		return false
	}
	s.gate.Cancel(runID)
	cancelFn()
	return true
}

// Retry implements spec §4.4's retry: builds and submits a child Run
// from a FAILED, retryable parent. Returns ("", nil) when the run is
// not eligible (unknown, not FAILED, or retry_count exhausted) — that
// is a normal outcome, not an error.
func (s *Scheduler) Retry(ctx context.Context, runID string) (string, error) {
	parent, err := s.store.LoadRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if parent == nil || !parent.CanRetry() {
		return "", nil
	}

	child := parent.NewRetryChild()
	newID, err := s.Submit(ctx, child)
	if err != nil {
		return "", err
	}
	s.bus.PublishEvent(run.QueueEvent{Kind: run.EventRetried, RunID: newID, AgentName: child.AgentName, Timestamp: time.Now()})
	s.logger.Info("run_retried", zap.String("parent_run_id", runID), zap.String("run_id", newID), zap.String("agent_name", child.AgentName))
	return newID, nil
}

// ClearQueue cancels every still-QUEUED run (RUNNING runs are
// untouched) and returns the count cancelled.
func (s *Scheduler) ClearQueue(ctx context.Context) (int, error) {
	count := 0
	for {
		r := s.queue.Pop()
		if r == nil {
			break
		}
		r.State = run.StateCancelled
		r.EndedAt = time.Now()
		if err := s.store.SaveRun(ctx, r); err != nil {
			s.logger.Warn("store_unavailable", zap.String("run_id", r.RunID), zap.Error(err))
		}
		s.bus.PublishEvent(run.QueueEvent{Kind: run.EventCancelled, RunID: r.RunID, AgentName: r.AgentName, Timestamp: time.Now()})
		s.logger.Info("run_cancelled", zap.String("run_id", r.RunID), zap.String("agent_name", r.AgentName), zap.String("reason", "queue_cleared"))
		s.mu.Lock()
		delete(s.live, r.RunID)
		s.mu.Unlock()
		count++
	}
	return count, nil
}

// ListRuns delegates to the Store, the system of record for anything
// not still sitting in the Priority Queue.
func (s *Scheduler) ListRuns(ctx context.Context, filter store.RunFilter) ([]*run.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// GetRun returns the last persisted snapshot of run_id, or nil if
// unknown.
func (s *Scheduler) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return s.store.LoadRun(ctx, runID)
}

// Stats returns the current counts by state and by agent.
func (s *Scheduler) Stats(ctx context.Context) (run.QueueStatistics, error) {
	return s.store.GetStats(ctx)
}

// GetQueued returns a priority-ordered snapshot of runs still waiting
// in the Priority Queue (not yet dispatched).
func (s *Scheduler) GetQueued() []*run.Run {
	return s.queue.PeekAll()
}

// GetMetrics reports the Concurrency Gate's current saturation for
// telemetry gauges.
func (s *Scheduler) GetMetrics() SchedulerMetrics {
	inUse := s.gate.GlobalInUse()
	max := s.config.MaxConcurrentGlobal
	saturation := 0.0
	if max > 0 {
		saturation = float64(inUse) / float64(max)
	}
	return SchedulerMetrics{
		QueueDepth:       s.queue.Len(),
		ActiveRuns:       inUse,
		MaxConcurrency:   max,
		WorkerSaturation: saturation,
	}
}

func (s *Scheduler) wakeDispatch() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// worker drives the dispatch loop: woken by submission, slot release,
// or the periodic heartbeat, and never busy-polls between wakes.
func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(dispatchHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.dispatchCycle(ctx)
	}
}

// dispatchCycle implements spec §4.4's dispatch-loop pseudocode: scan
// the queue in priority order for the first admissible candidate, try
// to acquire its Concurrency Gate slot for real, and dispatch it; stop
// as soon as no candidate is admissible or the queue is empty. A plain
// pop-highest would stall behind a head-of-line run blocked on its
// agent's per-agent cap even while a lower-priority run from a
// different, uncapped agent is admissible, so this uses FirstMatch
// rather than PopIf to scan past it.
func (s *Scheduler) dispatchCycle(ctx context.Context) {
	for {
		candidate := s.queue.FirstMatch(func(r *run.Run) bool {
			return s.gate.DryRun(r.AgentName) && !s.gate.IsCancelled(r.RunID)
		})
		if candidate == nil {
			return
		}
		if !s.gate.TryAcquire(candidate.AgentName) {
			// Raced with another acquirer since the dry run; put it back
			// and stop rather than spin.
			s.queue.Push(candidate)
			return
		}
		s.dispatch(ctx, candidate)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, r *run.Run) {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.runningCancel[r.RunID] = cancel
	s.mu.Unlock()

	r.State = run.StateRunning
	r.StartedAt = time.Now()
	if err := s.store.SaveRun(ctx, r); err != nil {
		s.logger.Warn("store_unavailable", zap.String("run_id", r.RunID), zap.Error(err))
	}
	s.bus.PublishEvent(run.QueueEvent{Kind: run.EventStarted, RunID: r.RunID, AgentName: r.AgentName, Timestamp: time.Now()})
	s.logger.Info("run_dispatched", SchedulingDecision{Decision: "DISPATCH", RunID: r.RunID, AgentName: r.AgentName, Priority: int(r.Priority)}.Fields()...)

	s.wg.Add(1)
	go s.runExecutor(runCtx, cancel, r)
}

func (s *Scheduler) runExecutor(runCtx context.Context, cancel context.CancelFunc, r *run.Run) {
	defer s.wg.Done()

	chunkIndex := 0
	sink := executor.ChunkSink(func(content string) {
		idx := chunkIndex
		chunkIndex++
		s.bus.PublishChunk(run.StreamChunk{RunID: r.RunID, ChunkIndex: idx, Content: content, Timestamp: time.Now()})
		s.bus.PublishEvent(run.QueueEvent{Kind: run.EventOutput, RunID: r.RunID, AgentName: r.AgentName, Timestamp: time.Now()})
	})

	outcome := s.exec.Execute(runCtx, r, sink)
	cancel()

	s.complete(context.Background(), r, outcome, chunkIndex)
}

func (s *Scheduler) complete(ctx context.Context, r *run.Run, outcome executor.Outcome, finalChunkIndex int) {
	s.mu.Lock()
	delete(s.runningCancel, r.RunID)
	s.mu.Unlock()

	wasCancelled := s.gate.IsCancelled(r.RunID)
	s.gate.Release(r.AgentName)
	s.gate.ClearCancelled(r.RunID)

	now := time.Now()
	var kind run.EventKind
	var logMsg string
	var payload *run.QueueEventPayload
	switch {
	case outcome.Cancelled() || wasCancelled:
		r.State = run.StateCancelled
		kind = run.EventCancelled
		logMsg = "run_cancelled"
	case outcome.Succeeded():
		r.State = run.StateSucceeded
		r.OutputContent = outcome.OutputContent
		kind = run.EventCompleted
		logMsg = "run_completed"
	default:
		r.State = run.StateFailed
		r.Error = outcome.Err.Error()
		kind = run.EventFailed
		logMsg = "run_failed"

		var transientErr *executor.TransientError
		payload = &run.QueueEventPayload{
			Reason:    r.Error,
			Transient: errors.As(outcome.Err, &transientErr),
		}
	}
	r.EndedAt = now

	if err := s.store.SaveRun(ctx, r); err != nil {
		s.logger.Warn("store_unavailable", zap.String("run_id", r.RunID), zap.Error(err))
	}

	s.bus.PublishChunk(run.StreamChunk{RunID: r.RunID, ChunkIndex: finalChunkIndex, IsFinal: true, Timestamp: now})
	s.bus.PublishEvent(run.QueueEvent{Kind: kind, RunID: r.RunID, AgentName: r.AgentName, Timestamp: now, Payload: payload})
	if logMsg == "run_failed" {
		s.logger.Info(logMsg, zap.String("run_id", r.RunID), zap.String("agent_name", r.AgentName), zap.String("reason", r.Error), zap.Bool("transient", payload.Transient))
	} else {
		s.logger.Info(logMsg, zap.String("run_id", r.RunID), zap.String("agent_name", r.AgentName))
	}

	s.mu.Lock()
	delete(s.live, r.RunID)
	s.mu.Unlock()

	s.wakeDispatch()
}
