// Package manager implements the Queue Manager: the single facade
// spec §4.8 describes as "the only entry point application code talks
// to" — it owns the Scheduler Core, the Stream Bus, and the Session
// Dedup Cache, and turns their separate APIs into one start/stop/submit
// surface plus callback registration, the same role a DashboardService
// plays elsewhere in this stack: composing a scheduler and a store
// behind one narrow facade rather than letting callers reach into
// either directly.
package manager

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/arcflow/agentqueue/dedup"
	"github.com/arcflow/agentqueue/executor"
	"github.com/arcflow/agentqueue/run"
	"github.com/arcflow/agentqueue/scheduler"
	"github.com/arcflow/agentqueue/store"
	"github.com/arcflow/agentqueue/stream"
)

// OutputCallback is invoked once per produced chunk, in chunk_index
// order, for the lifetime of a subscription (spec §6.2).
type OutputCallback func(runID, chunkContent string)

// CompleteCallback fires exactly once per run, iff its terminal state
// is SUCCEEDED.
type CompleteCallback func(runID string, finalRun *run.Run)

// ErrorCallback fires exactly once per run, iff its terminal state is
// FAILED. There is deliberately no CancelCallback (spec §6.2: "no
// dedicated callback for CANCELLED").
type ErrorCallback func(runID, errMessage string)

// Manager is the Queue Manager facade (spec §4.8). The zero value is
// not usable; build one with New.
type Manager struct {
	sched  *scheduler.Scheduler
	bus    *stream.Bus
	dedup  *dedup.Cache
	store  store.Store
	logger *zap.Logger

	config run.QueueConfig

	mu         sync.RWMutex
	onOutput   []OutputCallback
	onComplete []CompleteCallback
	onError    []ErrorCallback

	cancelBus context.CancelFunc
	wg        sync.WaitGroup
}

// New wires a Manager around an already-constructed Store and
// Executor. dedupCache may be nil, in which case a fresh process-wide
// instance is created — spec §4.7 requires the cache be an explicitly
// injected dependency of the Queue Manager rather than a hidden
// singleton, so New never reaches for a package-level default itself;
// callers share one Cache across Managers by passing it in explicitly.
// logger may also be nil, in which case every component it is handed
// to falls back to a no-op logger.
func New(st store.Store, exec executor.Executor, config run.QueueConfig, dedupCache *dedup.Cache, logger *zap.Logger) *Manager {
	if dedupCache == nil {
		dedupCache = dedup.New(dedup.DefaultMaxSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := stream.New(logger)
	return &Manager{
		sched:  scheduler.New(st, exec, bus, config, logger),
		bus:    bus,
		dedup:  dedupCache,
		store:  st,
		logger: logger,
		config: config,
	}
}

// Start initializes the store, starts the Stream Bus's fan-out
// goroutine and the Manager's own callback-dispatch goroutines, then
// starts the Scheduler Core (running its crash-recovery sequence iff
// recoverOnStart is true), per spec §4.8.
func (m *Manager) Start(ctx context.Context, recoverOnStart bool) error {
	if err := m.store.Initialize(ctx); err != nil {
		return fmt.Errorf("manager: initialize store: %w", err)
	}

	busCtx, cancel := context.WithCancel(ctx)
	m.cancelBus = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.bus.Run(busCtx)
	}()

	m.wg.Add(1)
	go m.dispatchEvents(busCtx)

	return m.sched.Start(ctx, recoverOnStart)
}

// Stop halts the Scheduler Core's dispatch loop, then tears down the
// Stream Bus and callback-dispatch goroutines.
func (m *Manager) Stop() {
	m.sched.Stop()
	if m.cancelBus != nil {
		m.cancelBus()
	}
	m.wg.Wait()
}

// Submit admits a new Run built from the given fields, applying the
// Session Dedup Cache before incurring Scheduler admission at all: a
// duplicate content hash is reported back to the caller via the
// returned bool rather than being queued a second time (spec §4.7's
// cache sits in front of the scheduler, not inside it). priority is
// used as given (its zero value is PriorityLow); maxRetries defaults
// to 3 when it is zero or negative.
func (m *Manager) Submit(ctx context.Context, inputContent, agentName string, priority run.Priority, sessionID, parentRunID string, maxRetries int) (runID string, duplicate bool, err error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	contentHash := dedup.HashContent(inputContent)
	tokens := estimateTokens(inputContent)
	if m.dedup.CheckAndAdd(contentHash, agentName, tokens) {
		return "", true, nil
	}

	r := run.New(agentName, inputContent, priority)
	r.SessionID = sessionID
	r.ParentRunID = parentRunID
	r.MaxRetries = maxRetries

	id, err := m.sched.Submit(ctx, r)
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

// estimateTokens is a rough, dependency-free proxy for token count
// used only to size the Session Dedup Cache's tokens_saved counter;
// spec §4.7 leaves the exact accounting unit to the implementation.
func estimateTokens(content string) int {
	const avgCharsPerToken = 4
	n := len(content) / avgCharsPerToken
	if n == 0 && len(content) > 0 {
		n = 1
	}
	return n
}

// Cancel delegates to the Scheduler Core (spec §4.4's cancel()).
func (m *Manager) Cancel(ctx context.Context, runID string) bool {
	return m.sched.Cancel(ctx, runID)
}

// Retry delegates to the Scheduler Core (spec §4.4's retry()).
func (m *Manager) Retry(ctx context.Context, runID string) (string, error) {
	return m.sched.Retry(ctx, runID)
}

// ClearQueue delegates to the Scheduler Core.
func (m *Manager) ClearQueue(ctx context.Context) (int, error) {
	return m.sched.ClearQueue(ctx)
}

// ListRuns delegates to the Scheduler Core / Store.
func (m *Manager) ListRuns(ctx context.Context, filter store.RunFilter) ([]*run.Run, error) {
	return m.sched.ListRuns(ctx, filter)
}

// GetRun delegates to the Scheduler Core / Store.
func (m *Manager) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return m.sched.GetRun(ctx, runID)
}

// GetStats delegates to the Scheduler Core / Store.
func (m *Manager) GetStats(ctx context.Context) (run.QueueStatistics, error) {
	return m.sched.Stats(ctx)
}

// DedupStats returns the Session Dedup Cache's current counters.
func (m *Manager) DedupStats() dedup.Stats {
	return m.dedup.Stats()
}

// Bus exposes the underlying Stream Bus so a host process can mirror
// its QueueEvent feed onto an external stream.Publisher (e.g. NATS)
// via stream.RelayEvents, without reaching into Scheduler internals.
func (m *Manager) Bus() *stream.Bus {
	return m.bus
}

// QueuedCount is a cheap, lock-protected counter maintained by the
// Scheduler Core's own Priority Queue rather than a Store query
// (spec §4.8: "queued_count / running_count — cheap counters").
func (m *Manager) QueuedCount() int {
	return len(m.sched.GetQueued())
}

// RunningCount reports the Concurrency Gate's current global in-use
// count.
func (m *Manager) RunningCount() int {
	return m.sched.GetMetrics().ActiveRuns
}

// OnOutput registers a callback invoked once per produced chunk.
func (m *Manager) OnOutput(cb OutputCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOutput = append(m.onOutput, cb)
}

// OnComplete registers a callback invoked exactly once per
// successfully completed run.
func (m *Manager) OnComplete(cb CompleteCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = append(m.onComplete, cb)
}

// OnError registers a callback invoked exactly once per failed run.
func (m *Manager) OnError(cb ErrorCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = append(m.onError, cb)
}

// dispatchEvents subscribes to the Stream Bus's global QueueEvent feed
// and the per-run chunk feeds it discovers from run_started events,
// translating them into the registered on_output/on_complete/on_error
// callbacks. Callback panics are caught and logged per spec §7
// ("Errors inside callbacks... are caught and logged; callback
// failures never affect scheduler state").
func (m *Manager) dispatchEvents(ctx context.Context) {
	defer m.wg.Done()

	events, unsubEvents := m.bus.SubscribeEvents()
	defer unsubEvents()

	chunkCancels := make(map[string]func())
	defer func() {
		for _, cancel := range chunkCancels {
			cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Kind {
			case run.EventStarted:
				chunks, unsubChunks := m.bus.SubscribeChunks(evt.RunID)
				chunkCancels[evt.RunID] = unsubChunks
				m.wg.Add(1)
				go m.relayChunks(ctx, evt.RunID, chunks)

			case run.EventCompleted:
				if r, err := m.sched.GetRun(ctx, evt.RunID); err == nil && r != nil {
					m.fireComplete(evt.RunID, r)
				}

			case run.EventFailed:
				if r, err := m.sched.GetRun(ctx, evt.RunID); err == nil && r != nil {
					m.fireError(evt.RunID, r.Error)
				}
			}
		}
	}
}

func (m *Manager) relayChunks(ctx context.Context, runID string, chunks <-chan run.StreamChunk) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if chunk.IsFinal || chunk.Dropped {
				continue
			}
			m.fireOutput(runID, chunk.Content)
		}
	}
}

func (m *Manager) fireOutput(runID, content string) {
	m.mu.RLock()
	cbs := append([]OutputCallback(nil), m.onOutput...)
	m.mu.RUnlock()
	for _, cb := range cbs {
		m.safeCall(func() { cb(runID, content) })
	}
}

func (m *Manager) fireComplete(runID string, r *run.Run) {
	m.mu.RLock()
	cbs := append([]CompleteCallback(nil), m.onComplete...)
	m.mu.RUnlock()
	for _, cb := range cbs {
		m.safeCall(func() { cb(runID, r) })
	}
}

func (m *Manager) fireError(runID, errMessage string) {
	m.mu.RLock()
	cbs := append([]ErrorCallback(nil), m.onError...)
	m.mu.RUnlock()
	for _, cb := range cbs {
		m.safeCall(func() { cb(runID, errMessage) })
	}
}

func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("recovered from panic in callback", zap.Any("panic", r))
		}
	}()
	fn()
}
