// Package pqueue implements the Priority Queue component: a strict,
// non-aging ordering of queued runs by (priority DESC, created_at ASC,
// run_id) with remove-by-id and predicate-pop support for the
// Scheduler Core's dispatch loop.
package pqueue

import (
	"container/heap"
	"sync"

	"github.com/arcflow/agentqueue/run"
)

// runHeap implements heap.Interface over queued runs. Ordering is
// strictly (priority DESC, created_at ASC); unlike the aging-based
// ordering some schedulers use, a run's position never changes purely
// from waiting longer, so starvation is possible only if the queue
// never drains (spec: dispatch ordering, Redesign Flags).
type runHeap []*run.Run

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].RunID < h[j].RunID
}

func (h runHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *runHeap) Push(x interface{}) {
	*h = append(*h, x.(*run.Run))
}

func (h *runHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a thread-safe priority queue of queued runs.
type Queue struct {
	mu sync.Mutex
	h  runHeap
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{h: make(runHeap, 0)}
}

// Push admits a run into the queue.
func (q *Queue) Push(r *run.Run) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, r)
}

// Pop removes and returns the highest-priority run, or nil if empty.
func (q *Queue) Pop() *run.Run {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*run.Run)
}

// PopIf removes and returns the highest-priority run only if it
// satisfies pred; otherwise the queue is left untouched and nil is
// returned. Used by the Scheduler Core to respect the Concurrency
// Gate's per-agent cap without popping a run it cannot yet dispatch.
func (q *Queue) PopIf(pred func(*run.Run) bool) *run.Run {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	if !pred(q.h[0]) {
		return nil
	}
	return heap.Pop(&q.h).(*run.Run)
}

// FirstMatch scans the queue in priority order and pops the first run
// satisfying pred, leaving all runs before it untouched. This lets the
// dispatch loop skip a head-of-line run blocked on its agent's
// concurrency cap and dispatch a lower-priority run behind it instead.
func (q *Queue) FirstMatch(pred func(*run.Run) bool) *run.Run {
	q.mu.Lock()
	defer q.mu.Unlock()
	best := -1
	for i, r := range q.h {
		if pred(r) && (best < 0 || q.h.Less(i, best)) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	return heap.Remove(&q.h, best).(*run.Run)
}

// Remove pops the run with the given id out of the queue (used by
// cancel() on a still-queued run), reporting whether it was found.
func (q *Queue) Remove(runID string) (*run.Run, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.h {
		if r.RunID == runID {
			item := heap.Remove(&q.h, i).(*run.Run)
			return item, true
		}
	}
	return nil, false
}

// Len reports the number of queued runs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// PeekAll returns a priority-ordered snapshot of queued runs without
// removing them, used by list_runs() and get_queued().
func (q *Queue) PeekAll() []*run.Run {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := make(runHeap, len(q.h))
	copy(cp, q.h)
	out := make([]*run.Run, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*run.Run))
	}
	return out
}
