package pqueue

import (
	"testing"
	"time"

	"github.com/arcflow/agentqueue/run"
)

func TestStrictPriorityOrderingNoAging(t *testing.T) {
	q := New()

	low := run.New("a", "x", run.PriorityLow)
	low.CreatedAt = time.Now().Add(-1 * time.Hour) // waited a long time

	normal := run.New("a", "x", run.PriorityNormal)
	normal.CreatedAt = time.Now()

	q.Push(low)
	q.Push(normal)

	got := q.Pop()
	if got.RunID != normal.RunID {
		t.Fatalf("expected normal-priority run to dispatch first despite low waiting longer, got %v", got.RunID)
	}
}

func TestFIFOWithinSamePriority(t *testing.T) {
	q := New()

	first := run.New("a", "x", run.PriorityNormal)
	first.CreatedAt = time.Now().Add(-2 * time.Second)
	second := run.New("a", "x", run.PriorityNormal)
	second.CreatedAt = time.Now().Add(-1 * time.Second)

	q.Push(second)
	q.Push(first)

	if got := q.Pop(); got.RunID != first.RunID {
		t.Fatalf("expected FIFO order within same priority, got %v want %v", got.RunID, first.RunID)
	}
	if got := q.Pop(); got.RunID != second.RunID {
		t.Fatalf("expected second run next, got %v", got.RunID)
	}
}

func TestRemoveByID(t *testing.T) {
	q := New()
	r1 := run.New("a", "x", run.PriorityNormal)
	r2 := run.New("a", "x", run.PriorityHigh)
	q.Push(r1)
	q.Push(r2)

	removed, ok := q.Remove(r1.RunID)
	if !ok || removed.RunID != r1.RunID {
		t.Fatal("expected to remove r1 by id")
	}
	if q.Len() != 1 {
		t.Fatalf("expected len 1 after remove, got %d", q.Len())
	}
	if _, ok := q.Remove("nonexistent"); ok {
		t.Fatal("expected remove of unknown id to report not found")
	}
}

func TestFirstMatchSkipsHeadOfLine(t *testing.T) {
	q := New()
	blockedHighPriority := run.New("agent-a", "x", run.PriorityUrgent)
	dispatchableNormal := run.New("agent-b", "x", run.PriorityNormal)
	q.Push(blockedHighPriority)
	q.Push(dispatchableNormal)

	got := q.FirstMatch(func(r *run.Run) bool { return r.AgentName == "agent-b" })
	if got == nil || got.RunID != dispatchableNormal.RunID {
		t.Fatal("expected FirstMatch to skip the blocked head-of-line run")
	}
	if q.Len() != 1 {
		t.Fatalf("expected one run left in queue, got %d", q.Len())
	}
}

func TestPeekAllDoesNotMutateQueue(t *testing.T) {
	q := New()
	q.Push(run.New("a", "x", run.PriorityLow))
	q.Push(run.New("a", "x", run.PriorityHigh))

	snapshot := q.PeekAll()
	if len(snapshot) != 2 {
		t.Fatalf("expected snapshot of 2, got %d", len(snapshot))
	}
	if snapshot[0].Priority != run.PriorityHigh {
		t.Fatal("expected snapshot to be priority-ordered")
	}
	if q.Len() != 2 {
		t.Fatal("PeekAll must not remove runs from the live queue")
	}
}
