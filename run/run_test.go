package run

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParsePriorityFallsBackToNormal(t *testing.T) {
	cases := map[string]Priority{
		"low":    PriorityLow,
		"HIGH":   PriorityHigh,
		"Urgent": PriorityUrgent,
		"normal": PriorityNormal,
		"bogus":  PriorityNormal,
		"":       PriorityNormal,
	}
	for input, want := range cases {
		if got := ParsePriority(input); got != want {
			t.Errorf("ParsePriority(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestStateIsTerminalAndActive(t *testing.T) {
	terminal := []State{StateSucceeded, StateFailed, StateCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%v should be terminal", s)
		}
		if s.IsActive() {
			t.Errorf("%v should not be active", s)
		}
	}

	active := []State{StateQueued, StateRunning, StatePaused}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%v should not be terminal", s)
		}
		if !s.IsActive() {
			t.Errorf("%v should be active", s)
		}
	}
}

func TestCanRetryRespectsMaxRetries(t *testing.T) {
	r := New("researcher", "do the thing", PriorityNormal)
	r.State = StateFailed
	r.MaxRetries = 2

	r.RetryCount = 0
	if !r.CanRetry() {
		t.Fatal("expected retry to be allowed at count 0")
	}
	r.RetryCount = 2
	if r.CanRetry() {
		t.Fatal("expected retry to be denied once retry_count reaches max_retries")
	}

	r.State = StateSucceeded
	r.RetryCount = 0
	if r.CanRetry() {
		t.Fatal("a non-failed run must never be retryable")
	}
}

func TestNewRetryChildLineage(t *testing.T) {
	parent := New("writer", "draft the report", PriorityHigh)
	parent.SessionID = "sess-1"
	parent.State = StateFailed
	parent.RetryCount = 1

	child := parent.NewRetryChild()

	if child.ParentRunID != parent.RunID {
		t.Fatalf("child.ParentRunID = %q, want %q", child.ParentRunID, parent.RunID)
	}
	if child.RetryCount != parent.RetryCount+1 {
		t.Fatalf("child.RetryCount = %d, want %d", child.RetryCount, parent.RetryCount+1)
	}
	if child.State != StateQueued {
		t.Fatalf("child.State = %v, want queued", child.State)
	}
	if child.SessionID != parent.SessionID {
		t.Fatal("child must inherit session_id")
	}
	if child.RunID == parent.RunID {
		t.Fatal("child must receive a fresh run_id")
	}
}

func TestDurationAndWaitSeconds(t *testing.T) {
	r := New("coder", "fix the bug", PriorityNormal)
	r.CreatedAt = time.Now().Add(-2 * time.Second)

	if d := r.DurationSeconds(); d != nil {
		t.Fatalf("expected nil duration before start, got %v", *d)
	}

	r.StartedAt = time.Now()
	if w := r.WaitSeconds(); w < 1.9 {
		t.Fatalf("wait_seconds = %v, want >= ~2s", w)
	}

	time.Sleep(10 * time.Millisecond)
	r.EndedAt = time.Now()
	r.State = StateSucceeded
	d := r.DurationSeconds()
	if d == nil || *d < 0 {
		t.Fatalf("expected non-negative terminal duration, got %v", d)
	}
}

func TestRunJSONRoundTrip(t *testing.T) {
	r := New("planner", "plan the sprint", PriorityUrgent)
	r.SessionID = "sess-9"
	r.StartedAt = time.Now()
	r.State = StateRunning

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out Run
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if out.RunID != r.RunID || out.State != r.State || out.Priority != r.Priority {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", out, r)
	}
	if out.StartedAt.Unix() != r.StartedAt.Unix() {
		t.Fatalf("started_at round-trip mismatch: got %v, want %v", out.StartedAt, r.StartedAt)
	}
}
