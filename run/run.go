// Package run defines the identity and lifecycle model for a single
// scheduled agent job: the Run entity, its states, priorities, and the
// small value types (QueueConfig, QueueStatistics, StreamChunk,
// QueueEvent) that travel alongside it through the rest of the module.
package run

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle stage of a Run.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the state is still live (queued/running/paused).
func (s State) IsActive() bool {
	switch s {
	case StateQueued, StateRunning, StatePaused:
		return true
	default:
		return false
	}
}

// Priority orders admission into the Priority Queue; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ParsePriority parses a case-insensitive priority name, defaulting to
// NORMAL for anything unrecognized rather than failing.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	case "normal":
		return PriorityNormal
	default:
		return PriorityNormal
	}
}

// NewRunID returns a fresh globally-unique run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Run is a single scheduled job. Only the Scheduler Core mutates State,
// StartedAt, EndedAt, OutputContent, and Error (spec §3.2); every other
// component holds it read-only.
type Run struct {
	RunID         string    `json:"run_id"`
	AgentName     string    `json:"agent_name"`
	SessionID     string    `json:"session_id,omitempty"`
	ParentRunID   string    `json:"parent_run_id,omitempty"`
	InputContent  string    `json:"input_content"`
	OutputContent string    `json:"output_content,omitempty"`
	Priority      Priority  `json:"priority"`
	State         State     `json:"state"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
}

// New constructs a QUEUED Run with a generated run_id and created_at=now.
func New(agentName, inputContent string, priority Priority) *Run {
	return &Run{
		RunID:        NewRunID(),
		AgentName:    agentName,
		InputContent: inputContent,
		Priority:     priority,
		State:        StateQueued,
		MaxRetries:   3,
		CreatedAt:    time.Now(),
	}
}

// Clone returns a deep copy safe to hand to callers outside the scheduler
// lock; mutating it never affects the live Run.
func (r *Run) Clone() *Run {
	cp := *r
	return &cp
}

// DurationSeconds is ended-started while terminal, now-started while
// running, or nil if the run never started.
func (r *Run) DurationSeconds() *float64 {
	if r.StartedAt.IsZero() {
		return nil
	}
	end := time.Now()
	if !r.EndedAt.IsZero() {
		end = r.EndedAt
	}
	d := end.Sub(r.StartedAt).Seconds()
	return &d
}

// WaitSeconds is started-created while started, or now-created while queued.
func (r *Run) WaitSeconds() float64 {
	end := time.Now()
	if !r.StartedAt.IsZero() {
		end = r.StartedAt
	}
	return end.Sub(r.CreatedAt).Seconds()
}

// CanRetry reports whether a retry() call against this run would succeed.
func (r *Run) CanRetry() bool {
	return r.State == StateFailed && r.RetryCount < r.MaxRetries
}

// NewRetryChild builds the QUEUED child run submitted by retry(); it does
// not mutate the parent and does not itself call submit().
func (r *Run) NewRetryChild() *Run {
	child := &Run{
		RunID:        NewRunID(),
		AgentName:    r.AgentName,
		SessionID:    r.SessionID,
		ParentRunID:  r.RunID,
		InputContent: r.InputContent,
		Priority:     r.Priority,
		State:        StateQueued,
		RetryCount:   r.RetryCount + 1,
		MaxRetries:   r.MaxRetries,
		CreatedAt:    time.Now(),
	}
	return child
}

// runJSON mirrors the original Python to_dict/from_dict shape: state and
// priority serialize as their string/int forms respectively, and zero
// timestamps are omitted rather than emitted as the Unix epoch.
type runJSON struct {
	RunID         string  `json:"run_id"`
	AgentName     string  `json:"agent_name"`
	SessionID     string  `json:"session_id,omitempty"`
	ParentRunID   string  `json:"parent_run_id,omitempty"`
	InputContent  string  `json:"input_content"`
	OutputContent string  `json:"output_content,omitempty"`
	Priority      int     `json:"priority"`
	State         string  `json:"state"`
	RetryCount    int     `json:"retry_count"`
	MaxRetries    int     `json:"max_retries"`
	Error         string  `json:"error,omitempty"`
	CreatedAt     float64 `json:"created_at"`
	StartedAt     float64 `json:"started_at,omitempty"`
	EndedAt       float64 `json:"ended_at,omitempty"`
}

func toEpoch(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func fromEpoch(f float64) time.Time {
	if f == 0 {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// MarshalJSON implements the to_dict shape from the original source.
func (r *Run) MarshalJSON() ([]byte, error) {
	return json.Marshal(runJSON{
		RunID:         r.RunID,
		AgentName:     r.AgentName,
		SessionID:     r.SessionID,
		ParentRunID:   r.ParentRunID,
		InputContent:  r.InputContent,
		OutputContent: r.OutputContent,
		Priority:      int(r.Priority),
		State:         string(r.State),
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
		Error:         r.Error,
		CreatedAt:     toEpoch(r.CreatedAt),
		StartedAt:     toEpoch(r.StartedAt),
		EndedAt:       toEpoch(r.EndedAt),
	})
}

// UnmarshalJSON implements the from_dict shape from the original source.
func (r *Run) UnmarshalJSON(data []byte) error {
	var j runJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	r.RunID = j.RunID
	r.AgentName = j.AgentName
	r.SessionID = j.SessionID
	r.ParentRunID = j.ParentRunID
	r.InputContent = j.InputContent
	r.OutputContent = j.OutputContent
	r.Priority = Priority(j.Priority)
	r.State = State(j.State)
	r.RetryCount = j.RetryCount
	r.MaxRetries = j.MaxRetries
	r.Error = j.Error
	r.CreatedAt = fromEpoch(j.CreatedAt)
	r.StartedAt = fromEpoch(j.StartedAt)
	r.EndedAt = fromEpoch(j.EndedAt)
	return nil
}
