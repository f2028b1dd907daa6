// Package store implements the Persistence Store: the durable,
// queryable record of Runs and Sessions that the Scheduler Core treats
// as the source of truth for crash recovery (spec §4.1, §6.3).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/arcflow/agentqueue/run"
)

// ErrStoreUnavailable is returned when the backing store cannot serve a
// request (connection loss, backend down). Per spec §7 it is fatal to
// an in-flight submission and a logged warning on later transitions.
var ErrStoreUnavailable = errors.New("store: unavailable")

// RunFilter composes optional AND-ed filters for ListRuns.
type RunFilter struct {
	State     *run.State
	SessionID *string
	Limit     int
	Offset    int
}

// Session is the persisted record backing session_id-scoped state
// (spec §3.1 Session Record); StateJSON/ConfigJSON are opaque payloads
// the store never interprets.
type Session struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"`
	StateJSON  string    `json:"state_json,omitempty"`
	ConfigJSON string    `json:"config_json,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is the durable record of Runs and Sessions (spec §4.1).
// Implementations must serialize writes to the same run_id and must
// never block holding any lock the Scheduler Core also holds.
type Store interface {
	// Initialize creates any missing schema elements; safe to call on
	// every process start.
	Initialize(ctx context.Context) error

	// SaveRun upserts run by run_id, overwriting all mutable fields.
	SaveRun(ctx context.Context, r *run.Run) error

	// LoadRun returns the last persisted snapshot, or (nil, nil) if absent.
	LoadRun(ctx context.Context, runID string) (*run.Run, error)

	// ListRuns returns runs matching filter ordered by created_at DESC.
	ListRuns(ctx context.Context, filter RunFilter) ([]*run.Run, error)

	// DeleteRun reports whether a row existed and was removed.
	DeleteRun(ctx context.Context, runID string) (bool, error)

	// UpdateRunState performs an in-place state transition, setting
	// ended_at iff newState is terminal. Reports whether a row existed.
	UpdateRunState(ctx context.Context, runID string, newState run.State, errMsg string) (bool, error)

	// LoadPendingRuns returns every run in an active state, used for
	// recovery (QUEUED and PAUSED are re-queued; RUNNING is handled by
	// MarkInterruptedAsFailed first).
	LoadPendingRuns(ctx context.Context) ([]*run.Run, error)

	// MarkInterruptedAsFailed atomically moves every RUNNING row to
	// FAILED with error="Interrupted" and ended_at=now. Called exactly
	// once on startup, before LoadPendingRuns. Returns the row count
	// affected.
	MarkInterruptedAsFailed(ctx context.Context) (int, error)

	// GetStats returns counts by state; TotalRuns is the row count.
	GetStats(ctx context.Context) (run.QueueStatistics, error)

	// SaveSession upserts a Session by session_id.
	SaveSession(ctx context.Context, s *Session) error

	// LoadSession returns the session, or (nil, nil) if absent.
	LoadSession(ctx context.Context, sessionID string) (*Session, error)

	// ListSessions returns every known session.
	ListSessions(ctx context.Context) ([]*Session, error)

	// CleanupOldRuns deletes terminal runs older than the given number
	// of days, returning the count removed.
	CleanupOldRuns(ctx context.Context, days int) (int, error)

	// Close releases backend resources (connection pools, file handles).
	Close() error
}
