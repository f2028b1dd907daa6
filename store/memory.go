package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arcflow/agentqueue/run"
)

// MemoryStore is an in-memory Store implementation used by tests and by
// EnablePersistence=false configurations (spec §6.4).
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*run.Run
	sessions map[string]*Session
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*run.Run),
		sessions: make(map[string]*Session),
	}
}

// Initialize is a no-op for the in-memory backend.
func (s *MemoryStore) Initialize(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

// SaveRun upserts run by run_id, storing a defensive copy.
func (s *MemoryStore) SaveRun(ctx context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.RunID] = r.Clone()
	return nil
}

// LoadRun returns a copy of the last persisted snapshot.
func (s *MemoryStore) LoadRun(ctx context.Context, runID string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

// ListRuns returns runs matching filter ordered by created_at DESC.
func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*run.Run, 0, len(s.runs))
	for _, r := range s.runs {
		if filter.State != nil && r.State != *filter.State {
			continue
		}
		if filter.SessionID != nil && r.SessionID != *filter.SessionID {
			continue
		}
		matched = append(matched, r.Clone())
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*run.Run{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// DeleteRun removes a run, reporting whether it existed.
func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[runID]
	delete(s.runs, runID)
	return ok, nil
}

// UpdateRunState performs an in-place state transition.
func (s *MemoryStore) UpdateRunState(ctx context.Context, runID string, newState run.State, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, nil
	}
	r.State = newState
	r.Error = errMsg
	if newState.IsTerminal() {
		r.EndedAt = time.Now()
	}
	return true, nil
}

// LoadPendingRuns returns every run in an active state.
func (s *MemoryStore) LoadPendingRuns(ctx context.Context) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*run.Run
	for _, r := range s.runs {
		if r.State.IsActive() {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// MarkInterruptedAsFailed moves every RUNNING row to FAILED.
func (s *MemoryStore) MarkInterruptedAsFailed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	now := time.Now()
	for _, r := range s.runs {
		if r.State == run.StateRunning {
			r.State = run.StateFailed
			r.Error = "Interrupted"
			r.EndedAt = now
			count++
		}
	}
	return count, nil
}

// GetStats returns counts by state.
func (s *MemoryStore) GetStats(ctx context.Context) (run.QueueStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := run.QueueStatistics{ByAgent: map[string]int{}}
	for _, r := range s.runs {
		switch r.State {
		case run.StateQueued:
			stats.Queued++
		case run.StateRunning:
			stats.Running++
		case run.StatePaused:
			stats.Paused++
		case run.StateSucceeded:
			stats.Succeeded++
		case run.StateFailed:
			stats.Failed++
		case run.StateCancelled:
			stats.Cancelled++
		}
		stats.ByAgent[r.AgentName]++
	}
	stats.TotalRuns = len(s.runs)
	return stats, nil
}

// SaveSession upserts a session by session_id.
func (s *MemoryStore) SaveSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

// LoadSession returns a copy of the session, or (nil, nil) if absent.
func (s *MemoryStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

// ListSessions returns every known session.
func (s *MemoryStore) ListSessions(ctx context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	return out, nil
}

// CleanupOldRuns deletes terminal runs older than the given number of days.
func (s *MemoryStore) CleanupOldRuns(ctx context.Context, days int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -days)
	count := 0
	for id, r := range s.runs {
		if r.State.IsTerminal() && r.CreatedAt.Before(cutoff) {
			delete(s.runs, id)
			count++
		}
	}
	return count, nil
}
