package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/arcflow/agentqueue/run"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store over Redis. Runs are kept as JSON blobs
// keyed by run_id, with a few sorted/set indices maintained alongside
// so ListRuns/LoadPendingRuns/GetStats avoid a full key scan.
//
// This follows the same go-redis/v9 client-setup/Ping-on-construct
// pattern used elsewhere in this stack, repointed at the Run/Session
// schema (spec §6.3) instead of an Agent/Job/DesiredState domain.
type RedisStore struct {
	client *redis.Client
}

const (
	redisRunKeyPrefix     = "agentqueue:run:"
	redisSessionKeyPrefix = "agentqueue:session:"
	redisAllRunsKey       = "agentqueue:runs"        // sorted set, score=created_at unix
	redisStateSetPrefix   = "agentqueue:runs:state:" // set per State
	redisAllSessionsKey   = "agentqueue:sessions"
)

// NewRedisStore dials addr and pings it before returning, a
// fail-fast-on-construct behavior.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Initialize is a no-op; Redis requires no schema.
func (s *RedisStore) Initialize(ctx context.Context) error { return nil }

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }

func runKey(runID string) string         { return redisRunKeyPrefix + runID }
func stateSetKey(state run.State) string { return redisStateSetPrefix + string(state) }

// SaveRun upserts the run blob and keeps the created_at index and
// per-state set membership in sync with the new snapshot.
func (s *RedisStore) SaveRun(ctx context.Context, r *run.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal run: %w", err)
	}

	prev, err := s.LoadRun(ctx, r.RunID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKey(r.RunID), data, 0)
	pipe.ZAdd(ctx, redisAllRunsKey, redis.Z{Score: float64(r.CreatedAt.Unix()), Member: r.RunID})
	if prev != nil && prev.State != r.State {
		pipe.SRem(ctx, stateSetKey(prev.State), r.RunID)
	}
	pipe.SAdd(ctx, stateSetKey(r.State), r.RunID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: save run: %w", err)
	}
	return nil
}

// LoadRun returns the last persisted snapshot, or (nil, nil) if absent.
func (s *RedisStore) LoadRun(ctx context.Context, runID string) (*run.Run, error) {
	data, err := s.client.Get(ctx, runKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load run: %w", err)
	}
	var r run.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("store: unmarshal run: %w", err)
	}
	return &r, nil
}

// ListRuns returns runs matching filter ordered by created_at DESC.
// Redis has no query planner, so this loads the candidate id set via
// the state/created_at indices and filters/sorts/pages in process.
func (s *RedisStore) ListRuns(ctx context.Context, filter RunFilter) ([]*run.Run, error) {
	var ids []string
	var err error
	if filter.State != nil {
		ids, err = s.client.SMembers(ctx, stateSetKey(*filter.State)).Result()
	} else {
		ids, err = s.client.ZRevRange(ctx, redisAllRunsKey, 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}

	matched := make([]*run.Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.LoadRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if r == nil {
			continue
		}
		if filter.SessionID != nil && r.SessionID != *filter.SessionID {
			continue
		}
		matched = append(matched, r)
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

// DeleteRun removes a run and its index entries, reporting whether it
// existed.
func (s *RedisStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	r, err := s.LoadRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if r == nil {
		return false, nil
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, runKey(runID))
	pipe.ZRem(ctx, redisAllRunsKey, runID)
	pipe.SRem(ctx, stateSetKey(r.State), runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("store: delete run: %w", err)
	}
	return true, nil
}

// UpdateRunState performs a read-modify-write state transition,
// setting ended_at iff newState is terminal.
func (s *RedisStore) UpdateRunState(ctx context.Context, runID string, newState run.State, errMsg string) (bool, error) {
	r, err := s.LoadRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if r == nil {
		return false, nil
	}
	r.State = newState
	r.Error = errMsg
	if newState.IsTerminal() {
		r.EndedAt = time.Now()
	}
	if err := s.SaveRun(ctx, r); err != nil {
		return false, err
	}
	return true, nil
}

// LoadPendingRuns returns every run in an active state.
func (s *RedisStore) LoadPendingRuns(ctx context.Context) ([]*run.Run, error) {
	var out []*run.Run
	for _, st := range []run.State{run.StateQueued, run.StatePaused, run.StateRunning} {
		ids, err := s.client.SMembers(ctx, stateSetKey(st)).Result()
		if err != nil {
			return nil, fmt.Errorf("store: load pending runs: %w", err)
		}
		for _, id := range ids {
			r, err := s.LoadRun(ctx, id)
			if err != nil {
				return nil, err
			}
			if r != nil && r.State.IsActive() {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// MarkInterruptedAsFailed moves every RUNNING row to FAILED with one
// UpdateRunState call per run. The batch is not atomic: an error stops
// it part-way and returns the count moved so far.
func (s *RedisStore) MarkInterruptedAsFailed(ctx context.Context) (int, error) {
	ids, err := s.client.SMembers(ctx, stateSetKey(run.StateRunning)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: mark interrupted: %w", err)
	}
	count := 0
	for _, id := range ids {
		ok, err := s.UpdateRunState(ctx, id, run.StateFailed, "Interrupted")
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// GetStats returns counts by state and by agent_name.
func (s *RedisStore) GetStats(ctx context.Context) (run.QueueStatistics, error) {
	stats := run.QueueStatistics{ByAgent: map[string]int{}}

	states := map[run.State]*int{
		run.StateQueued:    &stats.Queued,
		run.StateRunning:   &stats.Running,
		run.StatePaused:    &stats.Paused,
		run.StateSucceeded: &stats.Succeeded,
		run.StateFailed:    &stats.Failed,
		run.StateCancelled: &stats.Cancelled,
	}
	for st, counter := range states {
		n, err := s.client.SCard(ctx, stateSetKey(st)).Result()
		if err != nil {
			return stats, fmt.Errorf("store: get stats: %w", err)
		}
		*counter = int(n)
	}

	ids, err := s.client.ZRange(ctx, redisAllRunsKey, 0, -1).Result()
	if err != nil {
		return stats, fmt.Errorf("store: get stats: %w", err)
	}
	stats.TotalRuns = len(ids)
	for _, id := range ids {
		r, err := s.LoadRun(ctx, id)
		if err != nil {
			return stats, err
		}
		if r != nil {
			stats.ByAgent[r.AgentName]++
		}
	}
	return stats, nil
}

func sessionKey(sessionID string) string { return redisSessionKeyPrefix + sessionID }

// SaveSession upserts a Session by session_id.
func (s *RedisStore) SaveSession(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.SessionID), data, 0)
	pipe.SAdd(ctx, redisAllSessionsKey, sess.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	return nil
}

// LoadSession returns the session, or (nil, nil) if absent.
func (s *RedisStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("store: unmarshal session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns every known session.
func (s *RedisStore) ListSessions(ctx context.Context) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, redisAllSessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.LoadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			out = append(out, sess)
		}
	}
	return out, nil
}

// CleanupOldRuns deletes terminal runs older than the given number of
// days, scanning the created_at sorted set up to the cutoff score.
func (s *RedisStore) CleanupOldRuns(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	ids, err := s.client.ZRangeByScore(ctx, redisAllRunsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("store: cleanup old runs: %w", err)
	}

	count := 0
	for _, id := range ids {
		r, err := s.LoadRun(ctx, id)
		if err != nil {
			return count, err
		}
		if r != nil && r.State.IsTerminal() {
			if ok, err := s.DeleteRun(ctx, id); err != nil {
				return count, err
			} else if ok {
				count++
			}
		}
	}
	return count, nil
}
