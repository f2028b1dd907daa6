package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arcflow/agentqueue/run"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	agent_name TEXT NOT NULL,
	session_id TEXT NULL,
	parent_run_id TEXT NULL,
	input_content TEXT,
	output_content TEXT NULL,
	state TEXT NOT NULL,
	priority INT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 3,
	error TEXT NULL,
	created_at DOUBLE PRECISION NOT NULL,
	started_at DOUBLE PRECISION NULL,
	ended_at DOUBLE PRECISION NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs (state);
CREATE INDEX IF NOT EXISTS idx_runs_session_id ON runs (session_id);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs (created_at DESC);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NULL,
	state_json TEXT NULL,
	config_json TEXT NULL,
	updated_at DOUBLE PRECISION NOT NULL
);
`

// PostgresStore implements Store using a PostgreSQL backend via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool against connString.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Initialize creates the runs/sessions tables if missing.
func (s *PostgresStore) Initialize(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

func toEpoch(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return float64(t.UnixNano()) / 1e9
}

func fromEpochPtr(f *float64) time.Time {
	if f == nil {
		return time.Time{}
	}
	sec := int64(*f)
	nsec := int64((*f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// SaveRun upserts run by run_id.
func (s *PostgresStore) SaveRun(ctx context.Context, r *run.Run) error {
	query := `
		INSERT INTO runs (run_id, agent_name, session_id, parent_run_id, input_content, output_content,
			state, priority, retry_count, max_retries, error, created_at, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run_id) DO UPDATE SET
			agent_name = EXCLUDED.agent_name,
			session_id = EXCLUDED.session_id,
			parent_run_id = EXCLUDED.parent_run_id,
			input_content = EXCLUDED.input_content,
			output_content = EXCLUDED.output_content,
			state = EXCLUDED.state,
			priority = EXCLUDED.priority,
			retry_count = EXCLUDED.retry_count,
			max_retries = EXCLUDED.max_retries,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at
	`
	_, err := s.pool.Exec(ctx, query,
		r.RunID, r.AgentName, nullIfEmpty(r.SessionID), nullIfEmpty(r.ParentRunID), r.InputContent, r.OutputContent,
		string(r.State), int(r.Priority), r.RetryCount, r.MaxRetries, nullIfEmpty(r.Error),
		toEpoch(r.CreatedAt), toEpoch(r.StartedAt), toEpoch(r.EndedAt),
	)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

const runColumns = `run_id, agent_name, session_id, parent_run_id, input_content, output_content,
	state, priority, retry_count, max_retries, error, created_at, started_at, ended_at`

func scanRun(row interface {
	Scan(dest ...interface{}) error
}) (*run.Run, error) {
	var r run.Run
	var sessionID, parentRunID, errMsg *string
	var state string
	var priority int
	var createdAt float64
	var startedAt, endedAt *float64

	err := row.Scan(
		&r.RunID, &r.AgentName, &sessionID, &parentRunID, &r.InputContent, &r.OutputContent,
		&state, &priority, &r.RetryCount, &r.MaxRetries, &errMsg, &createdAt, &startedAt, &endedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if sessionID != nil {
		r.SessionID = *sessionID
	}
	if parentRunID != nil {
		r.ParentRunID = *parentRunID
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	r.State = run.State(state)
	r.Priority = run.Priority(priority)
	r.CreatedAt = fromEpochPtr(&createdAt)
	r.StartedAt = fromEpochPtr(startedAt)
	r.EndedAt = fromEpochPtr(endedAt)
	return &r, nil
}

// LoadRun returns the last persisted snapshot, or (nil, nil) if absent.
func (s *PostgresStore) LoadRun(ctx context.Context, runID string) (*run.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE run_id = $1`
	return scanRun(s.pool.QueryRow(ctx, query, runID))
}

// ListRuns returns runs matching filter ordered by created_at DESC.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*run.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []interface{}{}
	argN := 1

	if filter.State != nil {
		query += ` AND state = $` + itoa(argN)
		args = append(args, string(*filter.State))
		argN++
	}
	if filter.SessionID != nil {
		query += ` AND session_id = $` + itoa(argN)
		args = append(args, *filter.SessionID)
		argN++
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT $` + itoa(argN)
		args = append(args, filter.Limit)
		argN++
	}
	if filter.Offset > 0 {
		query += ` OFFSET $` + itoa(argN)
		args = append(args, filter.Offset)
		argN++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

// DeleteRun removes a run, reporting whether it existed.
func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE run_id = $1`, runID)
	if err != nil {
		return false, errors.Join(ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateRunState performs an in-place state transition.
func (s *PostgresStore) UpdateRunState(ctx context.Context, runID string, newState run.State, errMsg string) (bool, error) {
	var endedAt interface{}
	if newState.IsTerminal() {
		endedAt = toEpoch(time.Now())
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET state = $1, error = $2, ended_at = COALESCE($3, ended_at)
		WHERE run_id = $4
	`, string(newState), nullIfEmpty(errMsg), endedAt, runID)
	if err != nil {
		return false, errors.Join(ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

// LoadPendingRuns returns every run in an active state.
func (s *PostgresStore) LoadPendingRuns(ctx context.Context) ([]*run.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE state IN ('queued', 'paused', 'running') ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkInterruptedAsFailed moves every RUNNING row to FAILED.
func (s *PostgresStore) MarkInterruptedAsFailed(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET state = 'failed', error = 'Interrupted', ended_at = $1
		WHERE state = 'running'
	`, toEpoch(time.Now()))
	if err != nil {
		return 0, errors.Join(ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

// GetStats returns counts by state.
func (s *PostgresStore) GetStats(ctx context.Context) (run.QueueStatistics, error) {
	stats := run.QueueStatistics{ByAgent: map[string]int{}}

	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM runs GROUP BY state`)
	if err != nil {
		return stats, errors.Join(ErrStoreUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return stats, err
		}
		stats.TotalRuns += count
		switch run.State(state) {
		case run.StateQueued:
			stats.Queued = count
		case run.StateRunning:
			stats.Running = count
		case run.StatePaused:
			stats.Paused = count
		case run.StateSucceeded:
			stats.Succeeded = count
		case run.StateFailed:
			stats.Failed = count
		case run.StateCancelled:
			stats.Cancelled = count
		}
	}

	agentRows, err := s.pool.Query(ctx, `SELECT agent_name, COUNT(*) FROM runs GROUP BY agent_name`)
	if err != nil {
		return stats, errors.Join(ErrStoreUnavailable, err)
	}
	defer agentRows.Close()
	for agentRows.Next() {
		var agent string
		var count int
		if err := agentRows.Scan(&agent, &count); err != nil {
			return stats, err
		}
		stats.ByAgent[agent] = count
	}
	return stats, nil
}

// SaveSession upserts a session by session_id.
func (s *PostgresStore) SaveSession(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, user_id, state_json, config_json, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			state_json = EXCLUDED.state_json,
			config_json = EXCLUDED.config_json,
			updated_at = EXCLUDED.updated_at
	`, sess.SessionID, nullIfEmpty(sess.UserID), nullIfEmpty(sess.StateJSON), nullIfEmpty(sess.ConfigJSON), toEpoch(sess.UpdatedAt))
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// LoadSession returns the session, or (nil, nil) if absent.
func (s *PostgresStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	var userID, stateJSON, configJSON *string
	var updatedAt float64
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, state_json, config_json, updated_at FROM sessions WHERE session_id = $1
	`, sessionID).Scan(&sess.SessionID, &userID, &stateJSON, &configJSON, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	if userID != nil {
		sess.UserID = *userID
	}
	if stateJSON != nil {
		sess.StateJSON = *stateJSON
	}
	if configJSON != nil {
		sess.ConfigJSON = *configJSON
	}
	sess.UpdatedAt = fromEpochPtr(&updatedAt)
	return &sess, nil
}

// ListSessions returns every known session.
func (s *PostgresStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT session_id, user_id, state_json, config_json, updated_at FROM sessions`)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var userID, stateJSON, configJSON *string
		var updatedAt float64
		if err := rows.Scan(&sess.SessionID, &userID, &stateJSON, &configJSON, &updatedAt); err != nil {
			return nil, err
		}
		if userID != nil {
			sess.UserID = *userID
		}
		if stateJSON != nil {
			sess.StateJSON = *stateJSON
		}
		if configJSON != nil {
			sess.ConfigJSON = *configJSON
		}
		sess.UpdatedAt = fromEpochPtr(&updatedAt)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// CleanupOldRuns deletes terminal runs older than the given number of days.
func (s *PostgresStore) CleanupOldRuns(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM runs WHERE state IN ('succeeded', 'failed', 'cancelled') AND created_at < $1
	`, toEpoch(cutoff))
	if err != nil {
		return 0, errors.Join(ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}
