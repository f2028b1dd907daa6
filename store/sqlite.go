package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/arcflow/agentqueue/run"
)

// sqliteSchema mirrors postgresSchema with SQLite's looser typing
// (REAL instead of DOUBLE PRECISION, no partial-index syntax needed).
// golang-migrate has no pure-Go driver pairing with modernc.org/sqlite
// (its sqlite3 driver needs cgo via mattn/go-sqlite3), so the default
// backend applies its schema directly instead of through a migration
// runner; golang-migrate is reserved for the Postgres path, which has
// a clean pgx/v5-based driver.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	agent_name TEXT NOT NULL,
	session_id TEXT,
	parent_run_id TEXT,
	input_content TEXT,
	output_content TEXT,
	state TEXT NOT NULL,
	priority INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	error TEXT,
	created_at REAL NOT NULL,
	started_at REAL,
	ended_at REAL
);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs (state);
CREATE INDEX IF NOT EXISTS idx_runs_session_id ON runs (session_id);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs (created_at DESC);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_id TEXT,
	state_json TEXT,
	config_json TEXT,
	updated_at REAL NOT NULL
);
`

// SQLiteStore is the default Store backend (spec §6.4: EnablePersistence
// defaults to a local file at DBPath). It is grounded on the same raw-SQL
// shape as PostgresStore, reusing sqlx for scanning convenience since
// pgx's row interface isn't available over database/sql.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (creating if absent) the SQLite file at path.
// "file::memory:?cache=shared" is accepted for ephemeral/test use.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Initialize applies the schema; safe to call on every process start.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

type sqliteRunRow struct {
	RunID         string   `db:"run_id"`
	AgentName     string   `db:"agent_name"`
	SessionID     *string  `db:"session_id"`
	ParentRunID   *string  `db:"parent_run_id"`
	InputContent  string   `db:"input_content"`
	OutputContent string   `db:"output_content"`
	State         string   `db:"state"`
	Priority      int      `db:"priority"`
	RetryCount    int      `db:"retry_count"`
	MaxRetries    int      `db:"max_retries"`
	Error         *string  `db:"error"`
	CreatedAt     float64  `db:"created_at"`
	StartedAt     *float64 `db:"started_at"`
	EndedAt       *float64 `db:"ended_at"`
}

func (row sqliteRunRow) toRun() *run.Run {
	r := &run.Run{
		RunID:         row.RunID,
		AgentName:     row.AgentName,
		InputContent:  row.InputContent,
		OutputContent: row.OutputContent,
		State:         run.State(row.State),
		Priority:      run.Priority(row.Priority),
		RetryCount:    row.RetryCount,
		MaxRetries:    row.MaxRetries,
		CreatedAt:     fromEpochPtr(&row.CreatedAt),
		StartedAt:     fromEpochPtr(row.StartedAt),
		EndedAt:       fromEpochPtr(row.EndedAt),
	}
	if row.SessionID != nil {
		r.SessionID = *row.SessionID
	}
	if row.ParentRunID != nil {
		r.ParentRunID = *row.ParentRunID
	}
	if row.Error != nil {
		r.Error = *row.Error
	}
	return r
}

func epochOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return float64(t.UnixNano()) / 1e9
}

// SaveRun upserts run by run_id.
func (s *SQLiteStore) SaveRun(ctx context.Context, r *run.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, agent_name, session_id, parent_run_id, input_content, output_content,
			state, priority, retry_count, max_retries, error, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			agent_name = excluded.agent_name,
			session_id = excluded.session_id,
			parent_run_id = excluded.parent_run_id,
			input_content = excluded.input_content,
			output_content = excluded.output_content,
			state = excluded.state,
			priority = excluded.priority,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			error = excluded.error,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`,
		r.RunID, r.AgentName, nullIfEmpty(r.SessionID), nullIfEmpty(r.ParentRunID), r.InputContent, r.OutputContent,
		string(r.State), int(r.Priority), r.RetryCount, r.MaxRetries, nullIfEmpty(r.Error),
		epochOrNil(r.CreatedAt), epochOrNil(r.StartedAt), epochOrNil(r.EndedAt),
	)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

const sqliteRunColumns = `run_id, agent_name, session_id, parent_run_id, input_content, output_content,
	state, priority, retry_count, max_retries, error, created_at, started_at, ended_at`

// LoadRun returns the last persisted snapshot, or (nil, nil) if absent.
func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) (*run.Run, error) {
	var row sqliteRunRow
	err := s.db.GetContext(ctx, &row, `SELECT `+sqliteRunColumns+` FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return row.toRun(), nil
}

// ListRuns returns runs matching filter ordered by created_at DESC.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*run.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []interface{}

	if filter.State != nil {
		query += ` AND state = ?`
		args = append(args, string(*filter.State))
	}
	if filter.SessionID != nil {
		query += ` AND session_id = ?`
		args = append(args, *filter.SessionID)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 || filter.Offset > 0 {
		// SQLite accepts OFFSET only after LIMIT; a negative LIMIT means
		// no limit.
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	var rows []sqliteRunRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	out := make([]*run.Run, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRun())
	}
	return out, nil
}

// DeleteRun removes a run, reporting whether it existed.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return false, errors.Join(ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateRunState performs an in-place state transition.
func (s *SQLiteStore) UpdateRunState(ctx context.Context, runID string, newState run.State, errMsg string) (bool, error) {
	var endedAt interface{}
	if newState.IsTerminal() {
		endedAt = epochOrNil(time.Now())
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, error = ?, ended_at = COALESCE(?, ended_at)
		WHERE run_id = ?
	`, string(newState), nullIfEmpty(errMsg), endedAt, runID)
	if err != nil {
		return false, errors.Join(ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LoadPendingRuns returns every run in an active state.
func (s *SQLiteStore) LoadPendingRuns(ctx context.Context) ([]*run.Run, error) {
	var rows []sqliteRunRow
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE state IN ('queued', 'paused', 'running') ORDER BY created_at ASC`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	out := make([]*run.Run, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRun())
	}
	return out, nil
}

// MarkInterruptedAsFailed moves every RUNNING row to FAILED.
func (s *SQLiteStore) MarkInterruptedAsFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = 'failed', error = 'Interrupted', ended_at = ?
		WHERE state = 'running'
	`, epochOrNil(time.Now()))
	if err != nil {
		return 0, errors.Join(ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetStats returns counts by state and by agent_name.
func (s *SQLiteStore) GetStats(ctx context.Context) (run.QueueStatistics, error) {
	stats := run.QueueStatistics{ByAgent: map[string]int{}}

	type stateCount struct {
		State string `db:"state"`
		Count int    `db:"count"`
	}
	var stateCounts []stateCount
	if err := s.db.SelectContext(ctx, &stateCounts, `SELECT state, COUNT(*) AS count FROM runs GROUP BY state`); err != nil {
		return stats, errors.Join(ErrStoreUnavailable, err)
	}
	for _, sc := range stateCounts {
		stats.TotalRuns += sc.Count
		switch run.State(sc.State) {
		case run.StateQueued:
			stats.Queued = sc.Count
		case run.StateRunning:
			stats.Running = sc.Count
		case run.StatePaused:
			stats.Paused = sc.Count
		case run.StateSucceeded:
			stats.Succeeded = sc.Count
		case run.StateFailed:
			stats.Failed = sc.Count
		case run.StateCancelled:
			stats.Cancelled = sc.Count
		}
	}

	type agentCount struct {
		AgentName string `db:"agent_name"`
		Count     int    `db:"count"`
	}
	var agentCounts []agentCount
	if err := s.db.SelectContext(ctx, &agentCounts, `SELECT agent_name, COUNT(*) AS count FROM runs GROUP BY agent_name`); err != nil {
		return stats, errors.Join(ErrStoreUnavailable, err)
	}
	for _, ac := range agentCounts {
		stats.ByAgent[ac.AgentName] = ac.Count
	}
	return stats, nil
}

type sqliteSessionRow struct {
	SessionID  string  `db:"session_id"`
	UserID     *string `db:"user_id"`
	StateJSON  *string `db:"state_json"`
	ConfigJSON *string `db:"config_json"`
	UpdatedAt  float64 `db:"updated_at"`
}

func (row sqliteSessionRow) toSession() *Session {
	sess := &Session{
		SessionID: row.SessionID,
		UpdatedAt: fromEpochPtr(&row.UpdatedAt),
	}
	if row.UserID != nil {
		sess.UserID = *row.UserID
	}
	if row.StateJSON != nil {
		sess.StateJSON = *row.StateJSON
	}
	if row.ConfigJSON != nil {
		sess.ConfigJSON = *row.ConfigJSON
	}
	return sess
}

// SaveSession upserts a session by session_id.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, state_json, config_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = excluded.user_id,
			state_json = excluded.state_json,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at
	`, sess.SessionID, nullIfEmpty(sess.UserID), nullIfEmpty(sess.StateJSON), nullIfEmpty(sess.ConfigJSON), epochOrNil(sess.UpdatedAt))
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// LoadSession returns the session, or (nil, nil) if absent.
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	var row sqliteSessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT session_id, user_id, state_json, config_json, updated_at FROM sessions WHERE session_id = ?
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return row.toSession(), nil
}

// ListSessions returns every known session.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	var rows []sqliteSessionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT session_id, user_id, state_json, config_json, updated_at FROM sessions`); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	out := make([]*Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toSession())
	}
	return out, nil
}

// CleanupOldRuns deletes terminal runs older than the given number of days.
func (s *SQLiteStore) CleanupOldRuns(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE state IN ('succeeded', 'failed', 'cancelled') AND created_at < ?
	`, epochOrNil(cutoff))
	if err != nil {
		return 0, errors.Join(ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
