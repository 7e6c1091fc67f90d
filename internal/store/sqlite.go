package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/gogo/reports/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if !memory {
		dsn = withFileDefaults(dsn)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	// Shared cache locks at table level and SQLITE_LOCKED is never retried by
	// the busy timeout, so a shared-cache file database gets one connection too.
	if memory || strings.Contains(dsn, "cache=shared") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// fileDefaults are applied to file databases unless the DSN sets them. WAL
// lets stream readers run alongside appends, and immediate transactions take
// the write lock up front so concurrent writers wait on the busy timeout.
var fileDefaults = [][2]string{
	{"_busy_timeout", "5000"},
	{"_journal_mode", "WAL"},
	{"_txlock", "immediate"},
}

func withFileDefaults(dsn string) string {
	for _, kv := range fileDefaults {
		if strings.Contains(dsn, kv[0]+"=") {
			continue
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + kv[0] + "=" + kv[1]
	}
	return dsn
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_type TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT NOT NULL,
			error TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_agent_created ON runs(agent_type, created_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			step_order INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			error TEXT,
			UNIQUE (run_id, step_order),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			payload TEXT,
			ts INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts the run and its pre-declared steps (orders 1..N) atomically.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run, stepNames []string) ([]domain.Step, error) {
	if len(stepNames) == 0 {
		return nil, fmt.Errorf("run requires at least one step")
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	if run.Status == "" {
		run.Status = domain.RunStatusPending
	}
	input := string(run.Input)
	if input == "" {
		input = "{}"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (agent_type, status, input, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		run.AgentType, run.Status, input, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	steps := make([]domain.Step, 0, len(stepNames))
	for i, name := range stepNames {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO steps (run_id, step_name, step_order, status) VALUES (?, ?, ?, ?)`,
			runID, name, i+1, domain.StepStatusPending)
		if err != nil {
			return nil, fmt.Errorf("failed to insert step %s: %w", name, err)
		}
		stepID, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		steps = append(steps, domain.Step{
			ID:        stepID,
			RunID:     runID,
			StepName:  name,
			StepOrder: i + 1,
			Status:    domain.StepStatusPending,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run: %w", err)
	}
	run.ID = runID
	return steps, nil
}

const runColumns = `id, agent_type, status, input, error, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var input, errMsg sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.AgentType, &run.Status, &input, &errMsg, &run.CreatedAt, &run.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	if input.Valid {
		run.Input = json.RawMessage(input.String)
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID int64) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns lists the most recent runs, optionally filtered by agent type.
func (s *SQLiteStore) ListRuns(ctx context.Context, agentType domain.AgentType, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []interface{}{}
	if agentType != "" {
		query += ` WHERE agent_type = ?`
		args = append(args, agentType)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRuns(ctx, query, args...)
}

// ListUnfinishedRuns lists PENDING/RUNNING runs created before the cutoff.
func (s *SQLiteStore) ListUnfinishedRuns(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE status IN (?, ?) AND created_at < ? ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRuns(ctx, query, domain.RunStatusPending, domain.RunStatusRunning, createdBefore.UTC())
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// MarkRunRunning moves a PENDING run to RUNNING.
func (s *SQLiteStore) MarkRunRunning(ctx context.Context, runID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		domain.RunStatusRunning, time.Now().UTC(), runID, domain.RunStatusPending)
	return affected(res, err)
}

// CompleteRun moves a non-terminal run to a terminal status and sets completed_at.
func (s *SQLiteStore) CompleteRun(ctx context.Context, runID int64, status domain.RunStatus, errMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		status, nullString(errMsg), now, now, runID, domain.RunStatusPending, domain.RunStatusRunning)
	return affected(res, err)
}

// ListSteps returns a run's steps ordered by step_order.
func (s *SQLiteStore) ListSteps(ctx context.Context, runID int64) ([]domain.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_name, step_order, status, started_at, completed_at, error FROM steps WHERE run_id = ? ORDER BY step_order ASC`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		var step domain.Step
		var startedAt, completedAt sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&step.ID, &step.RunID, &step.StepName, &step.StepOrder, &step.Status, &startedAt, &completedAt, &errMsg); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			step.CompletedAt = &completedAt.Time
		}
		if errMsg.Valid {
			step.Error = errMsg.String
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// StartStep moves a PENDING step to RUNNING, but only while the run is not
// terminal and once every lower-order step of the run is COMPLETED.
func (s *SQLiteStore) StartStep(ctx context.Context, runID int64, stepOrder int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, started_at = ?
		 WHERE run_id = ? AND step_order = ? AND status = ?
		   AND EXISTS (
		     SELECT 1 FROM runs WHERE id = ? AND status IN (?, ?)
		   )
		   AND NOT EXISTS (
		     SELECT 1 FROM steps prev
		     WHERE prev.run_id = ? AND prev.step_order < ? AND prev.status != ?
		   )`,
		domain.StepStatusRunning, time.Now().UTC(), runID, stepOrder, domain.StepStatusPending,
		runID, domain.RunStatusPending, domain.RunStatusRunning,
		runID, stepOrder, domain.StepStatusCompleted)
	return affected(res, err)
}

// FinishStep moves a RUNNING step to COMPLETED or FAILED.
func (s *SQLiteStore) FinishStep(ctx context.Context, runID int64, stepOrder int, status domain.StepStatus, errMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("step status %s is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, error = ?, completed_at = ? WHERE run_id = ? AND step_order = ? AND status = ?`,
		status, nullString(errMsg), time.Now().UTC(), runID, stepOrder, domain.StepStatusRunning)
	return affected(res, err)
}

// FailRunningSteps marks any RUNNING step of the run as FAILED.
func (s *SQLiteStore) FailRunningSteps(ctx context.Context, runID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, error = ?, completed_at = ? WHERE run_id = ? AND status = ?`,
		domain.StepStatusFailed, nullString(errMsg), time.Now().UTC(), runID, domain.StepStatusRunning)
	return err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// AppendEvent inserts the event with seq = MAX(seq)+1 for the run. The
// sequence is computed inside the insert statement so it is assigned under
// SQLite's write lock.
func (s *SQLiteStore) AppendEvent(ctx context.Context, runID int64, ev *domain.Event) error {
	return appendEvent(ctx, s.db, runID, ev)
}

func appendEvent(ctx context.Context, q queryRower, runID int64, ev *domain.Event) error {
	if ev.ID == "" || ev.Type == "" {
		return fmt.Errorf("event id and type are required")
	}
	now := time.Now().UTC()
	var seq int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO events (run_id, seq, event_id, type, payload, ts, created_at)
		 SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ? FROM events WHERE run_id = ?
		 RETURNING seq`,
		runID, ev.ID, ev.Type, nullStringBytes(ev.Data), ev.Timestamp, now, runID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	ev.Seq = seq
	ev.RunID = runID
	ev.CreatedAt = now
	return nil
}

// FinishRun moves a non-terminal run to status and appends its terminal event
// in one transaction. Nothing is written when the run is already terminal.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID int64, status domain.RunStatus, errMsg string, ev *domain.Event) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	ok, err := affected(tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		status, nullString(errMsg), now, now, runID, domain.RunStatusPending, domain.RunStatusRunning))
	if err != nil {
		return false, fmt.Errorf("failed to update run: %w", err)
	}
	if !ok {
		return false, nil
	}
	if ev != nil {
		if err := appendEvent(ctx, tx, runID, ev); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit run status: %w", err)
	}
	return true, nil
}

// ListEvents retrieves events for a run after the given sequence id.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID int64, afterSeq int64, limit int) ([]domain.Event, error) {
	query := `SELECT run_id, seq, event_id, type, payload, ts, created_at FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var payload sql.NullString
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.ID, &ev.Type, &payload, &ev.Timestamp, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			ev.Data = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastEventSeq returns the highest sequence id for a run.
func (s *SQLiteStore) LastEventSeq(ctx context.Context, runID int64) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id = ?`, runID).Scan(&seq)
	return seq, err
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
