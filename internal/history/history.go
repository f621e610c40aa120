// Package history keeps an audit trail of pipeline runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// History records run outcomes.
type History struct {
	db     *sql.DB
	ownsDB bool
	now    func() time.Time
}

// Open opens (or creates) a history database at dbPath.
func Open(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	h.ownsDB = true
	return h, nil
}

// New uses an already open database, such as the record store's.
func New(db *sql.DB) (*History, error) {
	h := &History{db: db, now: time.Now}
	if err := h.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return h, nil
}

// Close closes the database connection if History opened it.
func (h *History) Close() error {
	if !h.ownsDB {
		return nil
	}
	return h.db.Close()
}

func (h *History) initSchema() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			deployment_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_seconds REAL,
			error_message TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = h.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_runs_deployment
		ON runs(deployment_id, id DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Start inserts an in-progress run and returns its id.
func (h *History) Start(ctx context.Context, rec RunRecord) (int64, error) {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = h.now()
	}
	rec.Status = StatusInProgress
	return h.insert(ctx, rec)
}

// Finish closes a run started with Start.
func (h *History) Finish(ctx context.Context, id int64, status RunStatus, runErr error) error {
	var startedAtStr string
	err := h.db.QueryRowContext(ctx, `SELECT started_at FROM runs WHERE id = ?`, id).Scan(&startedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	startedAt, err := time.Parse(time.RFC3339Nano, startedAtStr)
	if err != nil {
		return fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}

	completedAt := h.now().UTC()
	duration := completedAt.Sub(startedAt).Seconds()
	_, err = h.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, completed_at = ?, duration_seconds = ?, error_message = ?
		WHERE id = ?
	`, string(status), completedAt.Format(time.RFC3339Nano), duration, errorMessage(runErr), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// Record inserts a run that is already complete, such as a rejected attempt.
func (h *History) Record(ctx context.Context, rec RunRecord) (int64, error) {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = h.now()
	}
	if rec.CompletedAt == nil {
		completed := rec.StartedAt
		rec.CompletedAt = &completed
	}
	return h.insert(ctx, rec)
}

func (h *History) insert(ctx context.Context, rec RunRecord) (int64, error) {
	var completedAt *string
	if rec.CompletedAt != nil {
		formatted := rec.CompletedAt.UTC().Format(time.RFC3339Nano)
		completedAt = &formatted
	}

	result, err := h.db.ExecContext(ctx, `
		INSERT INTO runs
		(deployment_id, workspace_id, kind, status, actor, version,
		 started_at, completed_at, duration_seconds, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.DeploymentID,
		rec.WorkspaceID,
		string(rec.Kind),
		string(rec.Status),
		rec.Actor,
		rec.Version,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		completedAt,
		rec.DurationSeconds,
		rec.ErrorMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

const runColumns = `id, deployment_id, workspace_id, kind, status, actor, version,
	started_at, completed_at, duration_seconds, error_message`

// Latest returns the most recent run of a deployment, or nil.
func (h *History) Latest(ctx context.Context, deploymentID string) (*RunRecord, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE deployment_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, deploymentID)

	rec, err := scanRunRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}
	return rec, nil
}

// List returns up to limit runs of a deployment, newest first.
func (h *History) List(ctx context.Context, deploymentID string, limit int) ([]RunRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE deployment_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, deploymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		rec, err := scanRunRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

// CountByStatus tallies runs of one kind by outcome.
func (h *History) CountByStatus(ctx context.Context, kind RunKind) (map[RunStatus]int, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM runs WHERE kind = ? GROUP BY status
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[RunStatus(status)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRunRecord(s scanner) (*RunRecord, error) {
	var rec RunRecord
	var kind, status, startedAtStr string
	var completedAtStr, errMsg sql.NullString
	var duration sql.NullFloat64

	err := s.Scan(
		&rec.ID,
		&rec.DeploymentID,
		&rec.WorkspaceID,
		&kind,
		&status,
		&rec.Actor,
		&rec.Version,
		&startedAtStr,
		&completedAtStr,
		&duration,
		&errMsg,
	)
	if err != nil {
		return nil, err
	}
	rec.Kind = RunKind(kind)
	rec.Status = RunStatus(status)

	startedAt, err := time.Parse(time.RFC3339Nano, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	rec.StartedAt = startedAt

	if completedAtStr.Valid {
		completedAt, err := time.Parse(time.RFC3339Nano, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
		}
		rec.CompletedAt = &completedAt
	}
	if duration.Valid {
		rec.DurationSeconds = &duration.Float64
	}
	if errMsg.Valid {
		rec.ErrorMessage = &errMsg.String
	}
	return &rec, nil
}

func errorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}
