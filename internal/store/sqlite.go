package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"deplight/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

const timeLayout = time.RFC3339Nano

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
	hub *watchHub
}

// OpenSQLite opens the database at dsn and runs all pending migrations.
// Use ":memory:" for an in-memory database.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single writer; also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, now: time.Now, hub: newWatchHub()}, nil
}

// DB exposes the underlying handle so the run history can share it.
func (s *SQLite) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateWorkspace(ctx context.Context, w model.Workspace) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, created_at) VALUES (?, ?, ?)`,
		w.ID, w.Name, w.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("workspace %q: %w", w.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("insert workspace: %w", err)
	}
	for _, member := range w.Members {
		if err := insertMember(ctx, tx, w.ID, member, w.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertMember(ctx context.Context, tx *sql.Tx, workspaceID, identity string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO workspace_members (workspace_id, identity, added_at) VALUES (?, ?, ?)`,
		workspaceID, identity, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (s *SQLite) GetWorkspace(ctx context.Context, id string) (model.Workspace, error) {
	var w model.Workspace
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM workspaces WHERE id = ?`, id,
	).Scan(&w.ID, &w.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Workspace{}, fmt.Errorf("workspace %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Workspace{}, fmt.Errorf("query workspace: %w", err)
	}
	if w.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return model.Workspace{}, fmt.Errorf("parse created_at: %w", err)
	}
	if w.Members, err = s.members(ctx, id); err != nil {
		return model.Workspace{}, err
	}
	return w, nil
}

func (s *SQLite) members(ctx context.Context, workspaceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity FROM workspace_members WHERE workspace_id = ? ORDER BY added_at, identity`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, identity)
	}
	return members, rows.Err()
}

func (s *SQLite) ListWorkspaces(ctx context.Context) ([]model.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM workspaces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Workspace, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorkspace(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *SQLite) AddMember(ctx context.Context, workspaceID, identity string) error {
	if _, err := s.GetWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := insertMember(ctx, tx, workspaceID, identity, s.now()); err != nil {
		return err
	}
	return tx.Commit()
}

const deploymentColumns = `id, workspace_id, version, description, git_url, branch, created_by,
	status, pipeline_steps, reactions, ai_insight, ci_run_url, created_at, updated_at`

func (s *SQLite) CreateDeployment(ctx context.Context, d model.Deployment) error {
	now := s.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	args, err := deploymentArgs(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plants (`+deploymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deployment %q: %w", d.ID, model.ErrAlreadyExists)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("deployment %q: workspace %q: %w", d.ID, d.WorkspaceID, model.ErrNotFound)
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	s.hub.notify(d.WorkspaceID)
	return nil
}

func (s *SQLite) GetDeployment(ctx context.Context, id string) (model.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM plants WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Deployment{}, fmt.Errorf("deployment %q: %w", id, model.ErrNotFound)
	}
	return d, err
}

func (s *SQLite) ListDeployments(ctx context.Context, filter Filter) ([]model.Deployment, error) {
	var where []string
	var args []any
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	query := `SELECT ` + deploymentColumns + ` FROM plants`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []model.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		// UpdatedBefore is applied on parsed times; text comparison would
		// depend on the fractional-second width.
		if filter.Match(d) {
			out = append(out, d)
		}
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateDeployment(ctx context.Context, id string, mutate func(*model.Deployment) error) (model.Deployment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Deployment{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	current, err := scanDeployment(tx.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM plants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Deployment{}, fmt.Errorf("deployment %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Deployment{}, err
	}

	next := current.Clone()
	if err := mutate(&next); err != nil {
		return current, err
	}
	next.ID = current.ID
	next.WorkspaceID = current.WorkspaceID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = s.now().UTC()

	steps, err := json.Marshal(next.PipelineSteps)
	if err != nil {
		return model.Deployment{}, fmt.Errorf("marshal pipeline steps: %w", err)
	}
	reactions, err := json.Marshal(nonNil(next.Reactions))
	if err != nil {
		return model.Deployment{}, fmt.Errorf("marshal reactions: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE plants
		 SET version = ?, description = ?, git_url = ?, branch = ?, created_by = ?, status = ?,
		     pipeline_steps = ?, reactions = ?, ai_insight = ?, ci_run_url = ?, updated_at = ?
		 WHERE id = ?`,
		next.Version, next.Description, next.GitURL, next.Branch, next.CreatedBy, string(next.Status),
		string(steps), string(reactions), nullableString(next.AIInsight), next.CIRunURL,
		next.UpdatedAt.Format(timeLayout), id,
	)
	if err != nil {
		return model.Deployment{}, fmt.Errorf("update deployment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Deployment{}, fmt.Errorf("commit: %w", err)
	}

	s.hub.notify(next.WorkspaceID)
	return next, nil
}

func (s *SQLite) AppendLog(ctx context.Context, deploymentID string, entry model.LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plant_logs (plant_id, time, message, channel, step) VALUES (?, ?, ?, ?, ?)`,
		deploymentID, entry.Time.UTC().Format(timeLayout), entry.Message, string(entry.Channel), string(entry.Step),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("deployment %q: %w", deploymentID, model.ErrNotFound)
		}
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func (s *SQLite) ListLogs(ctx context.Context, deploymentID string, limit int) ([]model.LogEntry, error) {
	query := `SELECT time, message, channel, step FROM (
		SELECT id, time, message, channel, step FROM plant_logs WHERE plant_id = ? ORDER BY id DESC`
	args := []any{deploymentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += `) ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []model.LogEntry
	for rows.Next() {
		var entry model.LogEntry
		var at, channel, step string
		if err := rows.Scan(&at, &entry.Message, &channel, &step); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if entry.Time, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse log time: %w", err)
		}
		entry.Channel = model.LogChannel(channel)
		entry.Step = model.StepKind(step)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *SQLite) Watch(ctx context.Context, workspaceID string) (*Subscription, error) {
	return s.hub.watch(ctx, workspaceID), nil
}

// Watchers returns the number of open subscriptions on a workspace.
func (s *SQLite) Watchers(workspaceID string) int {
	return s.hub.count(workspaceID)
}

func deploymentArgs(d model.Deployment) ([]any, error) {
	steps, err := json.Marshal(d.PipelineSteps)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline steps: %w", err)
	}
	reactions, err := json.Marshal(nonNil(d.Reactions))
	if err != nil {
		return nil, fmt.Errorf("marshal reactions: %w", err)
	}
	return []any{
		d.ID, d.WorkspaceID, d.Version, d.Description, d.GitURL, d.Branch, d.CreatedBy,
		string(d.Status), string(steps), string(reactions), nullableString(d.AIInsight), d.CIRunURL,
		d.CreatedAt.UTC().Format(timeLayout), d.UpdatedAt.UTC().Format(timeLayout),
	}, nil
}

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(s scanner) (model.Deployment, error) {
	var d model.Deployment
	var status, steps, reactions, createdAt, updatedAt string
	var insight sql.NullString
	err := s.Scan(
		&d.ID, &d.WorkspaceID, &d.Version, &d.Description, &d.GitURL, &d.Branch, &d.CreatedBy,
		&status, &steps, &reactions, &insight, &d.CIRunURL, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Deployment{}, err
	}
	d.Status = model.Status(status)
	if err := json.Unmarshal([]byte(steps), &d.PipelineSteps); err != nil {
		return model.Deployment{}, fmt.Errorf("unmarshal pipeline steps: %w", err)
	}
	if err := json.Unmarshal([]byte(reactions), &d.Reactions); err != nil {
		return model.Deployment{}, fmt.Errorf("unmarshal reactions: %w", err)
	}
	if insight.Valid {
		d.SetInsight(insight.String)
	}
	if d.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return model.Deployment{}, fmt.Errorf("parse created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return model.Deployment{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return d, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
