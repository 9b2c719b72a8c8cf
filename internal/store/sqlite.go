package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/SpireTech/bifrost/internal/engine/execution"
	"github.com/SpireTech/bifrost/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite implements Store on a local SQLite database.
type SQLite struct {
	conn *sql.DB
	path string
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at path, enables WAL
// and foreign keys, backs up the existing file, and runs migrations.
// Use ":memory:" for an ephemeral database in tests.
func NewSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		if err := backupFile(path); err != nil {
			return nil, fmt.Errorf("failed to back up database: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info(log.CatStore, "Database ready", "path", path)
	return &SQLite{conn: conn, path: path}, nil
}

// backupFile copies an existing database file to path.bak before
// migrations touch it.
func backupFile(path string) error {
	src, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".bak", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

func runMigrations(conn *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

// LoadWorkflow fetches a workflow definition by id.
func (s *SQLite) LoadWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, organization_id, name, code, default_timeout_seconds, created_at, updated_at
		 FROM workflows WHERE id = ?`, id)

	var wf Workflow
	var timeoutSecs int64
	var createdAt, updatedAt int64
	err := row.Scan(&wf.ID, &wf.OrganizationID, &wf.Name, &wf.Code, &timeoutSecs, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	wf.DefaultTimeout = time.Duration(timeoutSecs) * time.Second
	wf.CreatedAt = time.Unix(createdAt, 0).UTC()
	wf.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &wf, nil
}

// PutWorkflow inserts or replaces a workflow definition.
func (s *SQLite) PutWorkflow(ctx context.Context, wf *Workflow) error {
	now := time.Now().Unix()
	created := now
	if !wf.CreatedAt.IsZero() {
		created = wf.CreatedAt.Unix()
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO workflows (id, organization_id, name, code, default_timeout_seconds, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			name = excluded.name,
			code = excluded.code,
			default_timeout_seconds = excluded.default_timeout_seconds,
			updated_at = excluded.updated_at`,
		wf.ID, wf.OrganizationID, wf.Name, wf.Code,
		int64(wf.DefaultTimeout/time.Second), created, now)
	if err != nil {
		return fmt.Errorf("failed to put workflow: %w", err)
	}
	return nil
}

// WriteExecutionTerminal writes the terminal record and its logs in one
// transaction. INSERT OR IGNORE makes the write idempotent: the first
// terminal result for an execution id wins and later ones are dropped,
// logs included.
func (s *SQLite) WriteExecutionTerminal(ctx context.Context, rec *ExecutionRecord, logs []LogLine) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO executions
			(execution_id, workflow_id, status, payload, error_type, error_message, started_at, finished_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.WorkflowID, string(rec.Status), rec.Payload,
		rec.ErrorType, rec.ErrorMessage,
		rec.StartedAt.Unix(), rec.FinishedAt.Unix(), rec.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to write execution: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check execution write: %w", err)
	}
	if inserted == 0 {
		// Already finalized, first write wins.
		log.Debug(log.CatStore, "Duplicate terminal write ignored", "executionID", rec.ExecutionID)
		return tx.Commit()
	}

	for _, line := range logs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO execution_logs (execution_id, seq, level, message, logged_at)
			 VALUES (?, ?, ?, ?, ?)`,
			rec.ExecutionID, line.Seq, line.Level, line.Message, line.At.Unix()); err != nil {
			return fmt.Errorf("failed to write execution log: %w", err)
		}
	}

	return tx.Commit()
}

// GetExecution fetches a terminal record by execution id.
func (s *SQLite) GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT execution_id, workflow_id, status, payload, error_type, error_message, started_at, finished_at, duration_ms
		 FROM executions WHERE execution_id = ?`, executionID)

	var rec ExecutionRecord
	var status string
	var startedAt, finishedAt int64
	err := row.Scan(&rec.ExecutionID, &rec.WorkflowID, &status, &rec.Payload,
		&rec.ErrorType, &rec.ErrorMessage, &startedAt, &finishedAt, &rec.DurationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	rec.Status = execution.TerminalStatus(status)
	rec.StartedAt = time.Unix(startedAt, 0).UTC()
	rec.FinishedAt = time.Unix(finishedAt, 0).UTC()
	return &rec, nil
}

// GetExecutionLogs fetches flushed logs in sequence order.
func (s *SQLite) GetExecutionLogs(ctx context.Context, executionID string) ([]LogLine, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT seq, level, message, logged_at FROM execution_logs
		 WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var lines []LogLine
	for rows.Next() {
		var line LogLine
		var at int64
		if err := rows.Scan(&line.Seq, &line.Level, &line.Message, &at); err != nil {
			return nil, fmt.Errorf("failed to scan log line: %w", err)
		}
		line.At = time.Unix(at, 0).UTC()
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log rows: %w", err)
	}
	return lines, nil
}

// GetActiveBlacklistEntry returns the active entry for a workflow.
func (s *SQLite) GetActiveBlacklistEntry(ctx context.Context, workflowID string) (*BlacklistEntry, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, workflow_id, reason, added_by, added_at, removed, removed_by, removed_at
		 FROM blacklist WHERE workflow_id = ? AND removed = 0`, workflowID)
	entry, err := scanBlacklist(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blacklist entry for %s: %w", workflowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blacklist entry: %w", err)
	}
	return entry, nil
}

func scanBlacklist(scanner interface{ Scan(...any) error }) (*BlacklistEntry, error) {
	var entry BlacklistEntry
	var addedAt int64
	var removed int
	var removedAt sql.NullInt64
	err := scanner.Scan(&entry.ID, &entry.WorkflowID, &entry.Reason, &entry.AddedBy,
		&addedAt, &removed, &entry.RemovedBy, &removedAt)
	if err != nil {
		return nil, err
	}
	entry.AddedAt = time.Unix(addedAt, 0).UTC()
	entry.Removed = removed != 0
	if removedAt.Valid {
		t := time.Unix(removedAt.Int64, 0).UTC()
		entry.RemovedAt = &t
	}
	return &entry, nil
}

// AddBlacklistEntry creates an active entry for a workflow. Concurrent
// callers converge on one entry through the partial unique index; the
// bool reports whether this call inserted the row.
func (s *SQLite) AddBlacklistEntry(ctx context.Context, workflowID, reason, addedBy string) (*BlacklistEntry, bool, error) {
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO blacklist (workflow_id, reason, added_by, added_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(workflow_id) WHERE removed = 0 DO NOTHING`,
		workflowID, reason, addedBy, time.Now().Unix())
	if err != nil {
		return nil, false, fmt.Errorf("failed to add blacklist entry: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to check blacklist insert: %w", err)
	}
	entry, err := s.GetActiveBlacklistEntry(ctx, workflowID)
	if err != nil {
		return nil, false, err
	}
	return entry, inserted > 0, nil
}

// RemoveBlacklistEntry tombstones the active entry for a workflow.
func (s *SQLite) RemoveBlacklistEntry(ctx context.Context, workflowID, removedBy string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE blacklist SET removed = 1, removed_by = ?, removed_at = ?
		 WHERE workflow_id = ? AND removed = 0`,
		removedBy, time.Now().Unix(), workflowID)
	if err != nil {
		return fmt.Errorf("failed to remove blacklist entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check blacklist removal: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("blacklist entry for %s: %w", workflowID, ErrNotFound)
	}
	return nil
}

// ListBlacklist returns entries, newest first.
func (s *SQLite) ListBlacklist(ctx context.Context, includeRemoved bool) ([]BlacklistEntry, error) {
	query := `SELECT id, workflow_id, reason, added_by, added_at, removed, removed_by, removed_at
		 FROM blacklist`
	if !includeRemoved {
		query += ` WHERE removed = 0`
	}
	query += ` ORDER BY added_at DESC, id DESC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list blacklist: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []BlacklistEntry
	for rows.Next() {
		entry, err := scanBlacklist(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan blacklist row: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blacklist rows: %w", err)
	}
	return entries, nil
}

// RecordStuckEvent appends one stuck declaration.
func (s *SQLite) RecordStuckEvent(ctx context.Context, ev *StuckEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO stuck_events (workflow_id, execution_id, worker_pid, elapsed_ms, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.WorkflowID, ev.ExecutionID, ev.WorkerPID, ev.ElapsedMS, at.Unix())
	if err != nil {
		return fmt.Errorf("failed to record stuck event: %w", err)
	}
	return nil
}

// StuckHistory aggregates stuck events per workflow since the cutoff,
// most afflicted first.
func (s *SQLite) StuckHistory(ctx context.Context, since time.Time) ([]StuckCount, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT se.workflow_id, COALESCE(w.name, ''), COUNT(*), MAX(se.occurred_at)
		 FROM stuck_events se
		 LEFT JOIN workflows w ON w.id = se.workflow_id
		 WHERE se.occurred_at >= ?
		 GROUP BY se.workflow_id ORDER BY COUNT(*) DESC`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []StuckCount
	for rows.Next() {
		var c StuckCount
		var lastAt int64
		if err := rows.Scan(&c.WorkflowID, &c.Name, &c.Count, &lastAt); err != nil {
			return nil, fmt.Errorf("failed to scan stuck count: %w", err)
		}
		c.LastAt = time.Unix(lastAt, 0).UTC()
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stuck history rows: %w", err)
	}
	return counts, nil
}
