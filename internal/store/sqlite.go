// Package store persists known external mounts and sync run history in a
// local SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// DatabaseFile is the database file name inside the data directory.
const DatabaseFile = "state.db"

// ErrRunNotFound is returned when a run does not exist.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore is the application's local persistence.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (and creates if needed) the database in dataDir.
func NewSQLiteStore(dataDir string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return Open(filepath.Join(dataDir, DatabaseFile), logger)
}

// Open opens the database at path.
func Open(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single connection serializes writers without SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Info().Str("path", path).Msg("state database initialized")

	return store, nil
}

// migrate creates the necessary tables.
func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS known_external_mounts (
			drive TEXT PRIMARY KEY,
			remote TEXT NOT NULL,
			pid INTEGER NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sync_runs (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			mode TEXT NOT NULL,
			trigger TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			outcome TEXT NOT NULL,
			exit_code INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			percent REAL NOT NULL DEFAULT 0,
			bytes_transferred INTEGER NOT NULL DEFAULT 0,
			bytes_total INTEGER NOT NULL DEFAULT 0,
			files_transferred INTEGER NOT NULL DEFAULT 0,
			files_total INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sync_runs_task ON sync_runs(task, started_at);
		CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// LoadKnownExternal returns the persisted external mounts.
func (s *SQLiteStore) LoadKnownExternal(ctx context.Context) ([]models.KnownExternalMount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT drive, remote, pid, first_seen, last_seen
		FROM known_external_mounts
		ORDER BY drive
	`)
	if err != nil {
		return nil, fmt.Errorf("query known external mounts: %w", err)
	}
	defer rows.Close()

	var mounts []models.KnownExternalMount
	for rows.Next() {
		var (
			m                   models.KnownExternalMount
			firstSeen, lastSeen string
		)
		if err := rows.Scan(&m.Drive, &m.Remote, &m.PID, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan known external mount: %w", err)
		}
		m.FirstSeen = parseTime(firstSeen)
		m.LastSeen = parseTime(lastSeen)
		mounts = append(mounts, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known external mounts: %w", err)
	}
	return mounts, nil
}

// SaveKnownExternal replaces the persisted external mounts.
func (s *SQLiteStore) SaveKnownExternal(ctx context.Context, mounts []models.KnownExternalMount) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM known_external_mounts`); err != nil {
		return fmt.Errorf("clear known external mounts: %w", err)
	}
	for _, m := range mounts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO known_external_mounts (drive, remote, pid, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?)
		`, m.Drive, m.Remote, m.PID, formatTime(m.FirstSeen), formatTime(m.LastSeen))
		if err != nil {
			return fmt.Errorf("insert known external mount %s: %w", m.Drive, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit known external mounts: %w", err)
	}

	s.logger.Debug().Int("count", len(mounts)).Msg("known external mounts saved")
	return nil
}

// RecordRun inserts or updates a sync run.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *models.SyncRun) error {
	var finishedAt sql.NullString
	if run.FinishedAt != nil {
		finishedAt = sql.NullString{String: formatTime(*run.FinishedAt), Valid: true}
	}

	query := `
		INSERT INTO sync_runs (id, task, mode, trigger, started_at, finished_at, outcome, exit_code, error,
			percent, bytes_transferred, bytes_total, files_transferred, files_total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			outcome = excluded.outcome,
			exit_code = excluded.exit_code,
			error = excluded.error,
			percent = excluded.percent,
			bytes_transferred = excluded.bytes_transferred,
			bytes_total = excluded.bytes_total,
			files_transferred = excluded.files_transferred,
			files_total = excluded.files_total
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID.String(),
		run.Task,
		string(run.Mode),
		run.Trigger,
		formatTime(run.StartedAt),
		finishedAt,
		string(run.Outcome),
		run.ExitCode,
		nullString(run.Error),
		run.Progress.Percent,
		run.Progress.BytesTransferred,
		run.Progress.BytesTotal,
		run.Progress.FilesTransferred,
		run.Progress.FilesTotal,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

const runColumns = `id, task, mode, trigger, started_at, finished_at, outcome, exit_code, error,
	percent, bytes_transferred, bytes_total, files_transferred, files_total`

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// LastRun returns the most recent run of a task.
func (s *SQLiteStore) LastRun(ctx context.Context, task string) (*models.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM sync_runs
		WHERE task = ?
		ORDER BY started_at DESC
		LIMIT 1
	`, task)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListRuns returns the most recent runs, newest first. An empty task lists
// runs of every task.
func (s *SQLiteStore) ListRuns(ctx context.Context, task string, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM sync_runs`
	args := []any{}
	if task != "" {
		query += ` WHERE task = ?`
		args = append(args, task)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// MarkInterrupted marks runs left pending by a previous process as failed.
func (s *SQLiteStore) MarkInterrupted(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET outcome = ?, finished_at = ?, error = ?
		WHERE outcome = ?
	`, string(models.RunOutcomeFailed), formatTime(time.Now()), "interrupted by application exit", string(models.RunOutcomePending))
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(affected), nil
}

// PruneRuns removes finished runs older than the given duration.
func (s *SQLiteStore) PruneRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_runs
		WHERE outcome != ? AND started_at < ?
	`, string(models.RunOutcomePending), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(affected), nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.SyncRun, error) {
	var (
		run                  models.SyncRun
		idStr, mode, outcome string
		startedAt            string
		finishedAt, errMsg   sql.NullString
	)

	err := row.Scan(&idStr, &run.Task, &mode, &run.Trigger, &startedAt, &finishedAt, &outcome, &run.ExitCode, &errMsg,
		&run.Progress.Percent, &run.Progress.BytesTransferred, &run.Progress.BytesTotal,
		&run.Progress.FilesTransferred, &run.Progress.FilesTotal)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	run.ID = id
	run.Mode = models.SyncMode(mode)
	run.Outcome = models.RunOutcome(outcome)
	run.StartedAt = parseTime(startedAt)
	if finishedAt.Valid {
		t := parseTime(finishedAt.String)
		run.FinishedAt = &t
	}
	run.Error = errMsg.String
	run.Progress.Indeterminate = run.Progress.BytesTotal == 0

	return &run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
