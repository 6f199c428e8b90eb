package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/escarabajo/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
)

// timeLayout stores timestamps as sortable text so both drivers agree
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Other processes may be writing history for the same repository
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply migrations
	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// Run operations

// RecordRun stores a run and its results in one transaction
func (s *SQLiteStorage) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertRunWithQuerier(ctx, tx, run); err != nil {
		return err
	}
	for i := range run.Results {
		if err := s.insertResultWithQuerier(ctx, tx, run.ID, i, &run.Results[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// insertRunWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) insertRunWithQuerier(ctx context.Context, q querier, run *Run) error {
	query := `
		INSERT INTO sync_runs (id, operation, started_at, finished_at,
		                       processed, ok, skipped, errors, canceled, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		run.ID, run.Operation, formatTime(run.StartedAt), formatTime(run.FinishedAt),
		run.Counts.Processed, run.Counts.OK, run.Counts.Skipped, run.Counts.Errors,
		boolToInt(run.Canceled), nullString(run.Error))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// insertResultWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) insertResultWithQuerier(ctx context.Context, q querier, runID string, position int, r *RunResult) error {
	query := `
		INSERT INTO sync_run_results (run_id, position, source, artifact, status, reason, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		runID, position, r.Source, nullString(r.Artifact), string(r.Status),
		nullString(r.Reason), r.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to insert result for %s: %w", r.Source, err)
	}
	r.RunID = runID
	return nil
}

// getRunWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) getRunWithQuerier(ctx context.Context, q querier, id string) (*Run, error) {
	query := `
		SELECT id, operation, started_at, finished_at, processed, ok, skipped, errors, canceled, error
		FROM sync_runs
		WHERE id = ?
	`
	run, err := scanRun(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT source, artifact, status, reason, duration_ms
		FROM sync_run_results
		WHERE run_id = ?
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r                RunResult
			artifact, reason sql.NullString
			status           string
		)
		if err := rows.Scan(&r.Source, &artifact, &status, &reason, &r.DurationMS); err != nil {
			return nil, err
		}
		r.RunID = run.ID
		r.Artifact = artifact.String
		r.Status = types.Status(status)
		r.Reason = reason.String
		r.At = run.FinishedAt
		run.Results = append(run.Results, r)
	}
	return run, rows.Err()
}

// GetRun returns a run with its results
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	return s.getRunWithQuerier(ctx, s.querier(), id)
}

// ListRuns returns the newest runs first. limit <= 0 means 20.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, operation, started_at, finished_at, processed, ok, skipped, errors, canceled, error
		FROM sync_runs
		ORDER BY finished_at DESC, id
		LIMIT ?
	`
	rows, err := s.querier().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SourceHistory returns the newest results for source first. limit <= 0
// means 20.
func (s *SQLiteStorage) SourceHistory(ctx context.Context, source string, limit int) ([]RunResult, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT r.run_id, r.source, r.artifact, r.status, r.reason, r.duration_ms, s.finished_at
		FROM sync_run_results r
		JOIN sync_runs s ON s.id = r.run_id
		WHERE r.source = ?
		ORDER BY s.finished_at DESC
		LIMIT ?
	`
	rows, err := s.querier().QueryContext(ctx, query, source, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query source history: %w", err)
	}
	defer rows.Close()

	var results []RunResult
	for rows.Next() {
		var (
			r                RunResult
			artifact, reason sql.NullString
			status, at       string
		)
		if err := rows.Scan(&r.RunID, &r.Source, &artifact, &status, &reason, &r.DurationMS, &at); err != nil {
			return nil, err
		}
		r.Artifact = artifact.String
		r.Status = types.Status(status)
		r.Reason = reason.String
		if r.At, err = parseTime(at); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// PruneRuns keeps the newest keep runs and deletes the rest along with
// their results
func (s *SQLiteStorage) PruneRuns(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	query := `
		DELETE FROM sync_runs
		WHERE id NOT IN (
			SELECT id FROM sync_runs ORDER BY finished_at DESC, id LIMIT ?
		)
	`
	res, err := s.querier().ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run               Run
		started, finished string
		canceled          int
		runErr            sql.NullString
	)
	err := row.Scan(&run.ID, &run.Operation, &started, &finished,
		&run.Counts.Processed, &run.Counts.OK, &run.Counts.Skipped, &run.Counts.Errors,
		&canceled, &runErr)
	if err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseTime(finished); err != nil {
		return nil, err
	}
	run.Canceled = canceled != 0
	run.Error = runErr.String
	return &run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
