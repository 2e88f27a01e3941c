package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/nanobox/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

const runColumns = `id, workload, kind, state, success, error_kind, error, exit_code, truncated,
	wall_ns, cpu_ns, peak_memory, denials, started_at, ended_at, created_at`

func (s *SQLiteStore) SaveRun(ctx context.Context, r *storage.Run) error {
	if r.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	blob, err := compressOutput(r.Stdout, r.Stderr)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Workload, r.Kind, r.State, r.Success, r.ErrorKind, r.Error, r.ExitCode, r.Truncated,
		int64(r.WallTime), int64(r.CPUTime), r.PeakMemory, r.Denials,
		formatTime(r.StartedAt), formatTime(r.EndedAt), formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_output (run_id, output) VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET output = excluded.output`,
		r.ID, blob,
	)
	if err != nil {
		return fmt.Errorf("inserting output: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	r, err := s.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	var blob []byte
	err = s.db.QueryRowContext(ctx, `SELECT output FROM run_output WHERE run_id = ?`, r.ID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading output: %w", err)
	}

	out, err := decompressOutput(blob)
	if err != nil {
		return nil, err
	}
	r.Stdout, r.Stderr = out.Stdout, out.Stderr
	return r, nil
}

// resolve tries an exact match first, then a unique prefix.
func (s *SQLiteStore) resolve(ctx context.Context, id string) (*storage.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous run prefix %q matches %d runs", id, len(matches))
	}
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts storage.RunListOptions) ([]storage.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any

	if opts.State != "" {
		query += ` WHERE state = ?`
		args = append(args, opts.State)
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []storage.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	// Resolve prefix first
	r, err := s.resolve(ctx, id)
	if err != nil {
		return err
	}

	// Delete output first (foreign key), then the run
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_output WHERE run_id = ?`, r.ID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, r.ID)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*storage.Run, error) {
	var r storage.Run
	var wallNS, cpuNS int64
	var startedAt, endedAt sql.NullString
	var createdAt string
	err := s.Scan(&r.ID, &r.Workload, &r.Kind, &r.State, &r.Success, &r.ErrorKind, &r.Error,
		&r.ExitCode, &r.Truncated, &wallNS, &cpuNS, &r.PeakMemory, &r.Denials,
		&startedAt, &endedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	r.WallTime = time.Duration(wallNS)
	r.CPUTime = time.Duration(cpuNS)
	r.StartedAt = parseTime(startedAt.String)
	r.EndedAt = parseTime(endedAt.String)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
