// Package history journals settled tasks to SQLite for inspection. The
// journal is write-only from the queue's point of view: nothing in it is ever
// replayed into a queue.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record is one settled task.
type Record struct {
	TaskID      string     `json:"task_id"`
	Queue       string     `json:"queue"`
	WorkerID    int        `json:"worker_id,omitempty"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}

// Summary counts settled tasks per status.
type Summary struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

var ErrNotFound = errors.New("task not found")

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the SQLite-backed journal.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the journal at path and ensures its
// tables exist.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := checkLocalFilesystem(path, detectFilesystem); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serialises writers.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(pctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_log (
  task_id      TEXT PRIMARY KEY,
  queue        TEXT NOT NULL,
  worker_id    INTEGER,
  status       TEXT NOT NULL,
  last_error   TEXT,
  queued_at    TEXT,
  started_at   TEXT,
  completed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS task_log_queue_completed_at_idx ON task_log(queue, completed_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends a settled task to the journal.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.TaskID == "" {
		return fmt.Errorf("task id is empty")
	}
	if rec.Status != StatusSucceeded && rec.Status != StatusFailed {
		return fmt.Errorf("invalid terminal status: %q", rec.Status)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO task_log(task_id, queue, worker_id, status, last_error, queued_at, started_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, rec.TaskID, rec.Queue, nullInt(rec.WorkerID), string(rec.Status), nullString(rec.Error),
		formatTime(rec.QueuedAt), formatTime(rec.StartedAt), rec.CompletedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert task_log: %w", err)
	}
	return nil
}

// Get returns the record of one task.
func (s *Store) Get(ctx context.Context, taskID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT task_id, queue, worker_id, status, last_error, queued_at, started_at, completed_at
FROM task_log
WHERE task_id = ?;
`, taskID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Recent returns up to limit records, newest first. An empty queue matches
// every queue.
func (s *Store) Recent(ctx context.Context, queue string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, queue, worker_id, status, last_error, queued_at, started_at, completed_at
FROM task_log
WHERE ? = '' OR queue = ?
ORDER BY completed_at DESC
LIMIT ?;
`, queue, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("query task_log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Summarize counts records per status. An empty queue matches every queue.
func (s *Store) Summarize(ctx context.Context, queue string) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
FROM task_log
WHERE ? = '' OR queue = ?;
`, queue, queue).Scan(&sum.Succeeded, &sum.Failed)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize task_log: %w", err)
	}
	return sum, nil
}

// Prune deletes records completed before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_log WHERE completed_at < ?;`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune task_log: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec         Record
		status      string
		workerID    sql.NullInt64
		lastError   sql.NullString
		queuedAt    sql.NullString
		startedAt   sql.NullString
		completedAt string
	)
	if err := row.Scan(&rec.TaskID, &rec.Queue, &workerID, &status, &lastError, &queuedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.WorkerID = int(workerID.Int64)
	rec.Error = lastError.String

	var err error
	if rec.QueuedAt, err = parseTime(queuedAt); err != nil {
		return nil, err
	}
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = time.Parse(timeLayout, completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &rec, nil
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", s.String, err)
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
