package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/volley/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id                      TEXT PRIMARY KEY,
    status                  TEXT NOT NULL,
    target                  TEXT NOT NULL,
    workers                 INTEGER NOT NULL,
    read_freq               INTEGER NOT NULL,
    requests_per_connection INTEGER NOT NULL,
    count                   INTEGER NOT NULL,
    request                 BLOB NOT NULL,
    start_timeout_s         INTEGER NOT NULL,
    drain_timeout_s         INTEGER NOT NULL,
    insecure                INTEGER NOT NULL DEFAULT 0,
    succeeded               INTEGER NOT NULL DEFAULT 0,
    sent                    INTEGER NOT NULL DEFAULT 0,
    retried                 INTEGER NOT NULL DEFAULT 0,
    reconnects              INTEGER NOT NULL DEFAULT 0,
    connection_failures     INTEGER NOT NULL DEFAULT 0,
    framing_failures        INTEGER NOT NULL DEFAULT 0,
    rejected                INTEGER NOT NULL DEFAULT 0,
    elapsed_ms              INTEGER,
    rps                     REAL NOT NULL DEFAULT 0,
    drained                 INTEGER NOT NULL DEFAULT 0,
    error                   TEXT NOT NULL DEFAULT '',
    created_at              DATETIME NOT NULL,
    started_at              DATETIME,
    finished_at             DATETIME
)`

const createStatusCountsTable = `
CREATE TABLE IF NOT EXISTS status_counts (
    run_id      TEXT NOT NULL REFERENCES runs(id),
    status_code INTEGER NOT NULL,
    count       INTEGER NOT NULL,
    PRIMARY KEY (run_id, status_code)
)`

const runColumns = `id, status, target, workers, read_freq, requests_per_connection,
	count, request, start_timeout_s, drain_timeout_s, insecure,
	succeeded, sent, retried, reconnects, connection_failures, framing_failures,
	rejected, elapsed_ms, rps, drained, error, created_at, started_at, finished_at`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, ddl := range map[string]string{
		"runs":          createRunsTable,
		"status_counts": createStatusCountsTable,
	} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	r := &model.Run{}
	err := row.Scan(
		&r.ID, &r.Status, &r.Target, &r.Workers, &r.ReadFreq, &r.RequestsPerConnection,
		&r.Count, &r.Request, &r.StartTimeoutS, &r.DrainTimeoutS, &r.Insecure,
		&r.Succeeded, &r.Sent, &r.Retried, &r.Reconnects, &r.ConnectionFailures, &r.FramingFailures,
		&r.Rejected, &r.ElapsedMS, &r.RPS, &r.Drained, &r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, r.Target, r.Workers, r.ReadFreq, r.RequestsPerConnection,
		r.Count, r.Request, r.StartTimeoutS, r.DrainTimeoutS, r.Insecure,
		r.Succeeded, r.Sent, r.Retried, r.Reconnects, r.ConnectionFailures, r.FramingFailures,
		r.Rejected, r.ElapsedMS, r.RPS, r.Drained, r.Error, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// currentStatus reads the stored status of a run inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read run status: %w", err)
	}
	return status, nil
}

// UpdateRunStatus moves a run to a new status. Running sets started_at;
// terminal statuses set finished_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	return tx.Commit()
}

// UpdateRun writes every mutable field of r. A status change must be a valid
// transition.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	if from != r.Status && !model.ValidTransition(from, r.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, r.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET
			status = ?, succeeded = ?, sent = ?, retried = ?, reconnects = ?,
			connection_failures = ?, framing_failures = ?, rejected = ?,
			elapsed_ms = ?, rps = ?, drained = ?, error = ?,
			started_at = ?, finished_at = ?
		WHERE id = ?`,
		r.Status, r.Succeeded, r.Sent, r.Retried, r.Reconnects,
		r.ConnectionFailures, r.FramingFailures, r.Rejected,
		r.ElapsedMS, r.RPS, r.Drained, r.Error,
		r.StartedAt, r.FinishedAt,
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	return tx.Commit()
}

// GetRunStats aggregates counts by status, the total number of matched
// responses, and the mean throughput of completed runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &RunStats{CountByStatus: make(map[string]int)}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(succeeded), 0), AVG(CASE WHEN status = ? THEN rps END) FROM runs`,
		model.StatusCompleted,
	).Scan(&stats.TotalSucceeded, &avg)
	if err != nil {
		return nil, fmt.Errorf("aggregate runs: %w", err)
	}
	if avg.Valid {
		stats.AvgRPS = avg.Float64
	}

	return stats, nil
}

// InsertStatusCounts stores the per-status-code tally of a run. Existing rows
// for the same code are replaced.
func (s *SQLiteStore) InsertStatusCounts(ctx context.Context, runID string, counts map[int]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO status_counts (run_id, status_code, count) VALUES (?, ?, ?)
		ON CONFLICT(run_id, status_code) DO UPDATE SET count = excluded.count`)
	if err != nil {
		return fmt.Errorf("prepare status count insert: %w", err)
	}
	defer stmt.Close()

	for code, n := range counts {
		if _, err := stmt.ExecContext(ctx, runID, code, n); err != nil {
			return fmt.Errorf("insert status count %d: %w", code, err)
		}
	}

	return tx.Commit()
}

// GetStatusCounts returns the status-code tally of a run ordered by code.
// A run with no responses yields an empty, non-nil slice.
func (s *SQLiteStore) GetStatusCounts(ctx context.Context, runID string) ([]model.StatusCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, status_code, count FROM status_counts
		WHERE run_id = ? ORDER BY status_code ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get status counts: %w", err)
	}
	defer rows.Close()

	counts := []model.StatusCount{}
	for rows.Next() {
		var c model.StatusCount
		if err := rows.Scan(&c.RunID, &c.StatusCode, &c.Count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}
