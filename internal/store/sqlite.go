package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/volley/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    definition  TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    result      TEXT,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createTransitionsTable = `
CREATE TABLE IF NOT EXISTS job_transitions (
    job_id      TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    from_status TEXT NOT NULL,
    to_status   TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    at          DATETIME NOT NULL,
    PRIMARY KEY (job_id, seq)
)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS job_log_lines (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createLogLinesIndex = `
CREATE INDEX IF NOT EXISTS idx_job_log_lines_job ON job_log_lines (job_id, seq)`

const jobColumns = `id, status, definition, reason, detail, result,
	created_at, updated_at, started_at, finished_at`

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

	// Every connection to ":memory:" is a separate database.
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

	for _, stmt := range []string{
		createJobsTable,
		createTransitionsTable,
		createLogLinesTable,
		createLogLinesIndex,
		createTokensTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record together with its first transition.
// It returns ErrAlreadyExists if the id is taken.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	def, err := json.Marshal(j.Definition)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		j.ID, j.Status, string(def), j.Reason, j.Detail, nullableJSON(j.Result),
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}

	if err := insertTransition(ctx, tx, j.ID, "", j.Status, j.Reason, j.CreatedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// optionally filtered by status, along with the total matching count.
func (s *SQLiteStore) ListJobs(ctx context.Context, status string, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE (? = '' OR status = ?)", status, status,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		status, status, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListJobsByStatus returns every job currently in status, oldest first.
func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status string) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC`, status,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// UpdateJobStatus applies a status transition. The current status is read and
// validated inside a transaction and the write is conditional on it, so two
// racing updates to the same job cannot both succeed.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status string, upd model.StatusUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	var startedAt, finishedAt *time.Time
	if status == model.StatusRunning {
		startedAt = &now
	}
	if model.IsTerminal(status) {
		finishedAt = &now
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET
			status = ?,
			reason = ?,
			detail = ?,
			result = COALESCE(?, result),
			updated_at = ?,
			started_at = COALESCE(?, started_at),
			finished_at = COALESCE(?, finished_at)
		WHERE id = ? AND status = ?`,
		status, upd.Reason, upd.Detail, nullableJSON(upd.Result),
		now, startedAt, finishedAt, id, current,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
	}

	if err := insertTransition(ctx, tx, id, current, status, upd.Reason, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetTransitions returns the status history of a job in order.
func (s *SQLiteStore) GetTransitions(ctx context.Context, id string) ([]model.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, from_status, to_status, reason, at
		FROM job_transitions WHERE job_id = ? ORDER BY seq ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("get transitions: %w", err)
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var tr model.Transition
		if err := rows.Scan(&tr.Seq, &tr.From, &tr.To, &tr.Reason, &tr.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// GetJobStats returns job counts grouped by status and by failure reason.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus: make(map[string]int),
		CountByReason: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, reason, COUNT(*) FROM jobs GROUP BY status, reason")
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, reason string
		var n int
		if err := rows.Scan(&status, &reason, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats.Total += n
		stats.CountByStatus[status] += n
		if reason != "" {
			stats.CountByReason[reason] += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job stats: %w", err)
	}
	return stats, nil
}

// InsertLogLine persists one line of worker output.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, jobID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO job_log_lines (job_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		jobID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the persisted worker output of a job ordered by seq.
func (s *SQLiteStore) GetLogLines(ctx context.Context, jobID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, job_id, seq, line, created_at FROM job_log_lines WHERE job_id = ? ORDER BY seq ASC",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.JobID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, jobID, from, to, reason string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_transitions (job_id, seq, from_status, to_status, reason, at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM job_transitions WHERE job_id = ?), ?, ?, ?, ?)`,
		jobID, jobID, from, to, reason, at,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var def string
	var result sql.NullString
	if err := r.Scan(
		&j.ID, &j.Status, &def, &j.Reason, &j.Detail, &result,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(def), &j.Definition); err != nil {
		return nil, fmt.Errorf("decode definition of %s: %w", j.ID, err)
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// nullableJSON maps an empty payload to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
