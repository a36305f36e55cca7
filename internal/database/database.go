package database

import (
	"context"
	"database/sql"
	"dft-job-queue/internal/models"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database with the job store operations
type DB struct {
	*sql.DB
}

// New opens the SQLite job store at path. Every transaction takes the write
// lock at BEGIN, which makes check-then-insert sequences atomic.
func New(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

// InitSchema initializes the database schema
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		job_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES users(user_id),
		input_file_path TEXT NOT NULL,
		parameters TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
		retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
		result_file_path TEXT,
		energy REAL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		diagnostic TEXT,
		CHECK ((status = 'completed') = (result_file_path IS NOT NULL AND energy IS NOT NULL)),
		CHECK ((status IN ('completed', 'failed')) = (completed_at IS NOT NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs(status, created_at, job_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_single_running ON jobs(status) WHERE status = 'running';
	`

	_, err := db.Exec(schema)
	return err
}

const jobColumns = `job_id, user_id, input_file_path, parameters, status, retry_count,
	result_file_path, energy, created_at, updated_at, started_at, completed_at, diagnostic`

// NewJob carries the fields of a job at admission time
type NewJob struct {
	UserID     string
	Parameters models.Parameters
	CreatedAt  time.Time
}

// StageFunc persists the input file of a freshly inserted job and returns its
// relative path. It runs inside the creating transaction.
type StageFunc func(jobID int64) (string, error)

// EnsureUser records a user the first time they are seen
func (db *DB) EnsureUser(ctx context.Context, userID string) error {
	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO users (user_id, created_at) VALUES (?, ?)",
		userID, time.Now().UnixMilli())
	return err
}

// CreateJob admits a job in one transaction: the caller's pending count is
// checked against maxPending, the row is inserted, the input is staged and its
// path recorded. Nothing is committed if any step fails.
func (db *DB) CreateJob(ctx context.Context, nj NewJob, maxPending int, stage StageFunc) (*models.Job, error) {
	params, err := nj.Parameters.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	if nj.CreatedAt.IsZero() {
		nj.CreatedAt = time.Now()
	}
	created := nj.CreatedAt.UnixMilli()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var pending int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE user_id = ? AND status = ?",
		nj.UserID, models.StatusPending,
	).Scan(&pending)
	if err != nil {
		return nil, err
	}
	if maxPending > 0 && pending >= maxPending {
		return nil, models.ErrQuotaExceeded
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO users (user_id, created_at) VALUES (?, ?)",
		nj.UserID, created); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (user_id, input_file_path, parameters, status, retry_count, created_at, updated_at)
		VALUES (?, '', ?, ?, 0, ?, ?)
	`, nj.UserID, params, models.StatusPending, created, created)
	if err != nil {
		return nil, err
	}
	jobID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	inputPath, err := stage(jobID)
	if err != nil {
		return nil, fmt.Errorf("stage input: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET input_file_path = ? WHERE job_id = ?", inputPath, jobID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &models.Job{
		ID:            jobID,
		UserID:        nj.UserID,
		InputFilePath: inputPath,
		Parameters:    nj.Parameters,
		Status:        models.StatusPending,
		CreatedAt:     time.UnixMilli(created),
		UpdatedAt:     time.UnixMilli(created),
	}, nil
}

// GetJob retrieves a job owned by userID
func (db *DB) GetJob(ctx context.Context, jobID int64, userID string) (*models.Job, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE job_id = ? AND user_id = ?", jobID, userID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return job, err
}

// GetJobByID retrieves a job regardless of owner
func (db *DB) GetJobByID(ctx context.Context, jobID int64) (*models.Job, error) {
	row := db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return job, err
}

// ListJobsByUser returns a user's jobs, newest first, optionally filtered by status
func (db *DB) ListJobsByUser(ctx context.Context, userID, status string, limit int) ([]models.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE user_id = ?"
	args := []interface{}{userID}

	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListRunning returns every job currently marked running
func (db *DB) ListRunning(ctx context.Context) ([]models.Job, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE status = ? ORDER BY created_at ASC", models.StatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// CountPending returns the number of pending jobs owned by userID
func (db *DB) CountPending(ctx context.Context, userID string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE user_id = ? AND status = ?",
		userID, models.StatusPending,
	).Scan(&count)
	return count, err
}

// ClaimNextPending moves the oldest pending job to running in one statement.
// It returns models.ErrNoPendingJob when the queue is empty or another job
// already holds the running slot.
func (db *DB) ClaimNextPending(ctx context.Context) (*models.Job, error) {
	now := time.Now().UnixMilli()
	row := db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = ?, updated_at = ?
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE status = ?
			ORDER BY created_at ASC, job_id ASC
			LIMIT 1
		) AND status = ?
		RETURNING `+jobColumns,
		models.StatusRunning, now, now, models.StatusPending, models.StatusPending)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNoPendingJob
	}
	if isUniqueViolation(err) {
		return nil, models.ErrNoPendingJob
	}
	return job, err
}

// Requeue sends a running job back to pending and consumes one retry. The
// job keeps its original created_at and so its place in the queue.
func (db *DB) Requeue(ctx context.Context, jobID int64, maxRetries int, diagnostic string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, retry_count = retry_count + 1, started_at = NULL, updated_at = ?, diagnostic = ?
		WHERE job_id = ? AND status = ? AND retry_count < ?
	`, models.StatusPending, time.Now().UnixMilli(), nullString(diagnostic),
		jobID, models.StatusRunning, maxRetries)
	if err != nil {
		return err
	}
	return expectOne(res, jobID)
}

// MarkFailed moves a running job to failed
func (db *DB) MarkFailed(ctx context.Context, jobID int64, diagnostic string) error {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, completed_at = ?, updated_at = ?, diagnostic = ?
		WHERE job_id = ? AND status = ?
	`, models.StatusFailed, now, now, nullString(diagnostic), jobID, models.StatusRunning)
	if err != nil {
		return err
	}
	return db.settled(ctx, res, jobID, models.StatusFailed)
}

// MarkCompleted moves a running job to completed with its result
func (db *DB) MarkCompleted(ctx context.Context, jobID int64, resultPath string, energy float64) error {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, result_file_path = ?, energy = ?, completed_at = ?, updated_at = ?, diagnostic = NULL
		WHERE job_id = ? AND status = ?
	`, models.StatusCompleted, resultPath, energy, now, now, jobID, models.StatusRunning)
	if err != nil {
		return err
	}
	return db.settled(ctx, res, jobID, models.StatusCompleted)
}

// GetMetrics retrieves queue-wide counters
func (db *DB) GetMetrics(ctx context.Context) (*models.Metrics, error) {
	var m models.Metrics
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(retry_count), 0)
		FROM jobs
	`, models.StatusPending, models.StatusRunning, models.StatusCompleted, models.StatusFailed).Scan(
		&m.TotalJobs, &m.PendingJobs, &m.RunningJobs, &m.CompletedJobs, &m.FailedJobs, &m.TotalRetries)
	if err != nil {
		return nil, err
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&m.Users); err != nil {
		return nil, err
	}
	return &m, nil
}

// Helper functions

// settled treats a repeated terminal update as success so a replayed write
// after a crash does not error out.
func (db *DB) settled(ctx context.Context, res sql.Result, jobID int64, target string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	job, err := db.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == target {
		return nil
	}
	return fmt.Errorf("job %d is %s: %w", jobID, job.Status, models.ErrInvalidTransition)
}

func expectOne(res sql.Result, jobID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("job %d: %w", jobID, models.ErrInvalidTransition)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*models.Job, error) {
	var job models.Job
	var params string
	var resultPath, diagnostic sql.NullString
	var energy sql.NullFloat64
	var createdAt, updatedAt int64
	var startedAt, completedAt sql.NullInt64

	err := s.Scan(&job.ID, &job.UserID, &job.InputFilePath, &params, &job.Status, &job.RetryCount,
		&resultPath, &energy, &createdAt, &updatedAt, &startedAt, &completedAt, &diagnostic)
	if err != nil {
		return nil, err
	}

	job.Parameters, err = models.DecodeParameters(params)
	if err != nil {
		return nil, fmt.Errorf("job %d parameters: %w", job.ID, err)
	}
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)

	if resultPath.Valid {
		job.ResultFilePath = resultPath.String
	}
	if energy.Valid {
		e := energy.Float64
		job.Energy = &e
	}
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		job.CompletedAt = &t
	}
	if diagnostic.Valid {
		job.Diagnostic = diagnostic.String
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]models.Job, error) {
	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
