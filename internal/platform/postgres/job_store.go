// Package postgres implements the queue's persistence contract on
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrel-ci/kestrel/internal/platform/logger"
	"github.com/kestrel-ci/kestrel/internal/queue"
	"github.com/kestrel-ci/kestrel/internal/store"
)

// JobStore implements queue.JobStore using PostgreSQL.
type JobStore struct {
	db store.DBTX
}

// compile-time interface check
var _ queue.JobStore = (*JobStore)(nil)

// NewJobStore creates a JobStore over the given connection or transaction.
func NewJobStore(db store.DBTX) *JobStore {
	return &JobStore{db: db}
}

// SaveJob persists a newly enqueued job.
func (s *JobStore) SaveJob(ctx context.Context, job *queue.Job) error {
	log := logger.FromContext(ctx)

	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal job metadata: %w", err)
	}

	query := `
		INSERT INTO jobs (
			id, test_run_id, test_suite_id, device_id, priority,
			retry_count, timeout_ms, scheduled_at, metadata, status,
			progress, last_error, enqueued_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.TestRunID,
		job.TestSuiteID,
		job.DeviceID,
		job.Priority,
		job.RetryCount,
		job.Timeout.Milliseconds(),
		nullableTime(job.ScheduledAt),
		metadata,
		string(job.Status),
		job.Progress,
		job.LastError,
		job.EnqueuedAt.UTC(),
		time.Now().UTC(),
	)
	if err != nil {
		log.Error("failed to save job",
			"job_id", job.ID,
			"device_id", job.DeviceID,
			"error", err)
		return fmt.Errorf("failed to save job to database: %w", err)
	}
	return nil
}

// UpdateJob persists the mutable fields of a job after a transition.
func (s *JobStore) UpdateJob(ctx context.Context, job *queue.Job) error {
	log := logger.FromContext(ctx)

	query := `
		UPDATE jobs
		SET status = $1, retry_count = $2, scheduled_at = $3,
		    progress = $4, last_error = $5, finished_at = $6, updated_at = $7
		WHERE id = $8
	`
	result, err := s.db.ExecContext(ctx, query,
		string(job.Status),
		job.RetryCount,
		nullableTime(job.ScheduledAt),
		job.Progress,
		job.LastError,
		nullableTime(job.FinishedAt),
		time.Now().UTC(),
		job.ID,
	)
	if err != nil {
		log.Error("failed to update job",
			"job_id", job.ID,
			"status", string(job.Status),
			"error", err)
		return fmt.Errorf("failed to update job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		log.Warn("no job found with ID to update", "job_id", job.ID)
	}
	return nil
}

// PersistResult records one terminal execution result.
func (s *JobStore) PersistResult(ctx context.Context, result *queue.Result) error {
	query := `
		INSERT INTO job_results (
			job_id, success, passed_count, failed_count, skipped_count,
			total_duration_ms, error_message, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		result.JobID,
		result.Success,
		result.PassedCount,
		result.FailedCount,
		result.SkippedCount,
		result.TotalDuration.Milliseconds(),
		result.ErrorMessage,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to persist job result: %w", err)
	}
	return nil
}

// LoadPendingJobs returns all non-terminal jobs ordered by enqueue time,
// used at startup to rehydrate work that survived a restart.
func (s *JobStore) LoadPendingJobs(ctx context.Context) ([]*queue.Job, error) {
	query := `
		SELECT id, test_run_id, test_suite_id, device_id, priority,
		       retry_count, timeout_ms, scheduled_at, metadata, status,
		       progress, last_error, enqueued_at
		FROM jobs
		WHERE status IN ('waiting', 'active', 'paused')
		ORDER BY enqueued_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending jobs: %w", err)
	}
	return jobs, nil
}

// DeleteTerminalBefore prunes terminal jobs finished before cutoff.
func (s *JobStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'removed')
		  AND finished_at IS NOT NULL AND finished_at < $1
	`
	result, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteAll removes every job and result. Administrative only.
func (s *JobStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_results`); err != nil {
		return fmt.Errorf("failed to delete job results: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	return nil
}

// scanJob reads one job row.
func scanJob(rows *sql.Rows) (*queue.Job, error) {
	var (
		job         queue.Job
		timeoutMs   int64
		scheduledAt sql.NullTime
		metadata    []byte
		status      string
	)
	err := rows.Scan(
		&job.ID,
		&job.TestRunID,
		&job.TestSuiteID,
		&job.DeviceID,
		&job.Priority,
		&job.RetryCount,
		&timeoutMs,
		&scheduledAt,
		&metadata,
		&status,
		&job.Progress,
		&job.LastError,
		&job.EnqueuedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job row: %w", err)
	}

	job.Timeout = time.Duration(timeoutMs) * time.Millisecond
	job.Status = queue.Status(status)
	if scheduledAt.Valid {
		job.ScheduledAt = scheduledAt.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job metadata: %w", err)
		}
	}
	return &job, nil
}

// nullableTime maps the zero time onto SQL NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
