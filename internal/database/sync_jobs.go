package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sosg-strava-sync/internal/metrics"
)

const (
	// JobTypeBackfill imports a coach's recent activities
	JobTypeBackfill = "backfill"

	// MaxRetries is how many times a failed job is released before it is dropped
	MaxRetries = 5

	// StaleLockTimeout is how long a claimed job may run before another
	// worker may claim it again
	StaleLockTimeout = 15 * time.Minute
)

// SyncJob represents a sync job awaiting processing
type SyncJob struct {
	ID                  int64
	CoachID             string
	JobType             string
	RetryCount          int
	LastError           *string
	NextRetryAt         *time.Time
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
}

// EnqueueSyncJob adds a sync job to the processing queue. A job of the same
// type that is already queued for the coach is reused.
func (db *DB) EnqueueSyncJob(ctx context.Context, coachID, jobType string) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueSyncJob))
	defer timer.ObserveDuration()

	var existing int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT id FROM sync_jobs WHERE coach_id = ? AND job_type = ? AND processing_started_at IS NULL LIMIT 1
	`, coachID, jobType).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueSyncJob).Inc()
		return 0, fmt.Errorf("failed to check queued sync jobs: %w", err)
	}

	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_jobs (coach_id, job_type, created_at) VALUES (?, ?, ?)
	`, coachID, jobType, time.Now().Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueSyncJob).Inc()
		return 0, fmt.Errorf("failed to enqueue sync job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueSyncJob).Inc()
		return 0, fmt.Errorf("failed to get sync job id: %w", err)
	}

	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeSyncJob).Inc()
	return id, nil
}

// ClaimSyncJob claims the next ready sync job for processing.
// Returns nil if no job is ready. A job is ready when:
// - next_retry_at is NULL or in the past
// - processing_started_at is NULL or stale (older than StaleLockTimeout)
func (db *DB) ClaimSyncJob(ctx context.Context) (*SyncJob, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimSyncJob))
	defer timer.ObserveDuration()

	now := time.Now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	// Claim with a single UPDATE so concurrent workers cannot take the same job
	var job SyncJob
	var nextRetryAt *int64
	var createdAt int64

	err := db.conn.QueryRowContext(ctx, `
		UPDATE sync_jobs
		SET processing_started_at = ?
		WHERE id = (
			SELECT id
			FROM sync_jobs
			WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND (processing_started_at IS NULL OR processing_started_at < ?)
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, coach_id, job_type, retry_count, last_error, next_retry_at, created_at
	`, now.Unix(), now.Unix(), staleThreshold).Scan(
		&job.ID,
		&job.CoachID,
		&job.JobType,
		&job.RetryCount,
		&job.LastError,
		&nextRetryAt,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimSyncJob).Inc()
		return nil, fmt.Errorf("failed to claim sync job: %w", err)
	}

	job.NextRetryAt = timePtr(nextRetryAt)
	job.ProcessingStartedAt = &now
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &job, nil
}

// DeleteSyncJob deletes a processed sync job from the queue
func (db *DB) DeleteSyncJob(ctx context.Context, id int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteSyncJob))
	defer timer.ObserveDuration()

	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_jobs WHERE id = ?`, id); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteSyncJob).Inc()
		return fmt.Errorf("failed to delete sync job: %w", err)
	}
	return nil
}

var backoffMinutes = []int{1, 5, 15, 30, 60, 120, 240}

// ReleaseSyncJob releases a failed sync job back to the queue with
// exponential backoff (1min, 5min, 15min, 30min, 1hr, ...). Returns true if
// the job was released, false if it was dropped after MaxRetries.
func (db *DB) ReleaseSyncJob(ctx context.Context, id int64, retryCount int, errMsg string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseSyncJob))
	defer timer.ObserveDuration()

	newRetryCount := retryCount + 1
	if newRetryCount > MaxRetries {
		if err := db.DeleteSyncJob(ctx, id); err != nil {
			return false, fmt.Errorf("failed to drop sync job after max retries: %w", err)
		}
		return false, nil
	}

	idx := newRetryCount - 1
	if idx >= len(backoffMinutes) {
		idx = len(backoffMinutes) - 1
	}
	nextRetryAt := time.Now().Add(time.Duration(backoffMinutes[idx]) * time.Minute)

	_, err := db.conn.ExecContext(ctx, `
		UPDATE sync_jobs
		SET retry_count = ?,
		    last_error = ?,
		    next_retry_at = ?,
		    processing_started_at = NULL
		WHERE id = ?
	`, newRetryCount, errMsg, nextRetryAt.Unix(), id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseSyncJob).Inc()
		return false, fmt.Errorf("failed to release sync job: %w", err)
	}
	return true, nil
}

// GetSyncJobQueueLength returns the number of sync jobs in the queue
func (db *DB) GetSyncJobQueueLength() (int, error) {
	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM sync_jobs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get sync job queue length: %w", err)
	}
	return count, nil
}

// GetReadySyncJobQueueLength returns the number of sync jobs ready to process
func (db *DB) GetReadySyncJobQueueLength() (int, error) {
	now := time.Now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	var count int
	err := db.conn.QueryRow(`
		SELECT COUNT(*)
		FROM sync_jobs
		WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND (processing_started_at IS NULL OR processing_started_at < ?)
	`, now.Unix(), staleThreshold).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get ready sync job queue length: %w", err)
	}
	return count, nil
}
