package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sosg-strava-sync/internal/config"
	"sosg-strava-sync/internal/database"
	"sosg-strava-sync/internal/metrics"
	"sosg-strava-sync/internal/reconcile"
	"sosg-strava-sync/internal/strava"
	"sosg-strava-sync/internal/tokens"
)

const (
	backfillPageSize = 100
	// Backfills pause while Strava reports this share of a window used, so
	// webhook fetches keep some headroom
	rateLimitThreshold = 90.0
)

var errNearRateLimit = errors.New("strava rate limit nearly exhausted")

type Queue interface {
	ClaimSyncJob(ctx context.Context) (*database.SyncJob, error)
	DeleteSyncJob(ctx context.Context, id int64) error
	ReleaseSyncJob(ctx context.Context, id int64, retryCount int, errMsg string) (bool, error)
	GetConnection(ctx context.Context, coachID string) (*database.Connection, error)
}

type TokenSource interface {
	GetValidAccessToken(ctx context.Context, coachID string) (string, error)
}

// ActivityAPI is the part of the Strava client a backfill needs
type ActivityAPI interface {
	ListActivities(ctx context.Context, accessToken string, after time.Time, page, perPage int) ([]strava.ActivitySummary, bool, error)
	GetActivity(ctx context.Context, accessToken string, activityID int64) (*strava.Activity, error)
}

// RateLimited is implemented by clients that track Strava's reported limits
type RateLimited interface {
	IsNearRateLimit(threshold float64) bool
}

type Importer interface {
	Import(ctx context.Context, coachID string, activity *strava.Activity, source database.SyncSource) reconcile.Outcome
}

// Worker drains the sync job queue
type Worker struct {
	queue        Queue
	tokens       TokenSource
	api          ActivityAPI
	importer     Importer
	lookback     time.Duration
	logger       *slog.Logger
	pollInterval time.Duration
	pageDelay    time.Duration
	now          func() time.Time
}

// NewWorker creates a new sync job worker
func NewWorker(queue Queue, tokens TokenSource, api ActivityAPI, importer Importer, cfg *config.Config) *Worker {
	return &Worker{
		queue:        queue,
		tokens:       tokens,
		api:          api,
		importer:     importer,
		lookback:     cfg.BackfillLookback,
		logger:       slog.Default(),
		pollInterval: 500 * time.Millisecond,
		pageDelay:    100 * time.Millisecond,
		now:          time.Now,
	}
}

// Start processes sync jobs until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting sync job worker")
	metrics.WorkerActive.Set(1)
	defer metrics.WorkerActive.Set(0)

	for {
		found, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error("Failed to claim sync job", "error", err)
		}
		if found {
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Stopping sync job worker")
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

// ProcessNext claims and processes one ready job. It reports whether a job
// was found.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimSyncJob(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeIdle).Inc()
		return false, nil
	}

	metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeSyncJobFound).Inc()
	w.processSyncJob(ctx, job)
	return true, nil
}

// processSyncJob handles a single sync job
func (w *Worker) processSyncJob(ctx context.Context, job *database.SyncJob) {
	start := time.Now()
	w.logger.Info("Processing sync job",
		"id", job.ID,
		"coach_id", job.CoachID,
		"job_type", job.JobType,
		"retry_count", job.RetryCount)

	var err error
	switch job.JobType {
	case database.JobTypeBackfill:
		err = w.backfill(ctx, job.CoachID)
	default:
		w.logger.Warn("Unknown sync job type", "id", job.ID, "job_type", job.JobType)
		w.drop(ctx, job, start)
		return
	}

	if err != nil && tokens.IsCredentialError(err) {
		// Nothing to retry until the coach reconnects
		w.logger.Warn("Dropping sync job, coach must reconnect", "id", job.ID, "coach_id", job.CoachID, "error", err)
		w.drop(ctx, job, start)
		return
	}

	if err != nil {
		w.logger.Error("Failed to process sync job", "id", job.ID, "error", err)
		duration := time.Since(start).Seconds()
		metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultFailure).Observe(duration)
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultRetry).Inc()
		w.releaseSyncJob(ctx, job.ID, job.RetryCount, err.Error())
		return
	}

	if err := w.queue.DeleteSyncJob(ctx, job.ID); err != nil {
		w.logger.Error("Failed to delete completed sync job", "id", job.ID, "error", err)
		return
	}
	duration := time.Since(start).Seconds()
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultSuccess).Observe(duration)
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultSuccess).Inc()
	metrics.SyncJobsCompletedTotal.WithLabelValues(job.JobType).Inc()
	w.logger.Info("Sync job processed successfully", "id", job.ID)
}

func (w *Worker) drop(ctx context.Context, job *database.SyncJob, start time.Time) {
	if err := w.queue.DeleteSyncJob(ctx, job.ID); err != nil {
		w.logger.Error("Failed to delete sync job", "id", job.ID, "error", err)
	}
	duration := time.Since(start).Seconds()
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultSuccess).Observe(duration)
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultDropped).Inc()
}

// backfill imports the coach's recent runs. The window starts at the last
// sync or the lookback, whichever is earlier. Duplicates are skipped by the
// reconciler so overlapping windows are harmless.
func (w *Worker) backfill(ctx context.Context, coachID string) error {
	conn, err := w.queue.GetConnection(ctx, coachID)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	if conn == nil {
		return tokens.ErrNoConnection
	}

	after := w.now().Add(-w.lookback)
	if conn.LastSyncAt != nil && conn.LastSyncAt.Before(after) {
		after = *conn.LastSyncAt
	}

	w.logger.Info("Starting backfill", "coach_id", coachID, "after", after)

	imported := 0
	for page := 1; ; page++ {
		if rl, ok := w.api.(RateLimited); ok && rl.IsNearRateLimit(rateLimitThreshold) {
			return fmt.Errorf("%w before page %d", errNearRateLimit, page)
		}

		token, err := w.tokens.GetValidAccessToken(ctx, coachID)
		if err != nil {
			return fmt.Errorf("failed to get access token: %w", err)
		}

		summaries, hasMore, err := w.api.ListActivities(ctx, token, after, page, backfillPageSize)
		if err != nil {
			if strava.IsUnauthorized(err) {
				return fmt.Errorf("%w: %w", tokens.ErrRefreshFailed, err)
			}
			return fmt.Errorf("failed to list activities (page %d): %w", page, err)
		}

		for _, summary := range summaries {
			if !reconcile.IsRun(summary.SportType) {
				continue
			}
			ok, err := w.importActivity(ctx, coachID, token, summary.ID)
			if err != nil {
				return err
			}
			if ok {
				imported++
			}
		}

		w.logger.Info("Backfilled activities page",
			"coach_id", coachID,
			"page", page,
			"count", len(summaries),
			"imported", imported)

		if !hasMore {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pageDelay):
		}
	}

	w.logger.Info("Completed backfill", "coach_id", coachID, "imported", imported)
	metrics.BackfillActivitiesCount.Observe(float64(imported))
	return nil
}

// importActivity fetches one run and hands it to the reconciler. Per-activity
// failures are recorded in the sync log and do not fail the job, but rate
// limiting and storage outages do.
func (w *Worker) importActivity(ctx context.Context, coachID, token string, activityID int64) (bool, error) {
	activity, err := w.api.GetActivity(ctx, token, activityID)
	if err != nil {
		switch {
		case strava.IsNotFound(err):
			w.logger.Warn("Activity not found during backfill, skipping", "activity_id", activityID)
			return false, nil
		case strava.IsTooManyRequests(err):
			return false, fmt.Errorf("rate limited during backfill: %w", err)
		case strava.IsUnauthorized(err):
			return false, fmt.Errorf("%w: %w", tokens.ErrRefreshFailed, err)
		}
		return false, fmt.Errorf("failed to get activity %d: %w", activityID, err)
	}

	out := w.importer.Import(ctx, coachID, activity, database.SourceBackfill)
	switch out.State {
	case reconcile.StateAborted:
		return false, fmt.Errorf("failed to import activity %d: %w", activityID, out.Err)
	case reconcile.StateNotified:
		return true, nil
	case reconcile.StateError:
		w.logger.Warn("Backfilled activity failed", "activity_id", activityID, "log_id", out.LogID, "error", out.Err)
	}
	return false, nil
}

// releaseSyncJob releases a sync job back to the queue with exponential backoff
func (w *Worker) releaseSyncJob(ctx context.Context, jobID int64, currentRetryCount int, errorMsg string) {
	shouldRetry, err := w.queue.ReleaseSyncJob(ctx, jobID, currentRetryCount, errorMsg)
	if err != nil {
		w.logger.Error("Failed to release sync job", "id", jobID, "error", err)
		return
	}

	if !shouldRetry {
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultDropped).Inc()
		w.logger.Warn("Sync job exceeded max retries, dropped",
			"id", jobID,
			"retry_count", currentRetryCount)
	} else {
		w.logger.Info("Sync job released for retry",
			"id", jobID,
			"retry_count", currentRetryCount+1)
	}
}
