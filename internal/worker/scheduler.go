package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"sosg-strava-sync/internal/database"
	"sosg-strava-sync/internal/metrics"
)

type ScheduleStore interface {
	ListConnections(ctx context.Context) ([]*database.Connection, error)
	EnqueueSyncJob(ctx context.Context, coachID, jobType string) (int64, error)
}

// Scheduler periodically queues a backfill for every connected coach so that
// webhook deliveries Strava dropped are eventually picked up
type Scheduler struct {
	cron   *cron.Cron
	store  ScheduleStore
	spec   string
	logger *slog.Logger
}

func NewScheduler(store ScheduleStore, spec string) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		store:  store,
		spec:   spec,
		logger: slog.Default(),
	}
}

// Start registers the backfill job and runs the cron loop until ctx is done
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.EnqueueAll(ctx) }); err != nil {
		return fmt.Errorf("invalid backfill schedule %q: %w", s.spec, err)
	}

	s.cron.Start()
	s.logger.Info("Backfill scheduler started", "schedule", s.spec)

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("Backfill scheduler stopped")
	return nil
}

// EnqueueAll queues a backfill job per connection and returns how many were
// queued. Coaches whose token has expired are skipped until they reconnect.
func (s *Scheduler) EnqueueAll(ctx context.Context) int {
	conns, err := s.store.ListConnections(ctx)
	if err != nil {
		s.logger.Error("Failed to list connections for backfill", "error", err)
		return 0
	}

	queued := 0
	for _, conn := range conns {
		if conn.LastSyncStatus != nil && *conn.LastSyncStatus == database.ConnectionTokenExpired {
			continue
		}
		if _, err := s.store.EnqueueSyncJob(ctx, conn.CoachID, database.JobTypeBackfill); err != nil {
			s.logger.Error("Failed to enqueue backfill", "coach_id", conn.CoachID, "error", err)
			continue
		}
		queued++
		metrics.ScheduledBackfillsTotal.Inc()
	}

	s.logger.Info("Queued scheduled backfills", "count", queued, "connections", len(conns))
	return queued
}
