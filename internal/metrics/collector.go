package metrics

import (
	"context"
	"log/slog"
	"time"
)

// QueueDB reports sync job queue depths
type QueueDB interface {
	GetSyncJobQueueLength() (int, error)
	GetReadySyncJobQueueLength() (int, error)
}

// StartQueueDepthCollector periodically samples queue depth gauges until ctx
// is cancelled
func StartQueueDepthCollector(ctx context.Context, db QueueDB, interval time.Duration) {
	logger := slog.Default()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	collectQueueDepths(db, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Queue depth collector stopping")
			return
		case <-ticker.C:
			collectQueueDepths(db, logger)
		}
	}
}

func collectQueueDepths(db QueueDB, logger *slog.Logger) {
	if total, err := db.GetSyncJobQueueLength(); err != nil {
		logger.Error("Failed to get sync job queue length", "error", err)
	} else {
		QueueDepthTotal.WithLabelValues(QueueTypeSyncJob).Set(float64(total))
	}

	if ready, err := db.GetReadySyncJobQueueLength(); err != nil {
		logger.Error("Failed to get ready sync job queue length", "error", err)
	} else {
		QueueDepthReady.WithLabelValues(QueueTypeSyncJob).Set(float64(ready))
	}
}
