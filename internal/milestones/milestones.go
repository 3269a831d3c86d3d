// Package milestones awards automatic milestones after a session is logged
// by hand.
package milestones

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"sosg-strava-sync/internal/database"
	"sosg-strava-sync/internal/metrics"
	"sosg-strava-sync/internal/monitoring"
)

// Condition metrics understood by RuleEvaluator
const (
	MetricSessionCount = "session_count"
	MetricDistanceKm   = "distance_km"
	MetricLongestRun   = "longest_run"
)

// Hook evaluates milestones for a newly completed session and returns how
// many were awarded
type Hook interface {
	Evaluate(ctx context.Context, athleteID, sessionID string) (int, error)
}

type Store interface {
	ListActiveAutomaticDefinitions(ctx context.Context) ([]*database.MilestoneDefinition, error)
	ListEarnedDefinitionIDs(ctx context.Context, athleteID string) (map[string]bool, error)
	ListCompletedSessions(ctx context.Context, athleteID string) ([]*database.Session, error)
	AwardMilestones(ctx context.Context, awards []*database.Milestone) error
}

// RuleEvaluator applies each active automatic definition the athlete has
// not yet earned
type RuleEvaluator struct {
	store Store
	now   func() time.Time
}

func NewRuleEvaluator(store Store) *RuleEvaluator {
	return &RuleEvaluator{store: store, now: time.Now}
}

func (e *RuleEvaluator) Evaluate(ctx context.Context, athleteID, sessionID string) (int, error) {
	defs, err := e.store.ListActiveAutomaticDefinitions(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to load milestone definitions")
	}
	if len(defs) == 0 {
		return 0, nil
	}

	earned, err := e.store.ListEarnedDefinitionIDs(ctx, athleteID)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to load earned milestones", goerr.V("athlete_id", athleteID))
	}

	sessions, err := e.store.ListCompletedSessions(ctx, athleteID)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to load sessions", goerr.V("athlete_id", athleteID))
	}

	stats := summarize(sessions, sessionID)

	var awards []*database.Milestone
	achievedAt := e.now().UTC()
	for _, def := range defs {
		if earned[def.ID] || def.Condition == nil {
			continue
		}
		if !stats.satisfies(def.Condition) {
			continue
		}
		defID := def.ID
		sid := sessionID
		awards = append(awards, &database.Milestone{
			AthleteID:             athleteID,
			MilestoneDefinitionID: &defID,
			Label:                 def.Label,
			AchievedAt:            achievedAt,
			SessionID:             &sid,
		})
	}

	if len(awards) == 0 {
		return 0, nil
	}
	if err := e.store.AwardMilestones(ctx, awards); err != nil {
		return 0, goerr.Wrap(err, "failed to award milestones", goerr.V("athlete_id", athleteID))
	}
	metrics.MilestonesAwardedTotal.Add(float64(len(awards)))
	return len(awards), nil
}

type sessionStats struct {
	count       int
	current     *float64
	maxDistance float64
}

func summarize(sessions []*database.Session, sessionID string) sessionStats {
	stats := sessionStats{count: len(sessions)}
	for _, s := range sessions {
		if s.ID == sessionID {
			stats.current = s.DistanceKm
		}
		if s.DistanceKm != nil && *s.DistanceKm > stats.maxDistance {
			stats.maxDistance = *s.DistanceKm
		}
	}
	return stats
}

func (s sessionStats) satisfies(c *database.MilestoneCondition) bool {
	switch c.Metric {
	case MetricSessionCount:
		return c.Threshold != nil && float64(s.count) == *c.Threshold
	case MetricDistanceKm:
		return c.Threshold != nil && s.current != nil && *s.current >= *c.Threshold
	case MetricLongestRun:
		return s.current != nil && *s.current > 0 && *s.current >= s.maxDistance
	}
	return false
}

// Dispatcher runs a hook in the background so callers never wait on it
type Dispatcher struct {
	hook    Hook
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(hook Hook, timeout time.Duration) *Dispatcher {
	return &Dispatcher{hook: hook, timeout: timeout, logger: slog.Default()}
}

// Dispatch evaluates milestones for the session without blocking. Failures
// are logged only.
func (d *Dispatcher) Dispatch(athleteID, sessionID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer monitoring.Recover(d.logger, "Milestone hook panicked")

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		n, err := d.hook.Evaluate(ctx, athleteID, sessionID)
		if err != nil {
			d.logger.Error("Milestone evaluation failed",
				append(monitoring.ErrorAttrs(err), "athlete_id", athleteID, "session_id", sessionID)...)
			return
		}
		if n > 0 {
			d.logger.Info("Awarded milestones", "athlete_id", athleteID, "session_id", sessionID, "count", n)
		}
	}()
}

// Wait blocks until every dispatched evaluation has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
