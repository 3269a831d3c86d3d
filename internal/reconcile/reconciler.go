// Package reconcile turns one Strava activity event into a terminal sync log
// entry and, when the activity can be attributed, a completed session.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"sosg-strava-sync/internal/database"
	"sosg-strava-sync/internal/matcher"
	"sosg-strava-sync/internal/metrics"
	"sosg-strava-sync/internal/monitoring"
	"sosg-strava-sync/internal/strava"
)

const (
	feelPromptMessage = "How did the run go? Add a feel score."
	unmatchedMessage  = "A run could not be linked to an athlete"
)

// Store is the persistence the reconciler writes to
type Store interface {
	GetConnectionByAthlete(ctx context.Context, stravaAthleteID int64) (*database.Connection, error)
	OpenSyncLog(ctx context.Context, in database.SyncLogOpen) (string, error)
	CloseSyncLog(ctx context.Context, id string, c database.SyncLogClose) error
	HasCompletedCreate(ctx context.Context, stravaActivityID int64, excludeID string) (bool, error)
	SoftDeleteSessionsByActivity(ctx context.Context, coachID string, stravaActivityID int64, at time.Time) (int64, error)
	SetConnectionStatus(ctx context.Context, coachID string, status database.ConnectionStatus, errMsg string) error
	CreateNotification(ctx context.Context, userID string, typ database.NotificationType, payload any) (int64, error)
	WithTx(ctx context.Context, fn func(tx *database.Tx) error) error
}

// TokenSource yields a valid access token for a coach
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, coachID string) (string, error)
}

// ActivityFetcher loads one activity from Strava
type ActivityFetcher interface {
	GetActivity(ctx context.Context, accessToken string, activityID int64) (*strava.Activity, error)
}

// Matcher attributes an activity to one of the coach's athletes
type Matcher interface {
	Match(ctx context.Context, activity *strava.Activity, coachID string) (matcher.Result, error)
}

// Outcome describes where one event's state machine stopped
type Outcome struct {
	State     State
	LogID     string
	CoachID   string
	SessionID string
	// Err is set for StateError and StateAborted
	Err error
}

// Reconciler runs activity events through the sync state machine
type Reconciler struct {
	store   Store
	tokens  TokenSource
	fetcher ActivityFetcher
	matcher Matcher
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Reconciler writing to store
func New(store Store, tokens TokenSource, fetcher ActivityFetcher, m Matcher) *Reconciler {
	return &Reconciler{
		store:   store,
		tokens:  tokens,
		fetcher: fetcher,
		matcher: m,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// HandleWebhook resolves the owning coach and runs the event through the
// state machine. An owner with no stored connection is ignored without a
// sync log entry.
func (r *Reconciler) HandleWebhook(ctx context.Context, event strava.Event) Outcome {
	h := event.Header()
	metrics.WebhookEventsReceivedTotal.WithLabelValues(event.Aspect()).Inc()

	conn, err := r.store.GetConnectionByAthlete(ctx, h.OwnerID)
	if err != nil {
		err = goerr.Wrap(err, "failed to resolve event owner", goerr.V("owner_id", h.OwnerID))
		monitoring.Report(r.logger, "Failed to look up connection for webhook", err, "activity_id", h.ActivityID)
		return r.finish(&run{source: database.SourceStravaWebhook}, Outcome{State: StateAborted, Err: err})
	}
	if conn == nil {
		r.logger.Info("Ignoring event for unknown owner", "owner_id", h.OwnerID, "activity_id", h.ActivityID)
		return r.finish(&run{source: database.SourceStravaWebhook}, Outcome{State: StateIgnored})
	}

	p := &run{
		source:     database.SourceStravaWebhook,
		coachID:    conn.CoachID,
		activityID: h.ActivityID,
		eventType:  database.EventType(event.Aspect()),
		raw:        h.Raw,
	}
	if !h.EventTime.IsZero() {
		t := h.EventTime
		p.eventTime = &t
	}
	return r.execute(ctx, p)
}

// Import reconciles an activity that was fetched outside the webhook path,
// as a create event with the given sync source. Token acquisition and the
// fetch are skipped.
func (r *Reconciler) Import(ctx context.Context, coachID string, activity *strava.Activity, source database.SyncSource) Outcome {
	p := &run{
		source:     source,
		coachID:    coachID,
		activityID: activity.ID,
		eventType:  database.EventCreate,
		raw:        activity.Raw,
		activity:   activity,
	}
	return r.execute(ctx, p)
}

// run carries the mutable state of one pass through the machine
type run struct {
	source     database.SyncSource
	coachID    string
	activityID int64
	eventType  database.EventType
	eventTime  *time.Time
	raw        json.RawMessage

	logID     string
	token     string
	activity  *strava.Activity
	match     matcher.Result
	sessionID string
	created   bool
	inserted  bool
	err       error
}

func (r *Reconciler) execute(ctx context.Context, p *run) Outcome {
	state := StateReceived
	for !state.Terminal() {
		state = r.step(ctx, p, state)
	}
	return r.finish(p, Outcome{
		State:     state,
		LogID:     p.logID,
		CoachID:   p.coachID,
		SessionID: p.sessionID,
		Err:       p.err,
	})
}

func (r *Reconciler) finish(p *run, out Outcome) Outcome {
	metrics.ReconciliationsTotal.WithLabelValues(string(p.source), string(out.State)).Inc()
	return out
}

// step performs the work that leaves state and returns the next state
func (r *Reconciler) step(ctx context.Context, p *run, state State) State {
	switch state {
	case StateReceived:
		return r.receive(ctx, p)
	case StateTokenAcquired:
		return r.fetch(ctx, p)
	case StateActivityFetched:
		return r.filterSport(ctx, p)
	case StateSportFiltered:
		return r.matchAthlete(ctx, p)
	case StateMatched:
		return r.reconcileSession(ctx, p)
	case StateUnmatched:
		return r.recordUnmatched(ctx, p)
	case StateSessionReconciled:
		return r.notify(ctx, p)
	case StateSkipped, StateNotified, StateDeleted, StateError, StateAborted, StateIgnored:
		return state
	default:
		p.err = goerr.New("unknown reconcile state", goerr.V("state", state))
		return StateAborted
	}
}

func (r *Reconciler) receive(ctx context.Context, p *run) State {
	logID, err := r.store.OpenSyncLog(ctx, database.SyncLogOpen{
		StravaActivityID: p.activityID,
		CoachID:          p.coachID,
		EventType:        p.eventType,
		EventTime:        p.eventTime,
		Source:           p.source,
		RawPayload:       p.raw,
	})
	if err != nil {
		p.err = goerr.Wrap(err, "failed to open sync log",
			goerr.V("activity_id", p.activityID), goerr.V("coach_id", p.coachID))
		monitoring.Report(r.logger, "Sync log insert failed, dropping event", p.err,
			"event_type", p.eventType, "source", p.source)
		return StateAborted
	}
	p.logID = logID

	if p.eventType == database.EventDelete {
		return r.softDelete(ctx, p)
	}

	if p.eventType == database.EventCreate {
		dup, err := r.store.HasCompletedCreate(ctx, p.activityID, p.logID)
		if err != nil {
			return r.fail(ctx, p, goerr.Wrap(err, "failed to check for duplicate delivery"))
		}
		if dup {
			r.logger.Info("Skipping duplicate create", "activity_id", p.activityID, "log_id", p.logID)
			return r.close(ctx, p, StateSkipped, database.SyncLogClose{Status: database.SyncSkipped})
		}
	}

	if p.activity != nil {
		return StateActivityFetched
	}

	token, err := r.tokens.GetValidAccessToken(ctx, p.coachID)
	if err != nil {
		return r.fail(ctx, p, err)
	}
	p.token = token
	return StateTokenAcquired
}

func (r *Reconciler) softDelete(ctx context.Context, p *run) State {
	n, err := r.store.SoftDeleteSessionsByActivity(ctx, p.coachID, p.activityID, r.now())
	if err != nil {
		return r.fail(ctx, p, goerr.Wrap(err, "failed to soft delete sessions"))
	}
	r.logger.Info("Soft deleted sessions for activity", "activity_id", p.activityID, "coach_id", p.coachID, "count", n)
	return r.close(ctx, p, StateDeleted, database.SyncLogClose{Status: database.SyncMatched})
}

func (r *Reconciler) fetch(ctx context.Context, p *run) State {
	activity, err := r.fetcher.GetActivity(ctx, p.token, p.activityID)
	if err != nil {
		err = goerr.Wrap(err, "failed to fetch activity", goerr.V("status_code", strava.StatusCode(err)))
		if serr := r.store.SetConnectionStatus(ctx, p.coachID, database.ConnectionError, err.Error()); serr != nil {
			r.logger.Error("Failed to record fetch failure on connection", "coach_id", p.coachID, "error", serr)
		}
		return r.fail(ctx, p, err)
	}
	p.activity = activity
	return StateActivityFetched
}

func (r *Reconciler) filterSport(ctx context.Context, p *run) State {
	if !IsRun(p.activity.SportType) {
		r.logger.Debug("Skipping non-run activity", "activity_id", p.activityID, "sport_type", p.activity.SportType)
		return r.close(ctx, p, StateSkipped, database.SyncLogClose{Status: database.SyncSkipped})
	}
	return StateSportFiltered
}

func (r *Reconciler) matchAthlete(ctx context.Context, p *run) State {
	res, err := r.matcher.Match(ctx, p.activity, p.coachID)
	if err != nil {
		return r.fail(ctx, p, err)
	}
	p.match = res
	if res.Matched {
		return StateMatched
	}
	return StateUnmatched
}

func (r *Reconciler) reconcileSession(ctx context.Context, p *run) State {
	a := p.activity
	err := r.store.WithTx(ctx, func(tx *database.Tx) error {
		id, created, err := tx.UpsertSyncedSession(ctx, &database.SyncedSession{
			AthleteID:        p.match.AthleteID,
			CoachID:          p.coachID,
			StravaActivityID: p.activityID,
			Date:             a.StartDate,
			DistanceKm:       a.DistanceKm(),
			DurationSeconds:  a.MovingTime,
			MapPolyline:      a.Map.SummaryPolyline,
			SyncSource:       p.source,
			MatchMethod:      p.match.Method,
			MatchConfidence:  p.match.Confidence,
		})
		if err != nil {
			return err
		}
		if err := tx.CloseSyncLog(ctx, p.logID, database.SyncLogClose{
			Status:          database.SyncMatched,
			ResultSessionID: id,
		}); err != nil {
			return err
		}
		if err := tx.MarkConnectionSynced(ctx, p.coachID, r.now()); err != nil {
			return err
		}
		p.sessionID = id
		p.created = created
		return nil
	})
	if errors.Is(err, database.ErrSessionDeleted) {
		p.sessionID = ""
		r.logger.Info("Skipping sync of deleted activity", "activity_id", p.activityID, "coach_id", p.coachID)
		return r.close(ctx, p, StateSkipped, database.SyncLogClose{Status: database.SyncSkipped})
	}
	if err != nil {
		p.sessionID = ""
		return r.fail(ctx, p, goerr.Wrap(err, "failed to reconcile session"))
	}

	r.logger.Info("Reconciled session",
		"activity_id", p.activityID,
		"session_id", p.sessionID,
		"athlete_id", p.match.AthleteID,
		"method", p.match.Method,
		"created", p.created)
	return StateSessionReconciled
}

func (r *Reconciler) recordUnmatched(ctx context.Context, p *run) State {
	data := p.activity.Raw
	if len(data) == 0 {
		encoded, err := json.Marshal(p.activity)
		if err != nil {
			return r.fail(ctx, p, goerr.Wrap(err, "failed to encode activity"))
		}
		data = encoded
	}

	err := r.store.WithTx(ctx, func(tx *database.Tx) error {
		_, inserted, err := tx.RecordUnmatched(ctx, p.coachID, p.activityID, data)
		if err != nil {
			return err
		}
		if err := tx.CloseSyncLog(ctx, p.logID, database.SyncLogClose{Status: database.SyncUnmatched}); err != nil {
			return err
		}
		p.inserted = inserted
		return nil
	})
	if err != nil {
		return r.fail(ctx, p, goerr.Wrap(err, "failed to record unmatched activity"))
	}

	r.logger.Info("Recorded unmatched activity", "activity_id", p.activityID, "coach_id", p.coachID, "new", p.inserted)
	return StateSessionReconciled
}

// notify is best effort; the sync log is already terminal
func (r *Reconciler) notify(ctx context.Context, p *run) State {
	var (
		typ     database.NotificationType
		payload map[string]any
	)
	switch {
	case p.match.Matched:
		typ = database.NotificationFeelPrompt
		payload = map[string]any{
			"session_id": p.sessionID,
			"athlete_id": p.match.AthleteID,
			"message":    feelPromptMessage,
		}
	case p.inserted:
		typ = database.NotificationUnmatchedRun
		payload = map[string]any{
			"strava_activity_id": p.activityID,
			"message":            unmatchedMessage,
		}
	default:
		// refreshed an unmatched record the coach was already told about
		return StateNotified
	}

	if _, err := r.store.CreateNotification(ctx, p.coachID, typ, payload); err != nil {
		r.logger.Error("Failed to create notification",
			"coach_id", p.coachID, "activity_id", p.activityID, "type", typ, "error", err)
	}
	return StateNotified
}

// fail records err on the sync log and halts
func (r *Reconciler) fail(ctx context.Context, p *run, err error) State {
	p.err = err
	r.logger.Warn("Reconciliation failed",
		append(monitoring.ErrorAttrs(err), "activity_id", p.activityID, "coach_id", p.coachID, "log_id", p.logID)...)
	return r.close(ctx, p, StateError, database.SyncLogClose{
		Status:       database.SyncError,
		ErrorMessage: err.Error(),
	})
}

func (r *Reconciler) close(ctx context.Context, p *run, next State, c database.SyncLogClose) State {
	if err := r.store.CloseSyncLog(ctx, p.logID, c); err != nil {
		r.logger.Error("Failed to close sync log", "log_id", p.logID, "status", c.Status, "error", err)
	}
	return next
}

// IsRun reports whether a Strava sport type is one the pipeline syncs
func IsRun(sportType string) bool {
	switch sportType {
	case "Run", "TrailRun", "VirtualRun":
		return true
	}
	return false
}
