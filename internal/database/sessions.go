package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sosg-strava-sync/internal/metrics"
)

// ErrSessionDeleted is returned when a sync targets a session whose Strava
// activity was already deleted
var ErrSessionDeleted = errors.New("session was deleted on strava")

type SessionStatus string

const (
	SessionPlanned   SessionStatus = "planned"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

type SyncSource string

const (
	SourceStravaWebhook SyncSource = "strava_webhook"
	SourceManual        SyncSource = "manual"
	SourceBackfill      SyncSource = "backfill"
)

type MatchMethod string

const (
	MatchHashtag      MatchMethod = "hashtag"
	MatchSchedule     MatchMethod = "schedule"
	MatchManualReview MatchMethod = "manual_review"
)

type MatchConfidence string

const (
	ConfidenceHigh   MatchConfidence = "high"
	ConfidenceMedium MatchConfidence = "medium"
	ConfidenceManual MatchConfidence = "manual"
)

// Session is one planned or completed run for an athlete
type Session struct {
	ID               string
	AthleteID        string
	CoachID          string
	StravaActivityID *int64
	Status           SessionStatus
	Date             time.Time
	DistanceKm       *float64
	DurationSeconds  *int64
	MapPolyline      *string
	Feel             *int
	Note             *string
	SyncSource       SyncSource
	MatchMethod      *MatchMethod
	MatchConfidence  *MatchConfidence
	StravaDeletedAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SyncedSession carries the fields an automated sync owns. Feel and note are
// deliberately absent.
type SyncedSession struct {
	AthleteID        string
	CoachID          string
	StravaActivityID int64
	Date             time.Time
	DistanceKm       float64
	DurationSeconds  int64
	MapPolyline      string
	SyncSource       SyncSource
	MatchMethod      MatchMethod
	MatchConfidence  MatchConfidence
}

const sessionColumns = `
	id, athlete_id, coach_id, strava_activity_id, status, date, distance_km, duration_seconds,
	map_polyline, feel, note, sync_source, match_method, match_confidence, strava_deleted_at,
	created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var date, createdAt, updatedAt int64
	var deletedAt *int64
	var method, confidence *string

	if err := row.Scan(
		&s.ID, &s.AthleteID, &s.CoachID, &s.StravaActivityID, &s.Status, &date, &s.DistanceKm, &s.DurationSeconds,
		&s.MapPolyline, &s.Feel, &s.Note, &s.SyncSource, &method, &confidence, &deletedAt,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	s.Date = time.Unix(date, 0).UTC()
	s.StravaDeletedAt = timePtr(deletedAt)
	if method != nil {
		m := MatchMethod(*method)
		s.MatchMethod = &m
	}
	if confidence != nil {
		c := MatchConfidence(*confidence)
		s.MatchConfidence = &c
	}
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &s, nil
}

// CreateSession inserts a session as given, assigning an ID when s.ID is empty
func (db *DB) CreateSession(ctx context.Context, s *Session) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCreateSession))
	defer timer.ObserveDuration()

	if s.ID == "" {
		s.ID = newID()
	}
	now := time.Now().UTC().Truncate(time.Second)
	s.CreatedAt = now
	s.UpdatedAt = now

	var method, confidence *string
	if s.MatchMethod != nil {
		v := string(*s.MatchMethod)
		method = &v
	}
	if s.MatchConfidence != nil {
		v := string(*s.MatchConfidence)
		confidence = &v
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.AthleteID, s.CoachID, s.StravaActivityID, string(s.Status), s.Date.Unix(), s.DistanceKm, s.DurationSeconds,
		s.MapPolyline, s.Feel, s.Note, string(s.SyncSource), method, confidence, unixPtr(s.StravaDeletedAt),
		now.Unix(), now.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCreateSession).Inc()
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (db *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// GetSessionByActivity retrieves the session linked to a Strava activity
func (db *DB) GetSessionByActivity(ctx context.Context, stravaActivityID int64) (*Session, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE strava_activity_id = ?`, stravaActivityID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by activity: %w", err)
	}
	return s, nil
}

// FindPlannedSessions returns the coach's planned sessions dated within
// [from, to], both ends inclusive
func (db *DB) FindPlannedSessions(ctx context.Context, coachID string, from, to time.Time) ([]*Session, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpFindPlannedSessions))
	defer timer.ObserveDuration()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE coach_id = ? AND status = 'planned' AND date >= ? AND date <= ?
		ORDER BY date
	`, coachID, from.Unix(), to.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpFindPlannedSessions).Inc()
		return nil, fmt.Errorf("failed to find planned sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListCompletedSessions returns an athlete's completed sessions, oldest first
func (db *DB) ListCompletedSessions(ctx context.Context, athleteID string) ([]*Session, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE athlete_id = ? AND status = 'completed'
		ORDER BY date ASC
	`, athleteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SetSessionFeedback writes the coach-authored fields
func (db *DB) SetSessionFeedback(ctx context.Context, coachID, sessionID string, feel *int, note *string) error {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE sessions SET feel = ?, note = ?, updated_at = ?
		WHERE id = ? AND coach_id = ?
	`, feel, note, time.Now().Unix(), sessionID, coachID)
	if err != nil {
		return fmt.Errorf("failed to set session feedback: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session not found")
	}
	return nil
}

// SoftDeleteSessionsByActivity stamps strava_deleted_at on the coach's
// sessions linked to the activity and returns how many rows changed
func (db *DB) SoftDeleteSessionsByActivity(ctx context.Context, coachID string, stravaActivityID int64, at time.Time) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSoftDeleteSessions))
	defer timer.ObserveDuration()

	result, err := db.conn.ExecContext(ctx, `
		UPDATE sessions SET strava_deleted_at = ?, updated_at = ?
		WHERE coach_id = ? AND strava_activity_id = ?
	`, at.Unix(), time.Now().Unix(), coachID, stravaActivityID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSoftDeleteSessions).Inc()
		return 0, fmt.Errorf("failed to soft delete sessions: %w", err)
	}
	return result.RowsAffected()
}

// UpsertSyncedSession inserts a completed session for the activity, or
// updates the existing one in place. Feel and note are never written here,
// so coach-entered values survive every resync. It returns the session ID
// and whether a new row was created. A row soft-deleted by a Strava delete is
// left untouched and ErrSessionDeleted is returned.
func (tx *Tx) UpsertSyncedSession(ctx context.Context, s *SyncedSession) (string, bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertSession))
	defer timer.ObserveDuration()

	candidateID := newID()
	now := time.Now().Unix()

	var id string
	err := tx.q.QueryRowContext(ctx, `
		INSERT INTO sessions (
			id, athlete_id, coach_id, strava_activity_id, status, date, distance_km, duration_seconds,
			map_polyline, feel, note, sync_source, match_method, match_confidence, created_at, updated_at
		) VALUES (?, ?, ?, ?, 'completed', ?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?, ?)
		ON CONFLICT(strava_activity_id) WHERE strava_activity_id IS NOT NULL DO UPDATE SET
			athlete_id = excluded.athlete_id,
			coach_id = excluded.coach_id,
			status = 'completed',
			date = excluded.date,
			distance_km = excluded.distance_km,
			duration_seconds = excluded.duration_seconds,
			map_polyline = excluded.map_polyline,
			sync_source = excluded.sync_source,
			match_method = excluded.match_method,
			match_confidence = excluded.match_confidence,
			updated_at = excluded.updated_at
		WHERE sessions.strava_deleted_at IS NULL
		RETURNING id
	`, candidateID, s.AthleteID, s.CoachID, s.StravaActivityID, s.Date.Unix(), s.DistanceKm, s.DurationSeconds,
		nullIfEmpty(s.MapPolyline), string(s.SyncSource), string(s.MatchMethod), string(s.MatchConfidence), now, now,
	).Scan(&id)
	if err == sql.ErrNoRows {
		// the conflict update was filtered out
		return "", false, ErrSessionDeleted
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertSession).Inc()
		return "", false, fmt.Errorf("failed to upsert session: %w", err)
	}

	return id, id == candidateID, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
