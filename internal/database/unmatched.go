package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sosg-strava-sync/internal/metrics"
)

// UnmatchedActivity is a fetched run that no athlete could be linked to
type UnmatchedActivity struct {
	ID                string
	CoachID           string
	StravaActivityID  int64
	ActivityData      json.RawMessage
	ResolvedAt        *time.Time
	ResolvedBy        *string
	ResolvedSessionID *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RecordUnmatched stores the activity payload for human review. A later
// delivery for the same unresolved activity refreshes the stored payload
// instead of adding a second row. The returned bool is true when a new row
// was inserted.
func (tx *Tx) RecordUnmatched(ctx context.Context, coachID string, stravaActivityID int64, data json.RawMessage) (string, bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpRecordUnmatched))
	defer timer.ObserveDuration()

	now := time.Now().Unix()

	var id string
	err := tx.q.QueryRowContext(ctx, `
		SELECT id FROM strava_unmatched
		WHERE coach_id = ? AND strava_activity_id = ? AND resolved_at IS NULL
		LIMIT 1
	`, coachID, stravaActivityID).Scan(&id)

	switch {
	case err == sql.ErrNoRows:
		id = newID()
		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO strava_unmatched (id, coach_id, strava_activity_id, activity_data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, coachID, stravaActivityID, string(data), now, now); err != nil {
			metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpRecordUnmatched).Inc()
			return "", false, fmt.Errorf("failed to insert unmatched activity: %w", err)
		}
		return id, true, nil

	case err != nil:
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpRecordUnmatched).Inc()
		return "", false, fmt.Errorf("failed to look up unmatched activity: %w", err)
	}

	if _, err := tx.q.ExecContext(ctx, `
		UPDATE strava_unmatched SET activity_data = ?, updated_at = ? WHERE id = ?
	`, string(data), now, id); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpRecordUnmatched).Inc()
		return "", false, fmt.Errorf("failed to update unmatched activity: %w", err)
	}
	return id, false, nil
}

// ListUnresolved returns the coach's unresolved unmatched activities, newest first
func (db *DB) ListUnresolved(ctx context.Context, coachID string) ([]*UnmatchedActivity, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, coach_id, strava_activity_id, activity_data, resolved_at, resolved_by,
		       resolved_session_id, created_at, updated_at
		FROM strava_unmatched
		WHERE coach_id = ? AND resolved_at IS NULL
		ORDER BY created_at DESC, rowid DESC
	`, coachID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched activities: %w", err)
	}
	defer rows.Close()

	var out []*UnmatchedActivity
	for rows.Next() {
		var u UnmatchedActivity
		var data string
		var resolvedAt *int64
		var createdAt, updatedAt int64
		if err := rows.Scan(&u.ID, &u.CoachID, &u.StravaActivityID, &data, &resolvedAt, &u.ResolvedBy,
			&u.ResolvedSessionID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unmatched activity: %w", err)
		}
		u.ActivityData = json.RawMessage(data)
		u.ResolvedAt = timePtr(resolvedAt)
		u.CreatedAt = time.Unix(createdAt, 0).UTC()
		u.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, &u)
	}
	return out, rows.Err()
}
