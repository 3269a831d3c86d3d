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

type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncMatched   SyncStatus = "matched"
	SyncUnmatched SyncStatus = "unmatched"
	SyncSkipped   SyncStatus = "skipped"
	SyncError     SyncStatus = "error"
)

// SyncLogEntry records one inbound delivery and its outcome
type SyncLogEntry struct {
	ID               string
	StravaActivityID int64
	CoachID          string
	EventType        EventType
	EventTime        *time.Time
	Source           SyncSource
	Status           SyncStatus
	ResultSessionID  *string
	ErrorMessage     *string
	RawPayload       json.RawMessage
	ReceivedAt       time.Time
	ProcessedAt      *time.Time
}

// SyncLogOpen is the input to OpenSyncLog
type SyncLogOpen struct {
	StravaActivityID int64
	CoachID          string
	EventType        EventType
	EventTime        *time.Time
	Source           SyncSource
	RawPayload       json.RawMessage
}

// SyncLogClose is the terminal write for a sync log entry
type SyncLogClose struct {
	Status          SyncStatus
	ResultSessionID string
	ErrorMessage    string
}

// OpenSyncLog inserts a pending entry and returns its ID
func (db *DB) OpenSyncLog(ctx context.Context, in SyncLogOpen) (string, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpOpenSyncLog))
	defer timer.ObserveDuration()

	if in.Source == "" {
		in.Source = SourceStravaWebhook
	}
	var raw *string
	if len(in.RawPayload) > 0 {
		v := string(in.RawPayload)
		raw = &v
	}

	id := newID()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO strava_sync_log (
			id, strava_activity_id, coach_id, event_type, event_time, source, status, raw_payload, received_at
		) VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)
	`, id, in.StravaActivityID, in.CoachID, string(in.EventType), unixPtr(in.EventTime), string(in.Source), raw, time.Now().Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpOpenSyncLog).Inc()
		return "", fmt.Errorf("failed to open sync log: %w", err)
	}
	return id, nil
}

// CloseSyncLog sets the terminal status of a pending entry. Closing an
// entry that is already terminal is a no-op, so the status never regresses.
func (db *DB) CloseSyncLog(ctx context.Context, id string, c SyncLogClose) error {
	return closeSyncLog(ctx, db.conn, id, c)
}

// CloseSyncLog is the transactional form of DB.CloseSyncLog
func (tx *Tx) CloseSyncLog(ctx context.Context, id string, c SyncLogClose) error {
	return closeSyncLog(ctx, tx.q, id, c)
}

func closeSyncLog(ctx context.Context, q querier, id string, c SyncLogClose) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCloseSyncLog))
	defer timer.ObserveDuration()

	if c.Status == SyncPending || c.Status == "" {
		return fmt.Errorf("close requires a terminal status")
	}

	_, err := q.ExecContext(ctx, `
		UPDATE strava_sync_log
		SET status = ?, result_session_id = ?, error_message = ?, processed_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(c.Status), nullIfEmpty(c.ResultSessionID), nullIfEmpty(c.ErrorMessage), time.Now().Unix(), id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCloseSyncLog).Inc()
		return fmt.Errorf("failed to close sync log: %w", err)
	}
	return nil
}

// HasCompletedCreate reports whether another create delivery for the
// activity already reached matched or unmatched
func (db *DB) HasCompletedCreate(ctx context.Context, stravaActivityID int64, excludeID string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpFindDuplicate))
	defer timer.ObserveDuration()

	var exists bool
	err := db.conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM strava_sync_log
			WHERE strava_activity_id = ?
			  AND event_type = 'create'
			  AND status IN ('matched', 'unmatched')
			  AND id != ?
		)
	`, stravaActivityID, excludeID).Scan(&exists)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpFindDuplicate).Inc()
		return false, fmt.Errorf("failed to check for duplicate delivery: %w", err)
	}
	return exists, nil
}

const syncLogColumns = `
	id, strava_activity_id, coach_id, event_type, event_time, source, status,
	result_session_id, error_message, raw_payload, received_at, processed_at`

func scanSyncLog(row interface{ Scan(...any) error }) (*SyncLogEntry, error) {
	var e SyncLogEntry
	var eventTime, processedAt *int64
	var receivedAt int64
	var raw *string

	if err := row.Scan(
		&e.ID, &e.StravaActivityID, &e.CoachID, &e.EventType, &eventTime, &e.Source, &e.Status,
		&e.ResultSessionID, &e.ErrorMessage, &raw, &receivedAt, &processedAt,
	); err != nil {
		return nil, err
	}
	e.EventTime = timePtr(eventTime)
	e.ProcessedAt = timePtr(processedAt)
	e.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	if raw != nil {
		e.RawPayload = json.RawMessage(*raw)
	}
	return &e, nil
}

// GetSyncLog retrieves an entry by ID
func (db *DB) GetSyncLog(ctx context.Context, id string) (*SyncLogEntry, error) {
	e, err := scanSyncLog(db.conn.QueryRowContext(ctx, `SELECT `+syncLogColumns+` FROM strava_sync_log WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync log: %w", err)
	}
	return e, nil
}

// ListSyncLogsByActivity returns every delivery for an activity in arrival order
func (db *DB) ListSyncLogsByActivity(ctx context.Context, stravaActivityID int64) ([]*SyncLogEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+syncLogColumns+`
		FROM strava_sync_log
		WHERE strava_activity_id = ?
		ORDER BY received_at, rowid
	`, stravaActivityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	var entries []*SyncLogEntry
	for rows.Next() {
		e, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
