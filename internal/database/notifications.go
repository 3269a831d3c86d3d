package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sosg-strava-sync/internal/metrics"
)

// NotificationType identifies what a notification is about
type NotificationType string

const (
	NotificationMilestone          NotificationType = "milestone"
	NotificationFeelPrompt         NotificationType = "feel_prompt"
	NotificationUnmatchedRun       NotificationType = "unmatched_run"
	NotificationStravaDisconnected NotificationType = "strava_disconnected"
	NotificationGeneral            NotificationType = "general"
)

// Channel is the delivery surface for a notification
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Notification is one message for a user
type Notification struct {
	ID        int64            `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Channel   Channel          `json:"channel"`
	Payload   json.RawMessage  `json:"payload"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

// CreateNotification inserts an unread in_app notification with payload
// marshalled as JSON
func (db *DB) CreateNotification(ctx context.Context, userID string, typ NotificationType, payload any) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCreateNotification))
	defer timer.ObserveDuration()

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal notification payload: %w", err)
	}

	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO notifications (user_id, type, channel, payload, read, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, userID, string(typ), string(ChannelInApp), string(body), time.Now().Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCreateNotification).Inc()
		return 0, fmt.Errorf("failed to create notification: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get notification id: %w", err)
	}
	return id, nil
}

// ListNotifications returns the user's notifications after cursor (the last
// ID seen, 0 for the first page) in ascending ID order
func (db *DB) ListNotifications(ctx context.Context, userID string, cursor int64, limit int, unreadOnly bool) ([]*Notification, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListNotifications))
	defer timer.ObserveDuration()

	query := `
		SELECT id, user_id, type, channel, payload, read, created_at
		FROM notifications
		WHERE user_id = ? AND id > ?
	`
	if unreadOnly {
		query += " AND read = 0"
	}
	query += " ORDER BY id ASC LIMIT ?"

	rows, err := db.conn.QueryContext(ctx, query, userID, cursor, limit)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListNotifications).Inc()
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		var payload string
		var createdAt int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Channel, &payload, &n.Read, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Payload = json.RawMessage(payload)
		n.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkNotificationRead marks one of the user's notifications read. It
// returns false when no such notification belongs to the user.
func (db *DB) MarkNotificationRead(ctx context.Context, userID string, id int64) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpMarkNotificationRead))
	defer timer.ObserveDuration()

	result, err := db.conn.ExecContext(ctx, `
		UPDATE notifications SET read = 1 WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpMarkNotificationRead).Inc()
		return false, fmt.Errorf("failed to mark notification read: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}
