package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sosg-strava-sync/internal/metrics"
)

// ConnectionStatus is the outcome of the most recent sync attempt
type ConnectionStatus string

const (
	ConnectionOK           ConnectionStatus = "ok"
	ConnectionTokenExpired ConnectionStatus = "token_expired"
	ConnectionError        ConnectionStatus = "error"
)

// Connection is a coach's Strava OAuth credential and sync state
type Connection struct {
	CoachID         string
	StravaAthleteID int64
	AccessToken     string
	RefreshToken    string
	TokenExpiresAt  time.Time
	Scope           string
	LastSyncAt      *time.Time
	LastSyncStatus  *ConnectionStatus
	LastError       *string
	AuthorizedAt    time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const connectionColumns = `
	coach_id, strava_athlete_id, access_token, refresh_token, token_expires_at, scope,
	last_sync_at, last_sync_status, last_error, authorized_at, created_at, updated_at`

func scanConnection(row interface{ Scan(...any) error }) (*Connection, error) {
	var c Connection
	var expiresAt, authorizedAt, createdAt, updatedAt int64
	var lastSyncAt *int64
	var status *string

	if err := row.Scan(
		&c.CoachID, &c.StravaAthleteID, &c.AccessToken, &c.RefreshToken, &expiresAt, &c.Scope,
		&lastSyncAt, &status, &c.LastError, &authorizedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	c.TokenExpiresAt = time.Unix(expiresAt, 0).UTC()
	c.LastSyncAt = timePtr(lastSyncAt)
	if status != nil {
		s := ConnectionStatus(*status)
		c.LastSyncStatus = &s
	}
	c.AuthorizedAt = time.Unix(0, authorizedAt).UTC()
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}

// UpsertConnection inserts or replaces the connection for c.CoachID.
// A fresh authorization always resets the sync state to ok.
func (db *DB) UpsertConnection(ctx context.Context, c *Connection) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertConnection))
	defer timer.ObserveDuration()

	authorizedAt := time.Now()
	now := authorizedAt.Unix()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO strava_connections (
			coach_id, strava_athlete_id, access_token, refresh_token, token_expires_at, scope,
			last_sync_status, last_error, authorized_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 'ok', NULL, ?, ?, ?)
		ON CONFLICT(coach_id) DO UPDATE SET
			strava_athlete_id = excluded.strava_athlete_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			scope = excluded.scope,
			last_sync_status = 'ok',
			last_error = NULL,
			authorized_at = excluded.authorized_at,
			updated_at = excluded.updated_at
	`, c.CoachID, c.StravaAthleteID, c.AccessToken, c.RefreshToken, c.TokenExpiresAt.Unix(), c.Scope,
		authorizedAt.UnixNano(), now, now)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertConnection).Inc()
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	return nil
}

// GetConnection returns the connection for a coach, or nil if there is none
func (db *DB) GetConnection(ctx context.Context, coachID string) (*Connection, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetConnection))
	defer timer.ObserveDuration()

	row := db.conn.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM strava_connections WHERE coach_id = ?`, coachID)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetConnection).Inc()
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return c, nil
}

// GetConnectionByAthlete resolves a webhook owner to a connection. When the
// same Strava account is linked by more than one coach, the most recently
// authorized link wins; token refreshes and status writes do not change it.
func (db *DB) GetConnectionByAthlete(ctx context.Context, stravaAthleteID int64) (*Connection, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetConnectionByAthlete))
	defer timer.ObserveDuration()

	row := db.conn.QueryRowContext(ctx, `
		SELECT `+connectionColumns+`
		FROM strava_connections
		WHERE strava_athlete_id = ?
		ORDER BY authorized_at DESC, rowid DESC
		LIMIT 1
	`, stravaAthleteID)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetConnectionByAthlete).Inc()
		return nil, fmt.Errorf("failed to get connection by athlete: %w", err)
	}
	return c, nil
}

// ListConnections returns every connection whose credential is not known to
// be expired
func (db *DB) ListConnections(ctx context.Context) ([]*Connection, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+connectionColumns+`
		FROM strava_connections
		WHERE last_sync_status IS NULL OR last_sync_status != 'token_expired'
		ORDER BY coach_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConnectionTokens stores refreshed credentials and clears error state
func (db *DB) UpdateConnectionTokens(ctx context.Context, coachID, accessToken, refreshToken string, expiresAt time.Time) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateTokens))
	defer timer.ObserveDuration()

	result, err := db.conn.ExecContext(ctx, `
		UPDATE strava_connections
		SET access_token = ?, refresh_token = ?, token_expires_at = ?,
		    last_sync_status = 'ok', last_error = NULL, updated_at = ?
		WHERE coach_id = ?
	`, accessToken, refreshToken, expiresAt.Unix(), time.Now().Unix(), coachID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateTokens).Inc()
		return fmt.Errorf("failed to update connection tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("connection not found")
	}
	return nil
}

// SetConnectionStatus records a failed sync attempt
func (db *DB) SetConnectionStatus(ctx context.Context, coachID string, status ConnectionStatus, errMsg string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateSyncStatus))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE strava_connections
		SET last_sync_status = ?, last_error = ?, updated_at = ?
		WHERE coach_id = ?
	`, string(status), errMsg, time.Now().Unix(), coachID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateSyncStatus).Inc()
		return fmt.Errorf("failed to set connection status: %w", err)
	}
	return nil
}

// MarkConnectionSynced records a successful sync at the given time
func (tx *Tx) MarkConnectionSynced(ctx context.Context, coachID string, at time.Time) error {
	_, err := tx.q.ExecContext(ctx, `
		UPDATE strava_connections
		SET last_sync_at = ?, last_sync_status = 'ok', last_error = NULL, updated_at = ?
		WHERE coach_id = ?
	`, at.Unix(), time.Now().Unix(), coachID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateSyncStatus).Inc()
		return fmt.Errorf("failed to mark connection synced: %w", err)
	}
	return nil
}
