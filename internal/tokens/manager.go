// Package tokens hands out valid Strava access tokens per coach, refreshing
// stored credentials shortly before they expire.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/singleflight"

	"sosg-strava-sync/internal/database"
	"sosg-strava-sync/internal/metrics"
	"sosg-strava-sync/internal/strava"
)

// RefreshBuffer is how close to expiry a stored token may get before it is
// refreshed
const RefreshBuffer = 5 * time.Minute

const disconnectedMessage = "Strava connection expired, please reconnect"

var (
	ErrNoConnection  = goerr.New("no strava connection")
	ErrRefreshFailed = goerr.New("token refresh failed")
)

// Store is the persistence the manager needs
type Store interface {
	GetConnection(ctx context.Context, coachID string) (*database.Connection, error)
	UpdateConnectionTokens(ctx context.Context, coachID, accessToken, refreshToken string, expiresAt time.Time) error
	SetConnectionStatus(ctx context.Context, coachID string, status database.ConnectionStatus, errMsg string) error
	CreateNotification(ctx context.Context, userID string, typ database.NotificationType, payload any) (int64, error)
}

// Refresher exchanges a refresh token for new credentials
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*strava.TokenResponse, error)
}

type Manager struct {
	store     Store
	refresher Refresher
	now       func() time.Time
	logger    *slog.Logger
	flight    singleflight.Group
}

type Option func(*Manager)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, refresher Refresher, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetValidAccessToken returns the coach's access token, refreshing it first
// when it expires within RefreshBuffer. Concurrent refreshes for one coach
// share a single upstream call.
//
// A failed refresh marks the connection token_expired and notifies the
// coach; it is not retried.
func (m *Manager) GetValidAccessToken(ctx context.Context, coachID string) (string, error) {
	conn, err := m.store.GetConnection(ctx, coachID)
	if err != nil {
		return "", goerr.Wrap(err, "failed to load connection", goerr.V("coach_id", coachID))
	}
	if conn == nil {
		return "", goerr.Wrap(ErrNoConnection, "coach has not connected strava", goerr.V("coach_id", coachID))
	}

	if conn.TokenExpiresAt.Sub(m.now()) > RefreshBuffer {
		metrics.TokenRefreshesTotal.WithLabelValues(metrics.RefreshNotNeeded).Inc()
		return conn.AccessToken, nil
	}

	v, err, _ := m.flight.Do(coachID, func() (any, error) {
		return m.refresh(ctx, conn)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, conn *database.Connection) (string, error) {
	m.logger.Info("Refreshing access token", "coach_id", conn.CoachID, "expires_at", conn.TokenExpiresAt)

	resp, err := m.refresher.RefreshToken(ctx, conn.RefreshToken)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(metrics.RefreshFailed).Inc()
		m.recordFailure(ctx, conn.CoachID, err)
		return "", goerr.Wrap(fmt.Errorf("%w: %w", ErrRefreshFailed, err), "failed to refresh access token",
			goerr.V("coach_id", conn.CoachID),
			goerr.V("status_code", strava.StatusCode(err)))
	}

	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = conn.RefreshToken
	}

	if err := m.store.UpdateConnectionTokens(ctx, conn.CoachID, resp.AccessToken, refreshToken, resp.ExpiresAt); err != nil {
		return "", goerr.Wrap(err, "failed to store refreshed tokens", goerr.V("coach_id", conn.CoachID))
	}

	metrics.TokenRefreshesTotal.WithLabelValues(metrics.RefreshSucceeded).Inc()
	m.logger.Info("Refreshed access token", "coach_id", conn.CoachID, "expires_at", resp.ExpiresAt)
	return resp.AccessToken, nil
}

// recordFailure is best effort; the refresh error is what the caller sees
func (m *Manager) recordFailure(ctx context.Context, coachID string, cause error) {
	if err := m.store.SetConnectionStatus(ctx, coachID, database.ConnectionTokenExpired, cause.Error()); err != nil {
		m.logger.Error("Failed to mark connection expired", "coach_id", coachID, "error", err)
	}

	payload := map[string]string{"message": disconnectedMessage}
	if _, err := m.store.CreateNotification(ctx, coachID, database.NotificationStravaDisconnected, payload); err != nil {
		m.logger.Error("Failed to notify coach of expired connection", "coach_id", coachID, "error", err)
	}
}

// IsCredentialError reports whether err means the coach must reconnect
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrNoConnection) || errors.Is(err, ErrRefreshFailed)
}
