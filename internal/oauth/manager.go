package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sosg-strava-sync/internal/database"
	"sosg-strava-sync/internal/strava"
)

const stateTTL = 10 * time.Minute

var ErrInvalidState = errors.New("invalid or expired state")

// Exchanger is the part of the Strava client the connect flow uses
type Exchanger interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*strava.TokenResponse, error)
}

type Store interface {
	UpsertConnection(ctx context.Context, c *database.Connection) error
	EnqueueSyncJob(ctx context.Context, coachID, jobType string) (int64, error)
}

// Manager handles the OAuth 2.0 connect flow with Strava
type Manager struct {
	store     Store
	exchanger Exchanger
	logger    *slog.Logger
	states    *stateStore // CSRF protection
	done      chan struct{}
	closeOnce sync.Once
}

// stateStore tracks valid OAuth states and the coach each was issued to
type stateStore struct {
	mu     sync.Mutex
	states map[string]pendingState
}

type pendingState struct {
	coachID string
	expires time.Time
}

// NewManager creates a new OAuth manager. Call Close to stop the background
// sweep of expired states.
func NewManager(store Store, exchanger Exchanger) *Manager {
	mgr := &Manager{
		store:     store,
		exchanger: exchanger,
		logger:    slog.Default(),
		states:    &stateStore{states: make(map[string]pendingState)},
		done:      make(chan struct{}),
	}

	go mgr.cleanupStates(time.Minute)

	return mgr
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// GenerateAuthURL returns the Strava authorization URL for coachID along with
// the one-time state bound to it
func (m *Manager) GenerateAuthURL(coachID string) (string, string, error) {
	state, err := generateRandomState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}

	m.states.mu.Lock()
	m.states.states[state] = pendingState{coachID: coachID, expires: time.Now().Add(stateTTL)}
	m.states.mu.Unlock()

	m.logger.Info("Generated auth URL", "coach_id", coachID)
	return m.exchanger.AuthCodeURL(state), state, nil
}

// HandleCallback validates state, exchanges the code and stores the
// connection for the coach the state was issued to. A backfill job is
// queued so runs from before the connection are picked up.
func (m *Manager) HandleCallback(ctx context.Context, code, state string) (*database.Connection, error) {
	coachID, ok := m.consumeState(state)
	if !ok {
		return nil, ErrInvalidState
	}

	m.logger.Info("Handling OAuth callback", "coach_id", coachID, "code_length", len(code))

	tokenResp, err := m.exchanger.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	conn := &database.Connection{
		CoachID:         coachID,
		StravaAthleteID: tokenResp.AthleteID,
		AccessToken:     tokenResp.AccessToken,
		RefreshToken:    tokenResp.RefreshToken,
		TokenExpiresAt:  tokenResp.ExpiresAt,
		Scope:           tokenResp.Scope,
	}
	if conn.Scope == "" {
		conn.Scope = strava.Scope
	}
	if err := m.store.UpsertConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to store connection: %w", err)
	}

	m.logger.Info("Stored connection", "coach_id", coachID, "strava_athlete_id", conn.StravaAthleteID)

	// The connection is usable even if the backfill could not be queued
	if _, err := m.store.EnqueueSyncJob(ctx, coachID, database.JobTypeBackfill); err != nil {
		m.logger.Error("Failed to enqueue backfill", "error", err, "coach_id", coachID)
	} else {
		m.logger.Info("Enqueued backfill", "coach_id", coachID)
	}

	return conn, nil
}

// consumeState returns the coach a state was issued to and removes it
func (m *Manager) consumeState(state string) (string, bool) {
	m.states.mu.Lock()
	defer m.states.mu.Unlock()

	pending, exists := m.states.states[state]
	if !exists {
		return "", false
	}
	delete(m.states.states, state)

	if time.Now().After(pending.expires) {
		return "", false
	}
	return pending.coachID, true
}

func (m *Manager) cleanupStates(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.states.mu.Lock()
	defer m.states.mu.Unlock()
	for state, pending := range m.states.states {
		if now.After(pending.expires) {
			delete(m.states.states, state)
		}
	}
}

// generateRandomState generates a cryptographically secure random state
func generateRandomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
