package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"sosg-strava-sync/internal/database"
)

type ConnectionStore interface {
	GetConnection(ctx context.Context, coachID string) (*database.Connection, error)
}

// ConnectionHandler reports the coach's Strava connection state
type ConnectionHandler struct {
	store  ConnectionStore
	logger *slog.Logger
}

func NewConnectionHandler(store ConnectionStore) *ConnectionHandler {
	return &ConnectionHandler{store: store, logger: slog.Default()}
}

// connectionView omits credentials
type connectionView struct {
	Connected       bool       `json:"connected"`
	StravaAthleteID int64      `json:"strava_athlete_id,omitempty"`
	TokenExpiresAt  *time.Time `json:"token_expires_at,omitempty"`
	Scope           string     `json:"scope,omitempty"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus  string     `json:"last_sync_status,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// HandleGet handles GET /api/connection
func (h *ConnectionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	coachID := CoachID(r.Context())

	conn, err := h.store.GetConnection(r.Context(), coachID)
	if err != nil {
		h.logger.Error("Failed to get connection", "error", err, "coach_id", coachID)
		http.Error(w, "Failed to get connection", http.StatusInternalServerError)
		return
	}
	if conn == nil {
		writeJSON(w, http.StatusOK, connectionView{Connected: false})
		return
	}

	view := connectionView{
		Connected:       true,
		StravaAthleteID: conn.StravaAthleteID,
		TokenExpiresAt:  &conn.TokenExpiresAt,
		Scope:           conn.Scope,
		LastSyncAt:      conn.LastSyncAt,
	}
	if conn.LastSyncStatus != nil {
		view.LastSyncStatus = string(*conn.LastSyncStatus)
	}
	if conn.LastError != nil {
		view.LastError = *conn.LastError
	}
	writeJSON(w, http.StatusOK, view)
}
