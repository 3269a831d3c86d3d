package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"sosg-strava-sync/internal/config"
	"sosg-strava-sync/internal/database"
	"sosg-strava-sync/internal/oauth"
)

// ConnectFlow is the OAuth manager as the handlers use it
type ConnectFlow interface {
	GenerateAuthURL(coachID string) (string, string, error)
	HandleCallback(ctx context.Context, code, state string) (*database.Connection, error)
}

// OAuthHandler handles OAuth flow endpoints
type OAuthHandler struct {
	flow   ConnectFlow
	appURL string
	logger *slog.Logger
}

// NewOAuthHandler creates a new OAuth handler
func NewOAuthHandler(flow ConnectFlow, cfg *config.Config) *OAuthHandler {
	return &OAuthHandler{
		flow:   flow,
		appURL: cfg.AppURL,
		logger: slog.Default(),
	}
}

// HandleConnect redirects the authenticated coach to Strava
func (h *OAuthHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	coachID := CoachID(r.Context())

	authURL, _, err := h.flow.GenerateAuthURL(coachID)
	if err != nil {
		h.logger.Error("Failed to generate auth URL", "error", err)
		http.Error(w, "Failed to start OAuth flow", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Starting OAuth flow", "coach_id", coachID)
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// HandleCallback processes the OAuth callback from Strava
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")

	if errorParam := query.Get("error"); errorParam != "" {
		h.logger.Warn("OAuth authorization denied", "error", errorParam)
		http.Redirect(w, r, h.appURL+"/athletes?error=strava_denied", http.StatusSeeOther)
		return
	}

	if code == "" || state == "" {
		h.logger.Warn("Missing OAuth parameters", "has_code", code != "", "has_state", state != "")
		http.Error(w, "Missing code or state parameter", http.StatusBadRequest)
		return
	}

	conn, err := h.flow.HandleCallback(r.Context(), code, state)
	if err != nil {
		h.logger.Error("Failed to handle OAuth callback", "error", err)

		errorMsg := "Failed to complete authorization"
		if errors.Is(err, oauth.ErrInvalidState) {
			errorMsg = "Invalid or expired authorization request. Please try again."
		}
		http.Error(w, errorMsg, http.StatusBadRequest)
		return
	}

	h.logger.Info("OAuth flow completed successfully", "coach_id", conn.CoachID, "strava_athlete_id", conn.StravaAthleteID)
	http.Redirect(w, r, h.appURL+"/account?connected=strava", http.StatusSeeOther)
}
