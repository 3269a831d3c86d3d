package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sosg-strava-sync/internal/config"
	"sosg-strava-sync/internal/database"
	"sosg-strava-sync/internal/oauth"
)

type fakeFlow struct {
	coachID string
	err     error
}

func (f *fakeFlow) GenerateAuthURL(coachID string) (string, string, error) {
	f.coachID = coachID
	return "https://www.strava.com/oauth/authorize?state=abc", "abc", nil
}

func (f *fakeFlow) HandleCallback(ctx context.Context, code, state string) (*database.Connection, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &database.Connection{CoachID: "c1", StravaAthleteID: 777}, nil
}

func setupOAuthHandlerTest(t *testing.T) (*OAuthHandler, *fakeFlow) {
	t.Helper()
	flow := &fakeFlow{}
	cfg := &config.Config{AppURL: "https://app.example.com"}
	return NewOAuthHandler(flow, cfg), flow
}

func TestHandleConnect(t *testing.T) {
	handler, flow := setupOAuthHandlerTest(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/connect", nil)
	req = req.WithContext(WithCoachID(req.Context(), "c1"))
	w := httptest.NewRecorder()

	handler.HandleConnect(w, req)

	if w.Code != http.StatusTemporaryRedirect {
		t.Errorf("Expected status 307, got %d", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Location"), "https://www.strava.com/oauth/authorize") {
		t.Errorf("Expected redirect to Strava, got %s", w.Header().Get("Location"))
	}
	if flow.coachID != "c1" {
		t.Errorf("Expected state bound to c1, got %q", flow.coachID)
	}
}

func TestHandleCallback(t *testing.T) {
	tests := []struct {
		name         string
		query        string
		flowErr      error
		wantStatus   int
		wantLocation string
		wantBody     string
	}{
		{
			name:         "success",
			query:        "?code=abc&state=xyz",
			wantStatus:   http.StatusSeeOther,
			wantLocation: "https://app.example.com/account?connected=strava",
		},
		{
			name:         "denied",
			query:        "?error=access_denied&state=xyz",
			wantStatus:   http.StatusSeeOther,
			wantLocation: "https://app.example.com/athletes?error=strava_denied",
		},
		{
			name:       "missing code",
			query:      "?state=xyz",
			wantStatus: http.StatusBadRequest,
			wantBody:   "Missing code or state",
		},
		{
			name:       "invalid state",
			query:      "?code=abc&state=forged",
			flowErr:    oauth.ErrInvalidState,
			wantStatus: http.StatusBadRequest,
			wantBody:   "Invalid or expired authorization request",
		},
		{
			name:       "exchange failed",
			query:      "?code=abc&state=xyz",
			flowErr:    errors.New("failed to exchange code"),
			wantStatus: http.StatusBadRequest,
			wantBody:   "Failed to complete authorization",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, flow := setupOAuthHandlerTest(t)
			flow.err = tt.flowErr

			req := httptest.NewRequest(http.MethodGet, "/oauth/callback"+tt.query, nil)
			w := httptest.NewRecorder()
			handler.HandleCallback(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.wantLocation != "" && w.Header().Get("Location") != tt.wantLocation {
				t.Errorf("Expected redirect to %s, got %s", tt.wantLocation, w.Header().Get("Location"))
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("Expected body to contain %q, got %q", tt.wantBody, w.Body.String())
			}
		})
	}
}
