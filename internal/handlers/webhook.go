package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"sosg-strava-sync/internal/config"
	"sosg-strava-sync/internal/reconcile"
	"sosg-strava-sync/internal/strava"
)

const maxWebhookBody = 64 << 10

// EventProcessor runs one validated webhook event to completion
type EventProcessor interface {
	HandleWebhook(ctx context.Context, event strava.Event) reconcile.Outcome
}

// WebhookHandler handles Strava webhook callbacks
type WebhookHandler struct {
	processor   EventProcessor
	verifyToken string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(processor EventProcessor, cfg *config.Config) *WebhookHandler {
	return &WebhookHandler{
		processor:   processor,
		verifyToken: cfg.StravaWebhookVerifyToken,
		timeout:     cfg.WebhookTimeout,
		logger:      slog.Default(),
	}
}

// HandleVerification handles GET requests for subscription verification
func (h *WebhookHandler) HandleVerification(w http.ResponseWriter, r *http.Request) {
	hubChallenge := r.URL.Query().Get("hub.challenge")
	hubVerifyToken := r.URL.Query().Get("hub.verify_token")

	h.logger.Info("Webhook verification request", "hub.mode", r.URL.Query().Get("hub.mode"))

	if hubVerifyToken == "" || hubVerifyToken != h.verifyToken {
		h.logger.Warn("Invalid verify token")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"hub.challenge": hubChallenge})
	h.logger.Info("Webhook verification successful")
}

// HandleEvent handles POST requests for webhook events. The response is
// always 200 {"ok":true}; outcomes are recorded in the sync log.
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	defer writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("Failed to read webhook body", "error", err)
		return
	}

	event, err := strava.ParseWebhookEvent(body)
	if err != nil {
		if errors.Is(err, strava.ErrIgnoredEvent) {
			h.logger.Debug("Ignoring webhook event", "reason", err)
		} else {
			h.logger.Warn("Malformed webhook event", "error", err)
		}
		return
	}

	hdr := event.Header()
	h.logger.Info("Received webhook event",
		"activity_id", hdr.ActivityID,
		"owner_id", hdr.OwnerID,
		"aspect_type", event.Aspect())

	// Strava dropping the connection must not abandon a half-run event
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
	defer cancel()

	out := h.processor.HandleWebhook(ctx, event)
	h.logger.Info("Webhook event processed",
		"activity_id", hdr.ActivityID,
		"state", out.State,
		"log_id", out.LogID,
		"session_id", out.SessionID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}
