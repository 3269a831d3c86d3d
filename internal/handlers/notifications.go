package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"sosg-strava-sync/internal/database"
)

type NotificationStore interface {
	ListNotifications(ctx context.Context, userID string, cursor int64, limit int, unreadOnly bool) ([]*database.Notification, error)
	MarkNotificationRead(ctx context.Context, userID string, id int64) (bool, error)
}

// NotificationsHandler serves the coach's in-app notification feed
type NotificationsHandler struct {
	store        NotificationStore
	logger       *slog.Logger
	pollInterval time.Duration
	pollTimeout  time.Duration
}

func NewNotificationsHandler(store NotificationStore) *NotificationsHandler {
	return &NotificationsHandler{
		store:        store,
		logger:       slog.Default(),
		pollInterval: 500 * time.Millisecond,
		pollTimeout:  30 * time.Second,
	}
}

// HandleList handles GET /api/notifications with optional long-polling
// Query parameters:
//   - cursor: last notification id seen (default: 0)
//   - limit: maximum notifications to return (default: 100, max: 1000)
//   - unread: only unread notifications (default: false)
//   - long_poll: wait up to 30s for new notifications (default: false)
func (h *NotificationsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	coachID := CoachID(r.Context())
	query := r.URL.Query()

	cursor := int64(0)
	if cursorStr := query.Get("cursor"); cursorStr != "" {
		var err error
		cursor, err = strconv.ParseInt(cursorStr, 10, 64)
		if err != nil || cursor < 0 {
			http.Error(w, "Invalid cursor parameter", http.StatusBadRequest)
			return
		}
	}

	limit := 100
	if limitStr := query.Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		if limit < 1 || limit > 1000 {
			http.Error(w, "Limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
	}

	unreadOnly := boolParam(query, "unread")
	longPoll := boolParam(query, "long_poll")

	var notifications []*database.Notification
	if longPoll {
		notifications = h.longPoll(r.Context(), coachID, cursor, limit, unreadOnly)
	} else {
		var err error
		notifications, err = h.store.ListNotifications(r.Context(), coachID, cursor, limit, unreadOnly)
		if err != nil {
			h.logger.Error("Failed to list notifications", "error", err, "coach_id", coachID)
			http.Error(w, "Failed to list notifications", http.StatusInternalServerError)
			return
		}
	}

	if notifications == nil {
		notifications = []*database.Notification{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"cursor":        latestCursor(notifications, cursor),
	})
}

// longPoll polls until notifications arrive, the timeout passes or the
// client goes away
func (h *NotificationsHandler) longPoll(ctx context.Context, coachID string, cursor int64, limit int, unreadOnly bool) []*database.Notification {
	deadline := time.Now().Add(h.pollTimeout)
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		notifications, err := h.store.ListNotifications(ctx, coachID, cursor, limit, unreadOnly)
		if err != nil {
			h.logger.Error("Failed to list notifications", "error", err, "cursor", cursor)
			return nil
		}
		if len(notifications) > 0 {
			return notifications
		}
		if time.Now().After(deadline) {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// HandleMarkRead handles POST /api/notifications/{id}/read
func (h *NotificationsHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	coachID := CoachID(r.Context())

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid notification id", http.StatusBadRequest)
		return
	}

	found, err := h.store.MarkNotificationRead(r.Context(), coachID, id)
	if err != nil {
		h.logger.Error("Failed to mark notification read", "error", err, "id", id)
		http.Error(w, "Failed to update notification", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "Notification not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func latestCursor(notifications []*database.Notification, current int64) int64 {
	if len(notifications) == 0 {
		return current
	}
	return notifications[len(notifications)-1].ID
}

func boolParam(query map[string][]string, name string) bool {
	values, ok := query[name]
	if !ok {
		return false
	}
	if len(values) == 0 || values[0] == "" {
		return true
	}
	return values[0] == "true" || values[0] == "1"
}
