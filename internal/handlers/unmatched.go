package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"sosg-strava-sync/internal/database"
)

type UnmatchedStore interface {
	ListUnresolved(ctx context.Context, coachID string) ([]*database.UnmatchedActivity, error)
}

// UnmatchedHandler lists runs awaiting manual assignment to an athlete
type UnmatchedHandler struct {
	store  UnmatchedStore
	logger *slog.Logger
}

func NewUnmatchedHandler(store UnmatchedStore) *UnmatchedHandler {
	return &UnmatchedHandler{store: store, logger: slog.Default()}
}

type unmatchedView struct {
	ID               string          `json:"id"`
	StravaActivityID int64           `json:"strava_activity_id"`
	Activity         json.RawMessage `json:"activity"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// HandleList handles GET /api/unmatched
func (h *UnmatchedHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	coachID := CoachID(r.Context())

	unresolved, err := h.store.ListUnresolved(r.Context(), coachID)
	if err != nil {
		h.logger.Error("Failed to list unmatched activities", "error", err, "coach_id", coachID)
		http.Error(w, "Failed to list unmatched activities", http.StatusInternalServerError)
		return
	}

	views := make([]unmatchedView, 0, len(unresolved))
	for _, u := range unresolved {
		views = append(views, unmatchedView{
			ID:               u.ID,
			StravaActivityID: u.StravaActivityID,
			Activity:         u.ActivityData,
			CreatedAt:        u.CreatedAt,
			UpdatedAt:        u.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"unmatched": views})
}
