package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sosg-strava-sync/internal/database"
)

type SessionStore interface {
	GetAthlete(ctx context.Context, id string) (*database.Athlete, error)
	CreateSession(ctx context.Context, s *database.Session) error
	GetSession(ctx context.Context, id string) (*database.Session, error)
	SetSessionFeedback(ctx context.Context, coachID, sessionID string, feel *int, note *string) error
}

// MilestoneDispatcher starts milestone evaluation without waiting for it
type MilestoneDispatcher interface {
	Dispatch(athleteID, sessionID string)
}

// SessionsHandler records sessions a coach enters by hand
type SessionsHandler struct {
	store      SessionStore
	milestones MilestoneDispatcher
	logger     *slog.Logger
}

func NewSessionsHandler(store SessionStore, milestones MilestoneDispatcher) *SessionsHandler {
	return &SessionsHandler{store: store, milestones: milestones, logger: slog.Default()}
}

type createSessionRequest struct {
	AthleteID       string   `json:"athlete_id"`
	Status          string   `json:"status"`
	Date            string   `json:"date"`
	DistanceKm      *float64 `json:"distance_km"`
	DurationSeconds *int64   `json:"duration_seconds"`
	Feel            *int     `json:"feel"`
	Note            string   `json:"note"`
}

type feedbackRequest struct {
	Feel *int   `json:"feel"`
	Note string `json:"note"`
}

type sessionView struct {
	ID              string    `json:"id"`
	AthleteID       string    `json:"athlete_id"`
	Status          string    `json:"status"`
	Date            time.Time `json:"date"`
	DistanceKm      *float64  `json:"distance_km"`
	DurationSeconds *int64    `json:"duration_seconds"`
	Feel            *int      `json:"feel"`
	Note            *string   `json:"note"`
	SyncSource      string    `json:"sync_source"`
}

// HandleCreate handles POST /api/sessions. Completed sessions trigger
// milestone evaluation in the background.
func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	coachID := CoachID(r.Context())

	var req createSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	status := database.SessionStatus(req.Status)
	if status == "" {
		status = database.SessionCompleted
	}
	if status != database.SessionPlanned && status != database.SessionCompleted {
		http.Error(w, "status must be planned or completed", http.StatusBadRequest)
		return
	}

	date, err := parseSessionDate(req.Date)
	if err != nil {
		http.Error(w, "date must be RFC 3339 or YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	athlete, err := h.store.GetAthlete(r.Context(), req.AthleteID)
	if err != nil {
		h.logger.Error("Failed to get athlete", "error", err, "athlete_id", req.AthleteID)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	if athlete == nil {
		http.Error(w, "Athlete not found", http.StatusNotFound)
		return
	}

	s := &database.Session{
		AthleteID:       athlete.ID,
		CoachID:         coachID,
		Status:          status,
		Date:            date,
		DistanceKm:      req.DistanceKm,
		DurationSeconds: req.DurationSeconds,
		SyncSource:      database.SourceManual,
	}
	if status == database.SessionCompleted {
		s.Feel = validFeel(req.Feel)
		s.Note = trimmedNote(req.Note)
	}

	if err := h.store.CreateSession(r.Context(), s); err != nil {
		h.logger.Error("Failed to create session", "error", err, "coach_id", coachID)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Created manual session", "session_id", s.ID, "athlete_id", s.AthleteID, "status", s.Status)

	if status == database.SessionCompleted && h.milestones != nil {
		h.milestones.Dispatch(s.AthleteID, s.ID)
	}

	writeJSON(w, http.StatusCreated, newSessionView(s))
}

// HandleFeedback handles POST /api/sessions/{id}/feedback
func (h *SessionsHandler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	coachID := CoachID(r.Context())
	sessionID := chi.URLParam(r, "id")

	var req feedbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	s, err := h.store.GetSession(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to get session", "error", err, "session_id", sessionID)
		http.Error(w, "Failed to update session", http.StatusInternalServerError)
		return
	}
	if s == nil || s.CoachID != coachID {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if err := h.store.SetSessionFeedback(r.Context(), coachID, sessionID, validFeel(req.Feel), trimmedNote(req.Note)); err != nil {
		h.logger.Error("Failed to set session feedback", "error", err, "session_id", sessionID)
		http.Error(w, "Failed to update session", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func parseSessionDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}

// validFeel keeps feel scores on the 1-5 scale and drops anything else
func validFeel(feel *int) *int {
	if feel == nil || *feel < 1 || *feel > 5 {
		return nil
	}
	v := *feel
	return &v
}

func trimmedNote(note string) *string {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil
	}
	return &note
}

func newSessionView(s *database.Session) sessionView {
	return sessionView{
		ID:              s.ID,
		AthleteID:       s.AthleteID,
		Status:          string(s.Status),
		Date:            s.Date,
		DistanceKm:      s.DistanceKm,
		DurationSeconds: s.DurationSeconds,
		Feel:            s.Feel,
		Note:            s.Note,
		SyncSource:      string(s.SyncSource),
	}
}
