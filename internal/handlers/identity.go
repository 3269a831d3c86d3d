package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// CoachIDHeader carries the authenticated coach, set by the trusted auth proxy
const CoachIDHeader = "X-Coach-ID"

type coachKey struct{}

// HeaderIdentity accepts X-Coach-ID only from a caller presenting the
// internal API key as a bearer token
func HeaderIdentity(apiKey string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := []byte(r.Header.Get("Authorization"))
			if apiKey == "" || subtle.ConstantTimeCompare(auth, want) != 1 {
				slog.Default().Warn("Unauthorized request", "path", r.URL.Path, "has_auth", len(auth) > 0)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			coachID := strings.TrimSpace(r.Header.Get(CoachIDHeader))
			if coachID == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCoachID(r.Context(), coachID)))
		})
	}
}

// WithCoachID returns a context carrying the authenticated coach
func WithCoachID(ctx context.Context, coachID string) context.Context {
	return context.WithValue(ctx, coachKey{}, coachID)
}

// CoachID returns the authenticated coach, or "" outside HeaderIdentity
func CoachID(ctx context.Context) string {
	id, _ := ctx.Value(coachKey{}).(string)
	return id
}
