package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"sosg-strava-sync/internal/metrics"
	"sosg-strava-sync/internal/middleware"
)

// Pinger reports whether the database is reachable
type Pinger interface {
	Health(ctx context.Context) error
}

// Routes collects the handlers the router mounts
type Routes struct {
	Webhook       *WebhookHandler
	OAuth         *OAuthHandler
	Notifications *NotificationsHandler
	Connection    *ConnectionHandler
	Sessions      *SessionsHandler
	Unmatched     *UnmatchedHandler
	DB            Pinger
	APIKey        string
}

func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Method(http.MethodGet, "/webhook", middleware.WrapHandler(metrics.EndpointWebhookVerify, rt.Webhook.HandleVerification))
	r.Method(http.MethodPost, "/webhook", middleware.WrapHandler(metrics.EndpointWebhook, rt.Webhook.HandleEvent))

	r.Method(http.MethodGet, "/oauth/callback", middleware.WrapHandler(metrics.EndpointOAuthCallback, rt.OAuth.HandleCallback))
	r.Method(http.MethodGet, "/health", middleware.WrapHandler(metrics.EndpointHealth, healthHandler(rt.DB)))

	r.Group(func(r chi.Router) {
		r.Use(HeaderIdentity(rt.APIKey))

		r.Method(http.MethodGet, "/oauth/connect", middleware.WrapHandler(metrics.EndpointOAuthConnect, rt.OAuth.HandleConnect))

		r.Route("/api", func(r chi.Router) {
			r.Method(http.MethodGet, "/notifications", middleware.WrapHandler(metrics.EndpointNotifications, rt.Notifications.HandleList))
			r.Method(http.MethodPost, "/notifications/{id}/read", middleware.WrapHandler(metrics.EndpointNotificationRead, rt.Notifications.HandleMarkRead))
			r.Method(http.MethodGet, "/unmatched", middleware.WrapHandler(metrics.EndpointUnmatched, rt.Unmatched.HandleList))
			r.Method(http.MethodGet, "/connection", middleware.WrapHandler(metrics.EndpointConnection, rt.Connection.HandleGet))
			r.Method(http.MethodPost, "/sessions", middleware.WrapHandler(metrics.EndpointCreateSession, rt.Sessions.HandleCreate))
			r.Method(http.MethodPost, "/sessions/{id}/feedback", middleware.WrapHandler(metrics.EndpointSessionFeedback, rt.Sessions.HandleFeedback))
		})
	})

	return r
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Health(r.Context()); err != nil {
			http.Error(w, "Database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}
