package strava

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient("test_client_id", "test_client_secret", "https://sync.example.com/oauth/callback")
	client.SetBaseURL(server.URL)
	client.SetTokenURL(server.URL + "/oauth/token")
	return client
}

func TestAuthCodeURL(t *testing.T) {
	client := NewClient("test_client_id", "secret", "https://sync.example.com/oauth/callback")

	u, err := url.Parse(client.AuthCodeURL("state123"))
	if err != nil {
		t.Fatalf("Failed to parse URL: %v", err)
	}

	q := u.Query()
	checks := map[string]string{
		"client_id":     "test_client_id",
		"redirect_uri":  "https://sync.example.com/oauth/callback",
		"response_type": "code",
		"scope":         "activity:read_all",
		"state":         "state123",
	}
	for key, want := range checks {
		if got := q.Get(key); got != want {
			t.Errorf("Expected %s=%q, got %q", key, want, got)
		}
	}
	if u.Host != "www.strava.com" {
		t.Errorf("Expected strava host, got %s", u.Host)
	}
}

func TestExchangeCode(t *testing.T) {
	expiresAt := time.Now().Add(6 * time.Hour).Unix()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST request, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		if r.FormValue("code") != "test_code" {
			http.Error(w, "Invalid code", http.StatusBadRequest)
			return
		}
		if r.FormValue("client_id") != "test_client_id" || r.FormValue("client_secret") != "test_client_secret" {
			http.Error(w, "Invalid client", http.StatusBadRequest)
			return
		}
		if r.FormValue("grant_type") != "authorization_code" {
			http.Error(w, "Invalid grant_type", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"token_type":    "Bearer",
			"access_token":  "test_access_token",
			"refresh_token": "test_refresh_token",
			"expires_at":    expiresAt,
			"expires_in":    21600,
			"athlete":       map[string]any{"id": 777, "username": "coach"},
		})
	})

	client := newTestClient(t, mux)

	resp, err := client.ExchangeCode(context.Background(), "test_code")
	if err != nil {
		t.Fatalf("Failed to exchange code: %v", err)
	}
	if resp.AccessToken != "test_access_token" {
		t.Errorf("Expected access token 'test_access_token', got '%s'", resp.AccessToken)
	}
	if resp.RefreshToken != "test_refresh_token" {
		t.Errorf("Expected refresh token 'test_refresh_token', got '%s'", resp.RefreshToken)
	}
	if resp.AthleteID != 777 {
		t.Errorf("Expected athlete 777, got %d", resp.AthleteID)
	}
	if resp.ExpiresAt.Unix() != expiresAt {
		t.Errorf("Expected expires_at %d, got %d", expiresAt, resp.ExpiresAt.Unix())
	}
}

func TestExchangeCodeRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"Bad Request","errors":[{"field":"code","code":"invalid"}]}`))
	})

	client := newTestClient(t, mux)

	_, err := client.ExchangeCode(context.Background(), "bad")
	if err == nil {
		t.Fatal("Expected error for rejected code")
	}
	if StatusCode(err) != http.StatusBadRequest {
		t.Errorf("Expected status 400 in error, got %d (%v)", StatusCode(err), err)
	}
}

func TestRefreshToken(t *testing.T) {
	expiresAt := time.Now().Add(6 * time.Hour).Unix()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.FormValue("grant_type") != "refresh_token" {
			http.Error(w, "Invalid grant_type", http.StatusBadRequest)
			return
		}
		if r.FormValue("refresh_token") != "old_refresh" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"Authorization Error"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"token_type":    "Bearer",
			"access_token":  "new_access",
			"refresh_token": "new_refresh",
			"expires_at":    expiresAt,
			"expires_in":    21600,
		})
	})

	client := newTestClient(t, mux)

	resp, err := client.RefreshToken(context.Background(), "old_refresh")
	if err != nil {
		t.Fatalf("Failed to refresh token: %v", err)
	}
	if resp.AccessToken != "new_access" || resp.RefreshToken != "new_refresh" {
		t.Errorf("Unexpected tokens: %+v", resp)
	}
	if resp.ExpiresAt.Unix() != expiresAt {
		t.Errorf("Expected expires_at %d, got %d", expiresAt, resp.ExpiresAt.Unix())
	}

	_, err = client.RefreshToken(context.Background(), "revoked")
	if !IsUnauthorized(err) {
		t.Errorf("Expected unauthorized error, got %v", err)
	}
}

func TestGetActivity(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/activities/555", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("X-RateLimit-Limit", "200,2000")
		w.Header().Set("X-RateLimit-Usage", "150,1500")
		w.Header().Set("X-ReadRateLimit-Limit", "100,1000")
		w.Header().Set("X-ReadRateLimit-Usage", "75,900")
		w.Write([]byte(`{
			"id": 555,
			"name": "Morning Run",
			"description": "#sosg Daniel",
			"sport_type": "Run",
			"distance": 5000,
			"moving_time": 1800,
			"elapsed_time": 1900,
			"start_date": "2024-01-01T06:00:00Z",
			"map": {"summary_polyline": "abc"}
		}`))
	})
	mux.HandleFunc("/activities/404", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Record Not Found"}`, http.StatusNotFound)
	})

	client := newTestClient(t, mux)

	activity, err := client.GetActivity(context.Background(), "token", 555)
	if err != nil {
		t.Fatalf("Failed to get activity: %v", err)
	}
	if activity.Description != "#sosg Daniel" || activity.SportType != "Run" {
		t.Errorf("Unexpected activity: %+v", activity)
	}
	if activity.DistanceKm() != 5 {
		t.Errorf("Expected 5km, got %f", activity.DistanceKm())
	}
	if !activity.StartDate.Equal(time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected start date %v", activity.StartDate)
	}
	if activity.Map.SummaryPolyline != "abc" {
		t.Errorf("Expected polyline abc, got %q", activity.Map.SummaryPolyline)
	}
	if len(activity.Raw) == 0 {
		t.Error("Expected raw payload to be kept")
	}

	status := client.GetRateLimitStatus()
	if status.Usage15Min != 150 || status.LimitDaily != 2000 {
		t.Errorf("Unexpected overall limits: %+v", status)
	}
	if status.Read15MinUsage != 75 || status.ReadDailyLimit != 1000 {
		t.Errorf("Unexpected read limits: %+v", status)
	}

	_, err = client.GetActivity(context.Background(), "token", 404)
	if !IsNotFound(err) {
		t.Errorf("Expected not found error, got %v", err)
	}
}

func TestListActivities(t *testing.T) {
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("/athlete/activities", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("after") != "1704067200" {
			t.Errorf("Expected after=1704067200, got %s", q.Get("after"))
		}
		if q.Get("per_page") != "2" {
			t.Errorf("Expected per_page=2, got %s", q.Get("per_page"))
		}
		w.Write([]byte(`[{"id":1,"sport_type":"Run"},{"id":2,"sport_type":"Ride"}]`))
	})

	client := newTestClient(t, mux)

	activities, more, err := client.ListActivities(context.Background(), "token", after, 1, 2)
	if err != nil {
		t.Fatalf("Failed to list activities: %v", err)
	}
	if len(activities) != 2 || activities[1].SportType != "Ride" {
		t.Errorf("Unexpected activities: %+v", activities)
	}
	if !more {
		t.Error("Expected a full page to report more")
	}
}

func TestSubscriptions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /push_subscriptions", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.FormValue("callback_url") != "https://sync.example.com/webhook" || r.FormValue("verify_token") != "verify" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 99}`))
	})
	mux.HandleFunc("GET /push_subscriptions", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("client_secret") != "test_client_secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"id": 99, "callback_url": "https://sync.example.com/webhook"}]`))
	})
	mux.HandleFunc("DELETE /push_subscriptions/99", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	client := newTestClient(t, mux)
	ctx := context.Background()

	sub, err := client.CreateSubscription(ctx, "https://sync.example.com/webhook", "verify")
	if err != nil {
		t.Fatalf("Failed to create subscription: %v", err)
	}
	if sub.ID != 99 {
		t.Errorf("Expected subscription 99, got %d", sub.ID)
	}

	subs, err := client.ListSubscriptions(ctx)
	if err != nil {
		t.Fatalf("Failed to list subscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].CallbackURL != "https://sync.example.com/webhook" {
		t.Errorf("Unexpected subscriptions: %+v", subs)
	}

	if err := client.DeleteSubscription(ctx, 99); err != nil {
		t.Fatalf("Failed to delete subscription: %v", err)
	}
}

func TestHTTPError_Helpers(t *testing.T) {
	notFoundErr := &HTTPError{StatusCode: 404, Body: "Not Found"}
	if !IsNotFound(notFoundErr) {
		t.Error("Expected IsNotFound to return true for 404")
	}

	unauthorizedErr := &HTTPError{StatusCode: 401, Body: "Unauthorized"}
	if !IsUnauthorized(unauthorizedErr) {
		t.Error("Expected IsUnauthorized to return true for 401")
	}

	rateLimitErr := &HTTPError{StatusCode: 429, Body: "Too Many Requests"}
	if !IsTooManyRequests(rateLimitErr) {
		t.Error("Expected IsTooManyRequests to return true for 429")
	}

	if StatusCode(nil) != 0 {
		t.Error("Expected StatusCode(nil) to be 0")
	}
}
