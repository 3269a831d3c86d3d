package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sosg-strava-sync/internal/metrics"
)

// Subscription represents a Strava webhook subscription
type Subscription struct {
	ID            int    `json:"id"`
	ApplicationID int    `json:"application_id"`
	CallbackURL   string `json:"callback_url"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// CreateSubscription registers the push subscription for this application.
// Strava validates callbackURL with a GET handshake before responding.
func (c *Client) CreateSubscription(ctx context.Context, callbackURL, verifyToken string) (*Subscription, error) {
	form := c.appCredentials()
	form.Set("callback_url", callbackURL)
	form.Set("verify_token", verifyToken)

	body, err := c.doAppRequest(ctx, metrics.OpCreateSubscription, http.MethodPost, "/push_subscriptions", form)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	var subscription Subscription
	if err := json.Unmarshal(body, &subscription); err != nil {
		return nil, fmt.Errorf("failed to decode subscription response: %w", err)
	}
	return &subscription, nil
}

// ListSubscriptions lists the application's push subscriptions
func (c *Client) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	body, err := c.doAppRequest(ctx, metrics.OpListSubscriptions, http.MethodGet, "/push_subscriptions", c.appCredentials())
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	var subscriptions []*Subscription
	if err := json.Unmarshal(body, &subscriptions); err != nil {
		return nil, fmt.Errorf("failed to decode subscriptions response: %w", err)
	}
	return subscriptions, nil
}

// DeleteSubscription deletes a push subscription
func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID int) error {
	path := fmt.Sprintf("/push_subscriptions/%d", subscriptionID)
	if _, err := c.doAppRequest(ctx, metrics.OpDeleteSubscription, http.MethodDelete, path, c.appCredentials()); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

func (c *Client) appCredentials() url.Values {
	return url.Values{
		"client_id":     {c.oauth.ClientID},
		"client_secret": {c.oauth.ClientSecret},
	}
}

// doAppRequest authenticates with the application's client credentials.
// POST sends them as a form body; other methods use the query string.
func (c *Client) doAppRequest(ctx context.Context, op, method, path string, form url.Values) ([]byte, error) {
	reqURL := c.baseURL + path
	var reqBody io.Reader
	if method == http.MethodPost {
		reqBody = strings.NewReader(form.Encode())
	} else {
		reqURL += "?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.StravaAPIRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	status := fmt.Sprint(resp.StatusCode)
	metrics.StravaAPIRequestsTotal.WithLabelValues(op, status).Inc()
	metrics.StravaAPIRequestDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
