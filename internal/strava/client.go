package strava

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"sosg-strava-sync/internal/metrics"
)

const (
	defaultBaseURL  = "https://www.strava.com/api/v3"
	defaultAuthURL  = "https://www.strava.com/oauth/authorize"
	defaultTokenURL = "https://www.strava.com/oauth/token"

	// Scope requested from coaches; private activities are included
	Scope = "activity:read_all"
)

// Client is a stateless Strava API client. Every call takes the credential
// it needs from the caller.
type Client struct {
	httpClient  *http.Client
	oauth       *oauth2.Config
	baseURL     string
	logger      *slog.Logger
	rateLimiter *RateLimiter
}

// TokenResponse is the result of a code exchange or refresh
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	// AthleteID is only present on code exchange
	AthleteID int64
	Scope     string
}

// NewClient creates a new Strava API client
func NewClient(clientID, clientSecret, redirectURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{Scope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   defaultAuthURL,
				TokenURL:  defaultTokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		baseURL:     defaultBaseURL,
		logger:      slog.Default(),
		rateLimiter: NewRateLimiter(),
	}
}

// SetBaseURL points API calls at another host (used in tests)
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// SetTokenURL points token calls at another host (used in tests)
func (c *Client) SetTokenURL(u string) {
	c.oauth.Endpoint.TokenURL = u
}

// SetHTTPClient replaces the underlying HTTP client
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// AuthCodeURL builds the URL a coach is redirected to for authorization
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "auto"))
}

// ExchangeCode exchanges an authorization code for tokens
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	start := time.Now()
	tok, err := c.oauth.Exchange(c.tokenContext(ctx), code)
	c.observe(metrics.OpExchangeCode, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", convertOAuthError(err))
	}

	resp := tokenResponse(tok)
	if athlete, ok := tok.Extra("athlete").(map[string]any); ok {
		if id, ok := athlete["id"].(float64); ok {
			resp.AthleteID = int64(id)
		}
	}
	if resp.AthleteID == 0 {
		return nil, fmt.Errorf("token response did not include the athlete")
	}
	return resp, nil
}

// RefreshToken trades a refresh token for a new access token
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	start := time.Now()
	tok, err := c.oauth.TokenSource(c.tokenContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	c.observe(metrics.OpRefreshToken, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", convertOAuthError(err))
	}
	return tokenResponse(tok), nil
}

// GetRateLimitStatus returns the last rate limits Strava reported
func (c *Client) GetRateLimitStatus() RateLimitStatus {
	return c.rateLimiter.Status()
}

// IsNearRateLimit reports whether either window is at or above threshold percent
func (c *Client) IsNearRateLimit(threshold float64) bool {
	return c.rateLimiter.IsNearLimit(threshold)
}

func (c *Client) tokenContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// tokenResponse prefers Strava's absolute expires_at over the expiry the
// oauth2 package derives from expires_in
func tokenResponse(tok *oauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	switch v := tok.Extra("expires_at").(type) {
	case float64:
		resp.ExpiresAt = time.Unix(int64(v), 0)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			resp.ExpiresAt = time.Unix(n, 0)
		}
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	return resp
}

func convertOAuthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &HTTPError{StatusCode: re.Response.StatusCode, Body: string(re.Body)}
	}
	return err
}

func (c *Client) observe(op string, start time.Time, err error) {
	status := "200"
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			status = strconv.Itoa(re.Response.StatusCode)
		} else {
			status = "error"
		}
	}
	duration := time.Since(start)
	metrics.StravaAPIRequestsTotal.WithLabelValues(op, status).Inc()
	metrics.StravaAPIRequestDuration.WithLabelValues(op, status).Observe(duration.Seconds())
	c.logger.Info("strava_token_request", "operation", op, "status", status, "duration_ms", duration.Milliseconds())
}

// doRequest performs one bearer-authenticated request and returns the body
// of a 2xx response. Any other status is an *HTTPError; retry policy belongs
// to the caller.
func (c *Client) doRequest(ctx context.Context, op, method, path, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		metrics.StravaAPIRequestsTotal.WithLabelValues(op, "error").Inc()
		c.logger.Error("strava request failed", "operation", op, "path", path, "error", err, "duration_ms", duration.Milliseconds())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	c.rateLimiter.observe(resp.Header)

	status := strconv.Itoa(resp.StatusCode)
	metrics.StravaAPIRequestsTotal.WithLabelValues(op, status).Inc()
	metrics.StravaAPIRequestDuration.WithLabelValues(op, status).Observe(duration.Seconds())
	c.logger.Info("strava_api_request", "operation", op, "method", method, "path", path, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
