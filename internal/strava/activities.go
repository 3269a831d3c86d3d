package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"sosg-strava-sync/internal/metrics"
)

// ActivityMap holds the encoded route of an activity
type ActivityMap struct {
	SummaryPolyline string `json:"summary_polyline"`
}

// Activity is the subset of a Strava activity the pipeline reads. Raw keeps
// the full response body.
type Activity struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	SportType   string      `json:"sport_type"`
	Distance    float64     `json:"distance"`
	MovingTime  int64       `json:"moving_time"`
	ElapsedTime int64       `json:"elapsed_time"`
	StartDate   time.Time   `json:"start_date"`
	Map         ActivityMap `json:"map"`

	Raw json.RawMessage `json:"-"`
}

// DistanceKm converts the reported distance in metres
func (a *Activity) DistanceKm() float64 {
	return a.Distance / 1000
}

// ActivitySummary is an entry from the athlete activity list
type ActivitySummary struct {
	ID        int64     `json:"id"`
	SportType string    `json:"sport_type"`
	StartDate time.Time `json:"start_date"`
}

// GetActivity fetches detailed activity data for a specific activity
func (c *Client) GetActivity(ctx context.Context, accessToken string, activityID int64) (*Activity, error) {
	body, err := c.doRequest(ctx, metrics.OpGetActivity, "GET", fmt.Sprintf("/activities/%d", activityID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get activity %d: %w", activityID, err)
	}

	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, fmt.Errorf("failed to decode activity %d: %w", activityID, err)
	}
	activity.Raw = json.RawMessage(body)
	return &activity, nil
}

// ListActivities fetches one page of the authenticated athlete's activities
// started after the given time. The bool reports whether another page may
// exist.
func (c *Client) ListActivities(ctx context.Context, accessToken string, after time.Time, page, perPage int) ([]ActivitySummary, bool, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 200 // Strava max
	}

	params := url.Values{
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(perPage)},
	}
	if !after.IsZero() {
		params.Set("after", strconv.FormatInt(after.Unix(), 10))
	}

	body, err := c.doRequest(ctx, metrics.OpListActivities, "GET", "/athlete/activities?"+params.Encode(), accessToken)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list activities: %w", err)
	}

	var activities []ActivitySummary
	if err := json.Unmarshal(body, &activities); err != nil {
		return nil, false, fmt.Errorf("failed to decode activities: %w", err)
	}

	// A full page means there might be more
	return activities, len(activities) == perPage, nil
}
