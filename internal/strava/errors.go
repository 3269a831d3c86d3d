package strava

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is returned for any non-success response from Strava
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("strava API error (status %d): %s", e.StatusCode, e.Body)
}

// StatusCode returns the upstream status carried by err, or 0
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 from Strava
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsUnauthorized reports whether err is a 401 from Strava
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// IsTooManyRequests reports whether err is a 429 from Strava
func IsTooManyRequests(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}
