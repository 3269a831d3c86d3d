// Package matcher attributes a Strava activity to one athlete on a coach's
// roster, first by an explicit tag in the activity text and then by the
// coach's planned schedule.
package matcher

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"sosg-strava-sync/internal/database"
	"sosg-strava-sync/internal/metrics"
	"sosg-strava-sync/internal/strava"
)

// ScheduleWindow is how far either side of the activity start a planned
// session may be
const ScheduleWindow = 2 * time.Hour

// Whitespace includes \v, NBSP and the other Unicode separators phones insert
var tagPattern = regexp.MustCompile(`(?i)(?:#sosg|sosg)[\s\v\p{Z}\x{FEFF}]+([^\s\v\p{Z}\x{FEFF}]+)`)
var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

type Store interface {
	FindActiveAthletesByName(ctx context.Context, fragment string) ([]*database.Athlete, error)
	FindPlannedSessions(ctx context.Context, coachID string, from, to time.Time) ([]*database.Session, error)
}

// Result is the outcome of matching. Method and Confidence are empty when
// Matched is false.
type Result struct {
	Matched    bool
	AthleteID  string
	Method     database.MatchMethod
	Confidence database.MatchConfidence
}

type Matcher struct {
	store Store
}

func New(store Store) *Matcher {
	return &Matcher{store: store}
}

// Match returns the single athlete the activity belongs to. Each tier only
// matches on exactly one candidate; ambiguity is left unmatched.
func (m *Matcher) Match(ctx context.Context, activity *strava.Activity, coachID string) (Result, error) {
	if identifier := ExtractTag(activity.Name + " " + activity.Description); identifier != "" {
		athletes, err := m.store.FindActiveAthletesByName(ctx, identifier)
		if err != nil {
			return Result{}, goerr.Wrap(err, "failed to look up tagged athlete",
				goerr.V("identifier", identifier), goerr.V("activity_id", activity.ID))
		}
		if len(athletes) == 1 {
			metrics.MatchesTotal.WithLabelValues(string(database.MatchHashtag)).Inc()
			return Result{
				Matched:    true,
				AthleteID:  athletes[0].ID,
				Method:     database.MatchHashtag,
				Confidence: database.ConfidenceHigh,
			}, nil
		}
	}

	start := activity.StartDate
	planned, err := m.store.FindPlannedSessions(ctx, coachID, start.Add(-ScheduleWindow), start.Add(ScheduleWindow))
	if err != nil {
		return Result{}, goerr.Wrap(err, "failed to look up planned sessions",
			goerr.V("coach_id", coachID), goerr.V("activity_id", activity.ID))
	}
	if len(planned) == 1 {
		metrics.MatchesTotal.WithLabelValues(string(database.MatchSchedule)).Inc()
		return Result{
			Matched:    true,
			AthleteID:  planned[0].AthleteID,
			Method:     database.MatchSchedule,
			Confidence: database.ConfidenceMedium,
		}, nil
	}

	metrics.MatchesTotal.WithLabelValues("none").Inc()
	return Result{}, nil
}

// ExtractTag returns the alphanumeric part of the word following "#sosg" or
// "sosg", or "" when there is no tag
func ExtractTag(text string) string {
	match := tagPattern.FindStringSubmatch(text)
	if match == nil {
		return ""
	}
	return strings.TrimSpace(nonAlphanumeric.ReplaceAllString(match[1], ""))
}
