package matcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"sosg-strava-sync/internal/database"
	"sosg-strava-sync/internal/matcher"
	"sosg-strava-sync/internal/strava"
)

func openDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(t.TempDir() + "/matcher.db")
	gt.NoError(t, err).Required()
	t.Cleanup(func() { db.Close() })
	gt.NoError(t, db.Init()).Required()
	return db
}

func addAthlete(t *testing.T, db *database.DB, name string, active bool) *database.Athlete {
	t.Helper()
	a := &database.Athlete{Name: name, Active: active}
	gt.NoError(t, db.CreateAthlete(context.Background(), a)).Required()
	return a
}

func addPlanned(t *testing.T, db *database.DB, coachID, athleteID string, at time.Time) {
	t.Helper()
	gt.NoError(t, db.CreateSession(context.Background(), &database.Session{
		AthleteID:  athleteID,
		CoachID:    coachID,
		Status:     database.SessionPlanned,
		Date:       at,
		SyncSource: database.SourceManual,
	})).Required()
}

func TestExtractTag(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Morning Run #sosg Daniel", "Daniel"},
		{"SOSG daniel!", "daniel"},
		{"sosg   O'Brien, easy", "OBrien"},
		{"#sosg", ""},
		{"no tag here", ""},
		{"#sosgDaniel", ""},
		{"#sosg\u00a0Daniel", "Daniel"},
		{"#sosg\vDaniel", "Daniel"},
		{"#sosg\u2003Daniel\u00a0easy", "Daniel"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			gt.Value(t, matcher.ExtractTag(tt.text)).Equal(tt.want)
		})
	}
}

func TestTagMatch(t *testing.T) {
	db := openDB(t)
	daniel := addAthlete(t, db, "Daniel Smith", true)
	addAthlete(t, db, "Sarah Jones", true)

	m := matcher.New(db)
	res, err := m.Match(context.Background(), &strava.Activity{
		ID:          555,
		Name:        "Morning Run",
		Description: "#sosg Daniel",
		StartDate:   time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC),
	}, "c1")
	gt.NoError(t, err).Required()
	gt.Bool(t, res.Matched).True()
	gt.Value(t, res.AthleteID).Equal(daniel.ID)
	gt.Value(t, res.Method).Equal(database.MatchHashtag)
	gt.Value(t, res.Confidence).Equal(database.ConfidenceHigh)
}

func TestTagMatchIgnoresInactive(t *testing.T) {
	db := openDB(t)
	addAthlete(t, db, "Daniel Old", false)
	daniel := addAthlete(t, db, "Daniel New", true)

	res, err := matcher.New(db).Match(context.Background(), &strava.Activity{
		Name:      "sosg daniel",
		StartDate: time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC),
	}, "c1")
	gt.NoError(t, err).Required()
	gt.Bool(t, res.Matched).True()
	gt.Value(t, res.AthleteID).Equal(daniel.ID)
}

func TestAmbiguousTagFallsThrough(t *testing.T) {
	db := openDB(t)
	addAthlete(t, db, "Daniel", true)
	daniella := addAthlete(t, db, "Daniella", true)
	start := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	m := matcher.New(db)

	t.Run("no schedule", func(t *testing.T) {
		res, err := m.Match(context.Background(), &strava.Activity{Description: "#sosg Daniel", StartDate: start}, "c1")
		gt.NoError(t, err).Required()
		gt.Bool(t, res.Matched).False()
		gt.Value(t, res.Method).Equal(database.MatchMethod(""))
	})

	t.Run("unique tag", func(t *testing.T) {
		res, err := m.Match(context.Background(), &strava.Activity{Description: "#sosg Daniella", StartDate: start}, "c1")
		gt.NoError(t, err).Required()
		gt.Bool(t, res.Matched).True()
		gt.Value(t, res.AthleteID).Equal(daniella.ID)
	})

	t.Run("schedule decides", func(t *testing.T) {
		addPlanned(t, db, "c1", daniella.ID, start.Add(30*time.Minute))
		res, err := m.Match(context.Background(), &strava.Activity{Description: "#sosg Daniel", StartDate: start}, "c1")
		gt.NoError(t, err).Required()
		gt.Bool(t, res.Matched).True()
		gt.Value(t, res.AthleteID).Equal(daniella.ID)
		gt.Value(t, res.Method).Equal(database.MatchSchedule)
		gt.Value(t, res.Confidence).Equal(database.ConfidenceMedium)
	})
}

func TestScheduleWindow(t *testing.T) {
	planned := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		start   time.Time
		matched bool
	}{
		{"90 minutes later", planned.Add(90 * time.Minute), true},
		{"exactly two hours later", planned.Add(2 * time.Hour), true},
		{"150 minutes later", planned.Add(150 * time.Minute), false},
		{"90 minutes earlier", planned.Add(-90 * time.Minute), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openDB(t)
			athlete := addAthlete(t, db, "Sarah", true)
			addPlanned(t, db, "c1", athlete.ID, planned)

			res, err := matcher.New(db).Match(context.Background(), &strava.Activity{Name: "Afternoon Run", StartDate: tt.start}, "c1")
			gt.NoError(t, err).Required()
			gt.Value(t, res.Matched).Equal(tt.matched)
			if tt.matched {
				gt.Value(t, res.AthleteID).Equal(athlete.ID)
			}
		})
	}
}

func TestScheduleScopedToCoach(t *testing.T) {
	db := openDB(t)
	athlete := addAthlete(t, db, "Sarah", true)
	start := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)
	addPlanned(t, db, "other-coach", athlete.ID, start)

	res, err := matcher.New(db).Match(context.Background(), &strava.Activity{StartDate: start}, "c1")
	gt.NoError(t, err).Required()
	gt.Bool(t, res.Matched).False()
}

func TestScheduleRequiresSingleSession(t *testing.T) {
	db := openDB(t)
	a := addAthlete(t, db, "Sarah", true)
	b := addAthlete(t, db, "Tom", true)
	start := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)
	addPlanned(t, db, "c1", a.ID, start)
	addPlanned(t, db, "c1", b.ID, start.Add(time.Hour))

	res, err := matcher.New(db).Match(context.Background(), &strava.Activity{StartDate: start}, "c1")
	gt.NoError(t, err).Required()
	gt.Bool(t, res.Matched).False()
}
