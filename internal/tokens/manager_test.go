package tokens_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"sosg-strava-sync/internal/database"
	"sosg-strava-sync/internal/strava"
	"sosg-strava-sync/internal/tokens"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeRefresher struct {
	calls   atomic.Int32
	err     error
	release chan struct{}
}

func (f *fakeRefresher) RefreshToken(ctx context.Context, refreshToken string) (*strava.TokenResponse, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &strava.TokenResponse{
		AccessToken:  "fresh_access",
		RefreshToken: "fresh_refresh",
		ExpiresAt:    now.Add(6 * time.Hour),
	}, nil
}

func setup(t *testing.T, expiresIn time.Duration) *database.DB {
	t.Helper()
	db, err := database.Open(t.TempDir() + "/tokens.db")
	gt.NoError(t, err).Required()
	t.Cleanup(func() { db.Close() })
	gt.NoError(t, db.Init()).Required()

	gt.NoError(t, db.UpsertConnection(context.Background(), &database.Connection{
		CoachID:         "c1",
		StravaAthleteID: 777,
		AccessToken:     "stored_access",
		RefreshToken:    "stored_refresh",
		TokenExpiresAt:  now.Add(expiresIn),
		Scope:           strava.Scope,
	})).Required()
	return db
}

func clock() time.Time { return now }

func TestTokenStillValid(t *testing.T) {
	db := setup(t, 6*time.Minute)
	refresher := &fakeRefresher{}
	m := tokens.NewManager(db, refresher, tokens.WithClock(clock))

	token, err := m.GetValidAccessToken(context.Background(), "c1")
	gt.NoError(t, err).Required()
	gt.Value(t, token).Equal("stored_access")
	gt.Value(t, refresher.calls.Load()).Equal(int32(0))
}

func TestTokenRefreshedNearExpiry(t *testing.T) {
	db := setup(t, 4*time.Minute)
	refresher := &fakeRefresher{}
	m := tokens.NewManager(db, refresher, tokens.WithClock(clock))
	ctx := context.Background()

	token, err := m.GetValidAccessToken(ctx, "c1")
	gt.NoError(t, err).Required()
	gt.Value(t, token).Equal("fresh_access")
	gt.Value(t, refresher.calls.Load()).Equal(int32(1))

	conn, err := db.GetConnection(ctx, "c1")
	gt.NoError(t, err).Required()
	gt.Value(t, conn.AccessToken).Equal("fresh_access")
	gt.Value(t, conn.RefreshToken).Equal("fresh_refresh")
	gt.Value(t, conn.TokenExpiresAt.Unix()).Equal(now.Add(6 * time.Hour).Unix())

	// stored expiry now far away
	token, err = m.GetValidAccessToken(ctx, "c1")
	gt.NoError(t, err).Required()
	gt.Value(t, token).Equal("fresh_access")
	gt.Value(t, refresher.calls.Load()).Equal(int32(1))
}

func TestTokenRefreshedWhenExpired(t *testing.T) {
	db := setup(t, -time.Hour)
	refresher := &fakeRefresher{}
	m := tokens.NewManager(db, refresher, tokens.WithClock(clock))

	token, err := m.GetValidAccessToken(context.Background(), "c1")
	gt.NoError(t, err).Required()
	gt.Value(t, token).Equal("fresh_access")
}

func TestNoConnection(t *testing.T) {
	db := setup(t, time.Hour)
	m := tokens.NewManager(db, &fakeRefresher{}, tokens.WithClock(clock))

	_, err := m.GetValidAccessToken(context.Background(), "nobody")
	gt.Error(t, err).Is(tokens.ErrNoConnection)
	gt.Bool(t, tokens.IsCredentialError(err)).True()
}

func TestRefreshFailure(t *testing.T) {
	db := setup(t, time.Minute)
	revoked := &strava.HTTPError{StatusCode: 401, Body: `{"message":"Authorization Error"}`}
	refresher := &fakeRefresher{err: revoked}
	m := tokens.NewManager(db, refresher, tokens.WithClock(clock))
	ctx := context.Background()

	_, err := m.GetValidAccessToken(ctx, "c1")
	gt.Error(t, err).Is(tokens.ErrRefreshFailed)
	gt.Bool(t, strava.IsUnauthorized(err)).True()

	conn, err := db.GetConnection(ctx, "c1")
	gt.NoError(t, err).Required()
	gt.Value(t, conn.LastSyncStatus).NotNil().Required()
	gt.Value(t, *conn.LastSyncStatus).Equal(database.ConnectionTokenExpired)

	notes, err := db.ListNotifications(ctx, "c1", 0, 10, false)
	gt.NoError(t, err).Required()
	gt.Array(t, notes).Length(1).Required()
	gt.Value(t, notes[0].Type).Equal(database.NotificationStravaDisconnected)
	gt.String(t, string(notes[0].Payload)).Contains("please reconnect")
}

func TestConcurrentRefreshSharesOneCall(t *testing.T) {
	db := setup(t, time.Minute)
	refresher := &fakeRefresher{release: make(chan struct{})}
	m := tokens.NewManager(db, refresher, tokens.WithClock(clock))

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.GetValidAccessToken(context.Background(), "c1")
			if err == nil && token != "fresh_access" {
				err = errors.New("unexpected token " + token)
			}
			errs <- err
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(refresher.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		gt.NoError(t, err)
	}
	gt.Value(t, refresher.calls.Load()).Equal(int32(1))
}
