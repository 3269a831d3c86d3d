package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sosg-strava-sync/internal/config"
	"sosg-strava-sync/internal/database"
	"sosg-strava-sync/internal/matcher"
	"sosg-strava-sync/internal/reconcile"
	"sosg-strava-sync/internal/strava"
	"sosg-strava-sync/internal/tokens"
)

type fakeTokens struct {
	err error
}

func (f *fakeTokens) GetValidAccessToken(ctx context.Context, coachID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "token-" + coachID, nil
}

type fakeAPI struct {
	mu        sync.Mutex
	pages     [][]strava.ActivitySummary
	details   map[int64]*strava.Activity
	listErr   error
	getErr    error
	nearLimit bool
	afters    []time.Time
	fetched   []int64
}

func (f *fakeAPI) IsNearRateLimit(threshold float64) bool {
	return f.nearLimit
}

func (f *fakeAPI) ListActivities(ctx context.Context, accessToken string, after time.Time, page, perPage int) ([]strava.ActivitySummary, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afters = append(f.afters, after)
	if f.listErr != nil {
		return nil, false, f.listErr
	}
	if page > len(f.pages) {
		return nil, false, nil
	}
	return f.pages[page-1], page < len(f.pages), nil
}

func (f *fakeAPI) GetActivity(ctx context.Context, accessToken string, id int64) (*strava.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, id)
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.details[id]
	if !ok {
		return nil, &strava.HTTPError{StatusCode: 404, Body: "Record Not Found"}
	}
	copied := *a
	return &copied, nil
}

type workerFixture struct {
	db     *database.DB
	tokens *fakeTokens
	api    *fakeAPI
	worker *Worker
	now    time.Time
}

func setupWorkerTest(t *testing.T) *workerFixture {
	t.Helper()
	db, err := database.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Init(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}

	err = db.UpsertConnection(context.Background(), &database.Connection{
		CoachID:         "c1",
		StravaAthleteID: 777,
		AccessToken:     "access",
		RefreshToken:    "refresh",
		TokenExpiresAt:  time.Now().Add(6 * time.Hour),
		Scope:           strava.Scope,
	})
	if err != nil {
		t.Fatalf("Failed to create connection: %v", err)
	}

	athlete := &database.Athlete{Name: "Dan Smith", Active: true}
	if err := db.CreateAthlete(context.Background(), athlete); err != nil {
		t.Fatalf("Failed to create athlete: %v", err)
	}

	f := &workerFixture{
		db:     db,
		tokens: &fakeTokens{},
		api:    &fakeAPI{details: map[int64]*strava.Activity{}},
		now:    time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC),
	}
	rec := reconcile.New(db, f.tokens, f.api, matcher.New(db))
	cfg := &config.Config{BackfillLookback: 7 * 24 * time.Hour}
	f.worker = NewWorker(db, f.tokens, f.api, rec, cfg)
	f.worker.pageDelay = 0
	f.worker.now = func() time.Time { return f.now }
	return f
}

func (f *workerFixture) run(id int64, sport string) strava.ActivitySummary {
	start := time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)
	f.api.details[id] = &strava.Activity{
		ID:         id,
		Name:       "#sosg Dan easy",
		SportType:  sport,
		Distance:   5000,
		MovingTime: 1500,
		StartDate:  start,
		Raw:        []byte(fmt.Sprintf(`{"id":%d}`, id)),
	}
	return strava.ActivitySummary{ID: id, SportType: sport, StartDate: start}
}

func (f *workerFixture) enqueue(t *testing.T) int64 {
	t.Helper()
	id, err := f.db.EnqueueSyncJob(context.Background(), "c1", database.JobTypeBackfill)
	if err != nil {
		t.Fatalf("Failed to enqueue sync job: %v", err)
	}
	return id
}

func (f *workerFixture) process(t *testing.T) {
	t.Helper()
	found, err := f.worker.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	if !found {
		t.Fatal("Expected a job to be processed")
	}
}

func (f *workerFixture) queueLength(t *testing.T) int {
	t.Helper()
	n, err := f.db.GetSyncJobQueueLength()
	if err != nil {
		t.Fatalf("Failed to get queue length: %v", err)
	}
	return n
}

func TestProcessNext_Empty(t *testing.T) {
	f := setupWorkerTest(t)

	found, err := f.worker.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	if found {
		t.Error("Expected no job")
	}
}

func TestBackfill_ImportsRuns(t *testing.T) {
	f := setupWorkerTest(t)
	ctx := context.Background()

	f.api.pages = [][]strava.ActivitySummary{
		{f.run(1, "Run"), f.run(2, "Ride")},
		{f.run(3, "TrailRun")},
	}
	f.enqueue(t)
	f.process(t)

	if n := f.queueLength(t); n != 0 {
		t.Errorf("Expected completed job to be deleted, %d left", n)
	}

	for _, id := range []int64{1, 3} {
		s, err := f.db.GetSessionByActivity(ctx, id)
		if err != nil {
			t.Fatalf("Failed to get session: %v", err)
		}
		if s == nil {
			t.Fatalf("Expected session for activity %d", id)
		}
		if s.SyncSource != database.SourceBackfill {
			t.Errorf("Expected backfill source, got %s", s.SyncSource)
		}
	}

	for _, id := range f.api.fetched {
		if id == 2 {
			t.Error("Expected rides to be filtered before fetching detail")
		}
	}

	want := f.now.Add(-7 * 24 * time.Hour)
	if len(f.api.afters) == 0 || !f.api.afters[0].Equal(want) {
		t.Errorf("Expected window to start at %v, got %v", want, f.api.afters)
	}
}

func TestBackfill_SecondRunSkipsImported(t *testing.T) {
	f := setupWorkerTest(t)
	ctx := context.Background()

	f.api.pages = [][]strava.ActivitySummary{{f.run(1, "Run")}}
	f.enqueue(t)
	f.process(t)
	f.enqueue(t)
	f.process(t)

	session, err := f.db.GetSessionByActivity(ctx, 1)
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if session == nil {
		t.Fatal("Expected the run to keep its session")
	}

	logs, err := f.db.ListSyncLogsByActivity(ctx, 1)
	if err != nil {
		t.Fatalf("Failed to list sync logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("Expected 2 sync log rows, got %d", len(logs))
	}
	skipped := 0
	for _, l := range logs {
		if l.Status == database.SyncSkipped {
			skipped++
		}
	}
	if skipped != 1 {
		t.Errorf("Expected the second import to be skipped, got %d skipped", skipped)
	}
}

func TestBackfill_WindowCoversOldLastSync(t *testing.T) {
	f := setupWorkerTest(t)
	ctx := context.Background()

	lastSync := f.now.Add(-30 * 24 * time.Hour)
	err := f.db.WithTx(ctx, func(tx *database.Tx) error {
		return tx.MarkConnectionSynced(ctx, "c1", lastSync)
	})
	if err != nil {
		t.Fatalf("Failed to mark synced: %v", err)
	}

	f.enqueue(t)
	f.process(t)

	if len(f.api.afters) != 1 || !f.api.afters[0].Equal(lastSync) {
		t.Errorf("Expected window to start at last sync %v, got %v", lastSync, f.api.afters)
	}
}

func TestBackfill_RetriesTransientFailure(t *testing.T) {
	f := setupWorkerTest(t)

	f.api.listErr = &strava.HTTPError{StatusCode: 503, Body: "unavailable"}
	id := f.enqueue(t)
	f.process(t)

	if n := f.queueLength(t); n != 1 {
		t.Fatalf("Expected job to stay queued, got %d", n)
	}
	ready, err := f.db.GetReadySyncJobQueueLength()
	if err != nil {
		t.Fatalf("Failed to get ready queue length: %v", err)
	}
	if ready != 0 {
		t.Errorf("Expected released job to back off, %d ready", ready)
	}

	job, err := f.db.ClaimSyncJob(context.Background())
	if err != nil {
		t.Fatalf("ClaimSyncJob failed: %v", err)
	}
	if job != nil {
		t.Errorf("Expected job %d to be waiting for retry", id)
	}
}

func TestBackfill_RateLimitedFetchRetries(t *testing.T) {
	f := setupWorkerTest(t)

	f.api.pages = [][]strava.ActivitySummary{{f.run(1, "Run")}}
	f.api.getErr = &strava.HTTPError{StatusCode: 429, Body: "Rate Limit Exceeded"}
	f.enqueue(t)
	f.process(t)

	if n := f.queueLength(t); n != 1 {
		t.Errorf("Expected rate limited job to be retried, got %d queued", n)
	}
}

func TestBackfill_PausesNearRateLimit(t *testing.T) {
	f := setupWorkerTest(t)

	f.api.pages = [][]strava.ActivitySummary{{f.run(1, "Run")}}
	f.api.nearLimit = true
	f.enqueue(t)
	f.process(t)

	if len(f.api.afters) != 0 {
		t.Errorf("Expected no list calls near the rate limit, got %d", len(f.api.afters))
	}
	if n := f.queueLength(t); n != 1 {
		t.Errorf("Expected job to stay queued, got %d", n)
	}
}

func TestBackfill_DropsOnCredentialError(t *testing.T) {
	tests := []struct {
		name    string
		tokens  error
		listErr error
	}{
		{"refresh failed", fmt.Errorf("%w: revoked", tokens.ErrRefreshFailed), nil},
		{"token rejected", nil, &strava.HTTPError{StatusCode: 401, Body: "Authorization Error"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupWorkerTest(t)
			f.tokens.err = tt.tokens
			f.api.listErr = tt.listErr

			f.enqueue(t)
			f.process(t)

			if n := f.queueLength(t); n != 0 {
				t.Errorf("Expected job to be dropped, %d queued", n)
			}
		})
	}
}

func TestBackfill_MissingActivitySkipped(t *testing.T) {
	f := setupWorkerTest(t)

	f.api.pages = [][]strava.ActivitySummary{{{ID: 99, SportType: "Run"}}}
	f.enqueue(t)
	f.process(t)

	if n := f.queueLength(t); n != 0 {
		t.Errorf("Expected job to complete, %d queued", n)
	}
}

func TestProcessSyncJob_UnknownType(t *testing.T) {
	f := setupWorkerTest(t)

	if _, err := f.db.EnqueueSyncJob(context.Background(), "c1", "unknown_type"); err != nil {
		t.Fatalf("Failed to enqueue sync job: %v", err)
	}
	f.process(t)

	if n := f.queueLength(t); n != 0 {
		t.Errorf("Expected unknown job to be dropped, %d queued", n)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	f := setupWorkerTest(t)
	f.worker.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Worker did not stop")
	}
}
