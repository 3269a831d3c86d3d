package strava

import (
	"net/http"
	"sync"
	"testing"
)

func TestRateLimiterDefaults(t *testing.T) {
	status := NewRateLimiter().Status()

	if status.Limit15Min != 200 || status.LimitDaily != 2000 {
		t.Errorf("Unexpected default overall limits: %+v", status)
	}
	if status.Read15MinLimit != 100 || status.ReadDailyLimit != 1000 {
		t.Errorf("Unexpected default read limits: %+v", status)
	}
	if status.Usage15Min != 0 || status.UsageDaily != 0 {
		t.Errorf("Expected zero usage, got %+v", status)
	}
}

func TestRateLimiterIsNearLimit(t *testing.T) {
	rl := NewRateLimiter()

	rl.Update(200, 50, 2000, 500)
	if rl.IsNearLimit(80) {
		t.Error("Expected IsNearLimit(80) to be false at 25% usage")
	}
	if pct := rl.Status().Usage15MinPct; pct != 25.0 {
		t.Errorf("Expected usage15MinPct 25.0, got %f", pct)
	}

	rl.Update(200, 180, 2000, 1800)
	if !rl.IsNearLimit(80) {
		t.Error("Expected IsNearLimit(80) to be true at 90% usage")
	}

	rl.Update(200, 50, 2000, 1900)
	if !rl.IsNearLimit(90) {
		t.Error("Expected IsNearLimit(90) to be true when daily at 95%")
	}
}

func TestRateLimiterIsNearLimitRead(t *testing.T) {
	tests := []struct {
		name      string
		read15Min int
		readDaily int
		wantNear  bool
	}{
		{"read 15min at 95%", 95, 100, true},
		{"read daily at 95%", 10, 950, true},
		{"read windows below threshold", 50, 500, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewRateLimiter()
			// Overall usage well under the threshold
			rl.Update(200, 95, 2000, 950)
			rl.UpdateRead(100, tt.read15Min, 1000, tt.readDaily)

			if got := rl.IsNearLimit(90); got != tt.wantNear {
				t.Errorf("IsNearLimit(90) = %v, want %v", got, tt.wantNear)
			}
		})
	}
}

func TestRateLimiterObserveHeaders(t *testing.T) {
	tests := []struct {
		name      string
		header    http.Header
		wantUsage int
	}{
		{
			name: "valid",
			header: http.Header{
				"X-Ratelimit-Limit": []string{"200,2000"},
				"X-Ratelimit-Usage": []string{"42,420"},
			},
			wantUsage: 42,
		},
		{
			name: "malformed usage ignored",
			header: http.Header{
				"X-Ratelimit-Limit": []string{"200,2000"},
				"X-Ratelimit-Usage": []string{"lots"},
			},
			wantUsage: 0,
		},
		{
			name:      "absent",
			header:    http.Header{},
			wantUsage: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewRateLimiter()
			rl.observe(tt.header)
			if got := rl.Status().Usage15Min; got != tt.wantUsage {
				t.Errorf("Expected usage %d, got %d", tt.wantUsage, got)
			}
		})
	}
}

func TestRateLimiterConcurrency(t *testing.T) {
	rl := NewRateLimiter()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rl.Update(200, j, 2000, j*10)
				rl.UpdateRead(100, j, 1000, j)
				_ = rl.Status()
				_ = rl.IsNearLimit(80)
			}
		}()
	}
	wg.Wait()
}
