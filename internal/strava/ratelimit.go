package strava

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"sosg-strava-sync/internal/metrics"
)

// RateLimiter tracks the usage Strava reports on every API response.
// Strava publishes two windows (15 minutes and daily) for overall requests
// and, separately, for read requests.
type RateLimiter struct {
	mu          sync.RWMutex
	overall     window
	read        window
	lastUpdated time.Time
}

type window struct {
	limit15Min int
	usage15Min int
	limitDaily int
	usageDaily int
}

// RateLimitStatus is a point-in-time copy of the tracked limits
type RateLimitStatus struct {
	Limit15Min     int
	Usage15Min     int
	LimitDaily     int
	UsageDaily     int
	Read15MinLimit int
	Read15MinUsage int
	ReadDailyLimit int
	ReadDailyUsage int
	Usage15MinPct  float64
	UsageDailyPct  float64
	LastUpdated    time.Time
}

// NewRateLimiter creates a new rate limiter seeded with Strava's default limits
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		overall: window{limit15Min: 200, limitDaily: 2000},
		read:    window{limit15Min: 100, limitDaily: 1000},
	}
}

// Update records the overall limits
func (rl *RateLimiter) Update(limit15Min, usage15Min, limitDaily, usageDaily int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.overall = window{limit15Min, usage15Min, limitDaily, usageDaily}
	rl.lastUpdated = time.Now()
	rl.export()
}

// UpdateRead records the read-only limits
func (rl *RateLimiter) UpdateRead(limit15Min, usage15Min, limitDaily, usageDaily int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.read = window{limit15Min, usage15Min, limitDaily, usageDaily}
	rl.lastUpdated = time.Now()
	rl.export()
}

// export must be called with mu held
func (rl *RateLimiter) export() {
	metrics.StravaRateLimitUsage.WithLabelValues(metrics.RateLimitOverall15Min, metrics.BucketLimit).Set(float64(rl.overall.limit15Min))
	metrics.StravaRateLimitUsage.WithLabelValues(metrics.RateLimitOverall15Min, metrics.BucketUsage).Set(float64(rl.overall.usage15Min))
	metrics.StravaRateLimitUsage.WithLabelValues(metrics.RateLimitOverallDaily, metrics.BucketLimit).Set(float64(rl.overall.limitDaily))
	metrics.StravaRateLimitUsage.WithLabelValues(metrics.RateLimitOverallDaily, metrics.BucketUsage).Set(float64(rl.overall.usageDaily))
	metrics.StravaRateLimitUsage.WithLabelValues(metrics.RateLimitRead15Min, metrics.BucketLimit).Set(float64(rl.read.limit15Min))
	metrics.StravaRateLimitUsage.WithLabelValues(metrics.RateLimitRead15Min, metrics.BucketUsage).Set(float64(rl.read.usage15Min))
	metrics.StravaRateLimitUsage.WithLabelValues(metrics.RateLimitReadDaily, metrics.BucketLimit).Set(float64(rl.read.limitDaily))
	metrics.StravaRateLimitUsage.WithLabelValues(metrics.RateLimitReadDaily, metrics.BucketUsage).Set(float64(rl.read.usageDaily))
}

// Status returns the current rate limit status
func (rl *RateLimiter) Status() RateLimitStatus {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return RateLimitStatus{
		Limit15Min:     rl.overall.limit15Min,
		Usage15Min:     rl.overall.usage15Min,
		LimitDaily:     rl.overall.limitDaily,
		UsageDaily:     rl.overall.usageDaily,
		Read15MinLimit: rl.read.limit15Min,
		Read15MinUsage: rl.read.usage15Min,
		ReadDailyLimit: rl.read.limitDaily,
		ReadDailyUsage: rl.read.usageDaily,
		Usage15MinPct:  percent(rl.overall.usage15Min, rl.overall.limit15Min),
		UsageDailyPct:  percent(rl.overall.usageDaily, rl.overall.limitDaily),
		LastUpdated:    rl.lastUpdated,
	}
}

// IsNearLimit returns true if any overall or read window is at or above
// threshold percent
func (rl *RateLimiter) IsNearLimit(threshold float64) bool {
	status := rl.Status()
	return status.Usage15MinPct >= threshold ||
		status.UsageDailyPct >= threshold ||
		percent(status.Read15MinUsage, status.Read15MinLimit) >= threshold ||
		percent(status.ReadDailyUsage, status.ReadDailyLimit) >= threshold
}

// observe reads the "15min,daily" header pairs from a response
func (rl *RateLimiter) observe(h http.Header) {
	if l15, lDay, ok := parsePair(h.Get("X-RateLimit-Limit")); ok {
		if u15, uDay, ok := parsePair(h.Get("X-RateLimit-Usage")); ok {
			rl.Update(l15, u15, lDay, uDay)
		}
	}
	if l15, lDay, ok := parsePair(h.Get("X-ReadRateLimit-Limit")); ok {
		if u15, uDay, ok := parsePair(h.Get("X-ReadRateLimit-Usage")); ok {
			rl.UpdateRead(l15, u15, lDay, uDay)
		}
	}
}

func parsePair(v string) (int, int, bool) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	b, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	return a, b, true
}

func percent(usage, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(usage) / float64(limit) * 100
}
