package tcpserver

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// RateLimiter throttles new-connection accepts with a token bucket,
// guarding against a reconnect storm (a power-cut fleet redialing at once)
// overwhelming the accept loop before ConnectionLimiter even applies.
type RateLimiter struct {
	limiter       *rate.Limiter
	ratePerSec    int
	burst         int
	allowedCount  atomic.Int64
	rejectedCount atomic.Int64
}

// NewRateLimiter builds a limiter allowing ratePerSec accepts/sec with
// burst extra capacity banked in the bucket.
func NewRateLimiter(ratePerSec int, burst int) *RateLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 100
	}
	if burst <= 0 {
		burst = ratePerSec * 2
	}

	return &RateLimiter{
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		ratePerSec: ratePerSec,
		burst:      burst,
	}
}

// Allow reports whether one accept may proceed right now, non-blocking.
func (l *RateLimiter) Allow() bool {
	if l.limiter.Allow() {
		l.allowedCount.Add(1)
		return true
	}
	l.rejectedCount.Add(1)
	return false
}

// Wait blocks until one accept may proceed or ctx is done.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		l.rejectedCount.Add(1)
		return err
	}
	l.allowedCount.Add(1)
	return nil
}

// AllowedCount returns the cumulative number of accepted attempts.
func (l *RateLimiter) AllowedCount() int64 {
	return l.allowedCount.Load()
}

// RejectedCount returns the cumulative number of throttled attempts.
func (l *RateLimiter) RejectedCount() int64 {
	return l.rejectedCount.Load()
}

// Stats snapshots the limiter's counters for the health/admin surface.
func (l *RateLimiter) Stats() RateLimiterStats {
	return RateLimiterStats{
		RatePerSecond: l.ratePerSec,
		Burst:         l.burst,
		AllowedTotal:  l.AllowedCount(),
		RejectedTotal: l.RejectedCount(),
	}
}

// RateLimiterStats is the JSON-serialisable snapshot exposed by Stats.
type RateLimiterStats struct {
	RatePerSecond int   `json:"rate_per_second"`
	Burst         int   `json:"burst"`
	AllowedTotal  int64 `json:"allowed_total"`
	RejectedTotal int64 `json:"rejected_total"`
}
