package util

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter paces calls to a remote API within a per-minute budget,
// allowing short bursts. One limiter is shared by every caller of the same
// API key.
type RateLimiter struct {
	lim       *rate.Limiter
	perMinute int
}

// NewRateLimiter allows perMinute calls per minute with bursts of up to
// burst calls. A non-positive perMinute disables limiting; burst is at
// least 1.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	burst = max(burst, 1)
	if perMinute <= 0 {
		return &RateLimiter{lim: rate.NewLimiter(rate.Inf, burst)}
	}
	return &RateLimiter{
		lim:       rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst),
		perMinute: perMinute,
	}
}

// Wait blocks until a call may proceed. It fails without waiting when ctx
// is done or its deadline would pass first.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.lim.Wait(ctx)
}

// Allow reports whether a call may proceed now, consuming a token if so.
func (rl *RateLimiter) Allow() bool {
	return rl.lim.Allow()
}

// PerMinute returns the configured budget; 0 means unlimited.
func (rl *RateLimiter) PerMinute() int { return rl.perMinute }

// Burst returns the largest number of calls allowed at once.
func (rl *RateLimiter) Burst() int { return rl.lim.Burst() }
