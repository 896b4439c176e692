package rpcgateway

import (
	"golang.org/x/time/rate"
)

// RateLimiter wraps golang.org/x/time/rate behind an on/off switch: a
// non-positive rate disables limiting entirely rather than blocking
// everything.
type RateLimiter struct {
	limiter *rate.Limiter
	enabled bool
}

// NewRateLimiter builds a token-bucket limiter at rps requests/second
// with the given burst. rps <= 0 disables rate limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return &RateLimiter{enabled: false}
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		enabled: true,
	}
}

// Enabled reports whether this limiter is actively restricting traffic.
func (r *RateLimiter) Enabled() bool { return r.enabled }

// Allow reports whether a request may proceed right now.
func (r *RateLimiter) Allow() bool {
	if !r.enabled {
		return true
	}
	return r.limiter.Allow()
}
