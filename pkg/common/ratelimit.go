package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles calls against a shared upstream, keyed by an
// arbitrary string (a cloud provider type, an integration kind). Every key
// gets its own token bucket built from the same limits.
type RateLimiter struct {
	mu       sync.Mutex
	rps      float64
	burst    int
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a RateLimiter with the specified requests per second
// and burst size applied independently to each key.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		rps:      rps,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rl.rps), rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Wait blocks until the bucket for key allows an event or ctx is canceled.
// A non-positive rps disables limiting.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	if rl == nil || rl.rps <= 0 {
		return ctx.Err()
	}
	return rl.limiter(key).Wait(ctx)
}

// UpdateLimits adjusts the limits for every existing and future key.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.rps, rl.burst = rps, burst
	for _, l := range rl.limiters {
		l.SetLimit(rate.Limit(rps))
		l.SetBurst(burst)
	}
}
