package source

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter is a token bucket that backs off when the API answers 429
// and recovers gradually on success. The rate stays within
// [initial/4, initial].
type AdaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	floor   rate.Limit
	current rate.Limit
}

// NewAdaptiveLimiter returns a limiter allowing perSecond requests with the
// given burst. A non-positive rate disables limiting.
func NewAdaptiveLimiter(perSecond float64, burst int) *AdaptiveLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(limit, burst),
		initial: limit,
		floor:   limit / 4,
		current: limit,
	}
}

// Wait blocks until a request may be sent.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, never above the initial rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == a.initial {
		return
	}
	a.set(min(a.current*1.2, a.initial))
}

// OnRateLimit halves the rate, never below a quarter of the initial rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initial == rate.Inf {
		return
	}
	a.set(max(a.current*0.5, a.floor))
	zap.L().Warn("source rate limited, slowing down", zap.Float64("rate", float64(a.current)))
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *AdaptiveLimiter) set(l rate.Limit) {
	a.current = l
	a.limiter.SetLimit(l)
}
