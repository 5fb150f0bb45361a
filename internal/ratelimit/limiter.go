// Package ratelimit enforces a minimum spacing between outbound API requests.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter blocks callers so that no two Wait calls return less than the
// configured interval apart. The first call returns immediately. A Limiter is
// safe for concurrent use; concurrent callers are serialized.
type Limiter struct {
	interval time.Duration
	limiter  *rate.Limiter
}

// New creates a limiter with the given minimum interval. A non-positive
// interval disables waiting.
func New(interval time.Duration) *Limiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Limiter{
		interval: interval,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Wait blocks until a request may be sent and returns how long it waited.
// The only error is the context being done first.
func (l *Limiter) Wait(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return time.Since(start), err
	}
	return time.Since(start), nil
}

// MinInterval returns the configured spacing.
func (l *Limiter) MinInterval() time.Duration {
	return l.interval
}
