package pulse

import (
	"context"

	"golang.org/x/time/rate"
)

// CallLimiter enforces a calls-per-minute ceiling on model gateway traffic.
// It wraps a token bucket refilling at the configured per-minute rate with a
// burst of 1, so calls space out evenly rather than clustering at window
// boundaries.
type CallLimiter struct {
	limiter *rate.Limiter
}

// NewCallLimiter creates a limiter allowing callsPerMinute calls per minute.
// A non-positive value disables limiting.
func NewCallLimiter(callsPerMinute int) *CallLimiter {
	if callsPerMinute <= 0 {
		return &CallLimiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &CallLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(callsPerMinute)/60.0), 1),
	}
}

// Wait blocks until a call slot is available or ctx is cancelled.
func (l *CallLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
