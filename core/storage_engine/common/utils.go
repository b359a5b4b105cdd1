package common

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttle paces long background scans (verification walks page by page).
// A nil *Throttle never waits.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle allows unitsPerSecond units of work per second with a burst of
// one second's worth. A non-positive rate disables throttling.
func NewThrottle(unitsPerSecond int) *Throttle {
	if unitsPerSecond <= 0 {
		return nil
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(unitsPerSecond), unitsPerSecond)}
}

// Wait blocks until n more units may be processed or ctx is done.
func (t *Throttle) Wait(ctx context.Context, n int) error {
	if t == nil {
		return ctx.Err()
	}
	if n > t.limiter.Burst() {
		n = t.limiter.Burst()
	}
	if err := t.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}
	return nil
}
