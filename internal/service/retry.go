package service

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff is a bounded exponential retry schedule with jitter.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

func (b Backoff) attempts() int {
	if b.Attempts < 1 {
		return 1
	}
	return b.Attempts
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt > 16 {
		attempt = 16
	}
	delay := b.Base * time.Duration(1<<attempt)
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay + time.Duration(rand.Float64()*float64(delay)*0.3)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
