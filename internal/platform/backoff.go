package platform

import (
	"context"
	"errors"
	"time"
)

// Backoff retries an operation with exponential delays: Base, 2*Base,
// 4*Base and so on, up to MaxAttempts total attempts.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts
// the attempt budget, or the context is cancelled. A RateLimitError that
// carries a Retry-After hint overrides the computed delay.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		delay := time.Duration(1<<uint(i)) * b.Base
		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > delay {
			delay = rl.RetryAfter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
