package resilience

import (
	"context"
	"fmt"
	"time"
)

// DefaultMaxAttempts is the total number of tries a zero RetryPolicy makes.
const DefaultMaxAttempts = 2

// RetryPolicy repeats a call while its error is retryable.
type RetryPolicy struct {
	// MaxAttempts counts the first try. Default: DefaultMaxAttempts.
	MaxAttempts int

	// Backoff is the pause before each repeat. Zero repeats immediately.
	Backoff time.Duration

	// Retryable reports whether err is worth another try. Nil means nothing
	// is retried.
	Retryable func(error) bool
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. attempt starts at 1. It returns the number of
// calls made and the last error.
//
// Cancelling ctx stops the loop: Do never starts another attempt once ctx is
// done, and a wait for Backoff ends early with the context error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil || attempt >= limit || p.Retryable == nil || !p.Retryable(err) {
			return attempt, err
		}
		if werr := wait(ctx, p.Backoff); werr != nil {
			return attempt, fmt.Errorf("resilience: retry aborted: %w", werr)
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
