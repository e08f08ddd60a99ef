package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errRetry = errors.New("retry me")

func retryOnly(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

func TestRetryPolicy_FirstTrySucceeds(t *testing.T) {
	n, err := RetryPolicy{Retryable: retryOnly(errRetry)}.Do(context.Background(), func(context.Context, int) error {
		return nil
	})
	if err != nil || n != 1 {
		t.Fatalf("Do = (%d, %v), want (1, nil)", n, err)
	}
}

func TestRetryPolicy_RetriesOnceByDefault(t *testing.T) {
	var seen []int
	n, err := RetryPolicy{Retryable: retryOnly(errRetry)}.Do(context.Background(), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		return errRetry
	})
	if !errors.Is(err, errRetry) {
		t.Fatalf("err = %v, want errRetry", err)
	}
	if n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("attempt numbers = %v, want [1 2]", seen)
	}
}

func TestRetryPolicy_SecondTrySucceeds(t *testing.T) {
	n, err := RetryPolicy{Retryable: retryOnly(errRetry)}.Do(context.Background(), func(_ context.Context, attempt int) error {
		if attempt == 1 {
			return errRetry
		}
		return nil
	})
	if err != nil || n != 2 {
		t.Fatalf("Do = (%d, %v), want (2, nil)", n, err)
	}
}

func TestRetryPolicy_NonRetryableStops(t *testing.T) {
	n, err := RetryPolicy{MaxAttempts: 5, Retryable: retryOnly(errRetry)}.Do(context.Background(), func(context.Context, int) error {
		return errTest
	})
	if !errors.Is(err, errTest) || n != 1 {
		t.Fatalf("Do = (%d, %v), want (1, errTest)", n, err)
	}
}

func TestRetryPolicy_NilRetryableNeverRetries(t *testing.T) {
	n, _ := RetryPolicy{MaxAttempts: 3}.Do(context.Background(), func(context.Context, int) error {
		return errRetry
	})
	if n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
}

func TestRetryPolicy_MaxAttempts(t *testing.T) {
	n, _ := RetryPolicy{MaxAttempts: 4, Retryable: retryOnly(errRetry)}.Do(context.Background(), func(context.Context, int) error {
		return errRetry
	})
	if n != 4 {
		t.Fatalf("attempts = %d, want 4", n)
	}
}

func TestRetryPolicy_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{Backoff: time.Hour, Retryable: retryOnly(errRetry)}

	start := time.Now()
	n, err := p.Do(ctx, func(context.Context, int) error {
		cancel()
		return errRetry
	})
	if n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
	if !errors.Is(err, errRetry) && !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Do should not wait out the backoff after cancellation")
	}
}

func TestRetryPolicy_CancelBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{Backoff: 5 * time.Second, Retryable: retryOnly(errRetry)}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	calls := 0
	n, err := p.Do(ctx, func(context.Context, int) error {
		calls++
		return errRetry
	})
	if calls != 1 || n != 1 {
		t.Fatalf("calls = %d attempts = %d, want 1", calls, n)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
