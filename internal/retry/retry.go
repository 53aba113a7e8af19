// Package retry wraps fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy retries an operation up to MaxAttempts times, sleeping
// BaseDelay*Multiplier^n between attempts, capped at MaxDelay. Retryable
// decides which failures are worth another attempt; when nil every error is
// retried. Backoff sleeps block only the calling goroutine and honor ctx.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration

	Retryable func(error) bool

	// sleep is overridable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Default mirrors the carrier integration defaults: 3 attempts, 4s start,
// doubling, 10s cap.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   4 * time.Second,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
	}
}

// ExhaustedError wraps the last failure after all attempts were consumed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Execute runs op until it succeeds, fails non-retryably, or attempts run
// out. Non-retryable errors propagate as-is; exhaustion returns
// *ExhaustedError wrapping the last failure.
func (p Policy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	delay := p.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return &ExhaustedError{Attempts: attempts, Last: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
