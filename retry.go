package smb3

import (
	"context"
	"time"
)

// RetryPolicy governs exponential backoff around Dial/negotiate.
type RetryPolicy struct {
	MaxAttempts  int           // default: 3
	InitialDelay time.Duration // default: 100ms
	MaxDelay     time.Duration // default: 5s
	Multiplier   float64       // default: 2.0
}

var defaultRetryPolicy = &RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// withRetry executes operation with exponential backoff, honoring
// ctx cancellation and stopping at the first error isRetryable rejects.
func withRetry(ctx context.Context, policy *RetryPolicy, logger Logger, operation func() error) error {
	if policy == nil {
		policy = defaultRetryPolicy
	}
	if policy.MaxAttempts <= 1 {
		return operation()
	}

	var lastErr error
	delay := policy.InitialDelay

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		if logger != nil {
			logger.Printf("attempt %d/%d failed, retrying in %v: %v", attempt, policy.MaxAttempts, delay, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	return lastErr
}
