// Package retry provides the bounded, backoff-based retry helper the
// gateway applies where a local retry is safe: cursor-row contention in
// cursorsync.Advance, and the network/solana driver's blockhash fetch and
// transaction submission. Anything else surfaces its error and leaves
// retrying to the client.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config bounds one retry loop.
type Config struct {
	// MaxAttempts includes the initial attempt.
	MaxAttempts int
	// InitialDelay is slept after the first failure, then multiplied by
	// Multiplier per attempt up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// IsRetryable reports whether an error is worth another attempt.
type IsRetryable func(error) bool

// WithRetry runs fn up to config.MaxAttempts times, sleeping with
// exponential backoff between attempts and stopping early on a
// non-retryable error or context cancellation.
func WithRetry[T any](ctx context.Context, config Config, isRetryable IsRetryable, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return zero, err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return zero, fmt.Errorf("retry: attempts exhausted: %w", lastErr)
}
