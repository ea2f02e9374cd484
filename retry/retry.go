// Package retry provides bounded exponential backoff for transient
// failures on read-only queries.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Config controls attempt count and backoff growth.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 mean execute once.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt (default 100ms).
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts (default 5s).
	MaxBackoff time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Nil means every error is retryable.
	Retryable func(error) bool
}

// ErrExhausted marks an error that survived every attempt.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Do runs fn until it succeeds, the attempts run out, or the error is
// not retryable. The last error is wrapped in an *Error.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return &Error{Attempts: attempt - 1, Cause: lastErr}
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return &Error{Attempts: attempt, Cause: lastErr}
		}
		if attempt == attempts {
			break
		}

		// Half-width jitter keeps simultaneous runs from retrying in
		// lockstep against the same store.
		delay := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-ctx.Done():
			return &Error{Attempts: attempt, Cause: lastErr}
		case <-time.After(delay):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return &Error{Attempts: attempts, Cause: lastErr, exhausted: true}
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// Error reports the final failure of a retried operation.
type Error struct {
	Attempts  int
	Cause     error
	exhausted bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("retry: failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if target == ErrExhausted {
		return e.exhausted
	}
	return errors.Is(e.Cause, target)
}
