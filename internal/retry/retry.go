// Package retry runs a read with bounded attempts, a per-attempt timeout and
// exponential backoff. It is for collaborator reads only; nothing that mutates
// the ledger goes through here.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config bounds a retried call.
type Config struct {
	// Attempts is the total number of calls, including the first. Values
	// below 1 are treated as 1.
	Attempts int

	// AttemptTimeout caps each call. Zero leaves the parent deadline alone.
	AttemptTimeout time.Duration

	// Backoff is the wait before the second attempt; it doubles each time.
	Backoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration
}

// DefaultConfig suits gateway reads on the trade path.
func DefaultConfig() Config {
	return Config{
		Attempts:       3,
		AttemptTimeout: 2 * time.Second,
		Backoff:        25 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Do calls fn until it succeeds, returns a Permanent error, the attempts run
// out, or ctx ends. The returned error unwraps to the last failure.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := cfg.Backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("retry: %w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(backoff):
			}
			backoff *= 2
			if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}

		result, err := call(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if ctx.Err() != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("retry: gave up after %d attempts: %w", attempts, lastErr)
}

func call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
