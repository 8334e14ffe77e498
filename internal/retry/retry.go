// ABOUTME: Bounded exponential backoff for transient store and network failures
// ABOUTME: Only errors wrapping store.ErrUnavailable are retried; everything else surfaces immediately

package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/pairchat/internal/store"
)

// Policy bounds how often and how long an operation is retried.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to errors.Is(err, store.ErrUnavailable).
	Retryable func(error) bool
}

// DefaultPolicy is 5 attempts, 50ms doubling up to 2s.
func DefaultPolicy() Policy {
	return Policy{Attempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// IsTransient reports whether err is a transient store failure.
func IsTransient(err error) bool {
	return errors.Is(err, store.ErrUnavailable)
}

// Backoff returns the delay before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. Exhausted retries return an error wrapping both
// store.ErrUnavailable and the last failure.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !p.Retryable(err) {
			return zero, err
		}
		lastErr = err
		if attempt == p.Attempts {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry aborted after %d attempts: %w", attempt, errors.Join(ctx.Err(), lastErr))
		case <-timer.C:
		}
	}

	if errors.Is(lastErr, store.ErrUnavailable) {
		return zero, fmt.Errorf("gave up after %d attempts: %w", p.Attempts, lastErr)
	}
	return zero, fmt.Errorf("gave up after %d attempts: %w: %w", p.Attempts, store.ErrUnavailable, lastErr)
}
