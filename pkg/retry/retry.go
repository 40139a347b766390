// Package retry runs operations under a fixed-delay retry policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc, backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy describes a bounded, fixed-delay retry.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int
	// Delay is the wait between consecutive attempts.
	Delay time.Duration
	// Retryable reports whether a failed attempt may be retried. A nil
	// Retryable retries every error.
	Retryable func(error) bool
	// Sleep replaces the real wait, mostly for tests.
	Sleep SleepFunc
}

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Do calls fn until it succeeds, returns a non-retryable error, or the
// policy runs out of attempts. It returns the number of attempts made.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return attempt, lastErr
		}
		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, p.Delay); err != nil {
			return attempt, fmt.Errorf("retry cancelled after attempt %d: %w", attempt, errors.Join(lastErr, err))
		}
	}
	return maxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, lastErr)
}

// Forever calls fn until it succeeds or ctx is done, waiting delay between
// failures. onFailure, if set, sees every failed attempt.
func Forever(ctx context.Context, delay time.Duration, sleep SleepFunc, fn func(context.Context) error, onFailure func(attempt int, err error)) error {
	if sleep == nil {
		sleep = Sleep
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if onFailure != nil {
			onFailure(attempt, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}
