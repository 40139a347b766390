package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-homeflow/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleep records every requested wait without blocking.
type recordingSleep struct {
	waits []time.Duration
}

func (r *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

var errTransient = errors.New("transient")

func TestPolicy_Do(t *testing.T) {
	t.Run("Succeeds on the third attempt with fixed spacing", func(t *testing.T) {
		sleeper := &recordingSleep{}
		p := retry.Policy{MaxAttempts: 3, Delay: 5 * time.Second, Sleep: sleeper.Sleep}

		calls := 0
		attempts, err := p.Do(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, sleeper.waits)
	})

	t.Run("Stops after the final attempt", func(t *testing.T) {
		sleeper := &recordingSleep{}
		p := retry.Policy{MaxAttempts: 3, Delay: time.Second, Sleep: sleeper.Sleep}

		calls := 0
		attempts, err := p.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return errTransient
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, retry.ErrExhausted)
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, calls)
		assert.Len(t, sleeper.waits, 2)
	})

	t.Run("Non-retryable error aborts immediately", func(t *testing.T) {
		sleeper := &recordingSleep{}
		fatal := errors.New("fatal")
		p := retry.Policy{
			MaxAttempts: 3,
			Delay:       time.Second,
			Sleep:       sleeper.Sleep,
			Retryable:   func(err error) bool { return !errors.Is(err, fatal) },
		}

		attempts, err := p.Do(context.Background(), func(ctx context.Context) error { return fatal })

		assert.ErrorIs(t, err, fatal)
		assert.NotErrorIs(t, err, retry.ErrExhausted)
		assert.Equal(t, 1, attempts)
		assert.Empty(t, sleeper.waits)
	})

	t.Run("Cancelled context stops the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := retry.Policy{MaxAttempts: 3, Delay: time.Hour}

		attempts, err := p.Do(ctx, func(ctx context.Context) error { return errTransient })

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	})

	t.Run("Zero attempts still runs once", func(t *testing.T) {
		attempts, err := retry.Policy{}.Do(context.Background(), func(ctx context.Context) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})
}

func TestForever(t *testing.T) {
	sleeper := &recordingSleep{}
	var failures []int

	calls := 0
	err := retry.Forever(context.Background(), 120*time.Second, sleeper.Sleep, func(ctx context.Context) error {
		calls++
		if calls < 4 {
			return errTransient
		}
		return nil
	}, func(attempt int, err error) {
		failures = append(failures, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, failures)
	assert.Equal(t, []time.Duration{120 * time.Second, 120 * time.Second, 120 * time.Second}, sleeper.waits)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = retry.Forever(ctx, time.Millisecond, nil, func(ctx context.Context) error { return errTransient }, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
