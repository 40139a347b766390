package delivery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-homeflow/pkg/delivery"
	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedWriter replays a fixed sequence of write outcomes.
type scriptedWriter struct {
	outcomes []writeOutcome
	calls    int
}

type writeOutcome struct {
	acked bool
	err   error
}

func (w *scriptedWriter) WritePoint(ctx context.Context, m types.Measurement) (bool, error) {
	i := w.calls
	w.calls++
	if i >= len(w.outcomes) {
		i = len(w.outcomes) - 1
	}
	return w.outcomes[i].acked, w.outcomes[i].err
}

type fakeClock struct {
	waits []time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.waits = append(c.waits, d)
	return nil
}

func newStoreSink(w delivery.PointWriter, clock *fakeClock, retryUnacked bool) *delivery.StoreSink {
	cfg := delivery.DefaultStoreSinkConfig()
	cfg.Sleep = clock.Sleep
	cfg.RetryUnacked = retryUnacked
	return delivery.NewStoreSink(w, cfg, zerolog.Nop())
}

func TestStoreSink_Retry(t *testing.T) {
	transient := delivery.Transient("write", errors.New("connection refused"))

	t.Run("Success on the third attempt", func(t *testing.T) {
		w := &scriptedWriter{outcomes: []writeOutcome{{err: transient}, {err: transient}, {acked: true}}}
		clock := &fakeClock{}

		attempts, err := newStoreSink(w, clock, false).Deliver(context.Background(), sample)

		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, w.calls)
		assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, clock.waits)
	})

	t.Run("Always failing stops at exactly three attempts", func(t *testing.T) {
		w := &scriptedWriter{outcomes: []writeOutcome{{err: transient}}}
		clock := &fakeClock{}

		attempts, err := newStoreSink(w, clock, false).Deliver(context.Background(), sample)

		require.Error(t, err)
		assert.True(t, delivery.IsTransient(err))
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, w.calls)
		assert.Len(t, clock.waits, 2)
	})

	t.Run("Fatal error aborts after one attempt", func(t *testing.T) {
		w := &scriptedWriter{outcomes: []writeOutcome{{err: delivery.Fatal("write", errors.New("permission denied"))}}}
		clock := &fakeClock{}

		attempts, err := newStoreSink(w, clock, false).Deliver(context.Background(), sample)

		require.Error(t, err)
		assert.False(t, delivery.IsTransient(err))
		assert.Equal(t, 1, attempts)
		assert.Empty(t, clock.waits)
	})

	t.Run("Unclassified error is not retried", func(t *testing.T) {
		w := &scriptedWriter{outcomes: []writeOutcome{{err: errors.New("boom")}}}

		attempts, err := newStoreSink(w, &fakeClock{}, false).Deliver(context.Background(), sample)

		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})
}

func TestStoreSink_NotAcknowledged(t *testing.T) {
	t.Run("Reported without retry by default", func(t *testing.T) {
		w := &scriptedWriter{outcomes: []writeOutcome{{acked: false}}}
		clock := &fakeClock{}

		attempts, err := newStoreSink(w, clock, false).Deliver(context.Background(), sample)

		assert.ErrorIs(t, err, delivery.ErrNotAcknowledged)
		assert.False(t, delivery.IsTransient(err))
		assert.Equal(t, 1, attempts)
		assert.Empty(t, clock.waits)
	})

	t.Run("Retried when escalation is enabled", func(t *testing.T) {
		w := &scriptedWriter{outcomes: []writeOutcome{{acked: false}, {acked: true}}}
		clock := &fakeClock{}

		attempts, err := newStoreSink(w, clock, true).Deliver(context.Background(), sample)

		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
		assert.Len(t, clock.waits, 1)
	})

	t.Run("Escalated and never acknowledged", func(t *testing.T) {
		w := &scriptedWriter{outcomes: []writeOutcome{{acked: false}}}

		attempts, err := newStoreSink(w, &fakeClock{}, true).Deliver(context.Background(), sample)

		assert.ErrorIs(t, err, delivery.ErrNotAcknowledged)
		assert.Equal(t, 3, attempts)
	})
}
