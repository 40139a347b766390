package delivery

import (
	"context"
	"time"

	"github.com/illmade-knight/go-homeflow/pkg/retry"
	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
)

// PointWriter is the single call a time-series store must provide. acked
// is false when the store took the call but did not confirm the write.
type PointWriter interface {
	WritePoint(ctx context.Context, m types.Measurement) (acked bool, err error)
}

// StoreSinkConfig controls the store retry behaviour.
type StoreSinkConfig struct {
	MaxAttempts int
	Delay       time.Duration
	// RetryUnacked treats an unacknowledged write as transient.
	RetryUnacked bool
	// Sleep overrides the wait between attempts.
	Sleep retry.SleepFunc
}

// DefaultStoreSinkConfig is three attempts five seconds apart.
func DefaultStoreSinkConfig() StoreSinkConfig {
	return StoreSinkConfig{MaxAttempts: 3, Delay: 5 * time.Second}
}

// StoreSink writes measurements to a time-series store, retrying transient
// failures under a fixed-delay policy. Fatal failures are not retried.
type StoreSink struct {
	writer       PointWriter
	policy       retry.Policy
	retryUnacked bool
	logger       zerolog.Logger
}

// NewStoreSink creates a StoreSink around writer.
func NewStoreSink(writer PointWriter, cfg StoreSinkConfig, logger zerolog.Logger) *StoreSink {
	return &StoreSink{
		writer: writer,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Delay:       cfg.Delay,
			Retryable:   IsTransient,
			Sleep:       cfg.Sleep,
		},
		retryUnacked: cfg.RetryUnacked,
		logger:       logger.With().Str("component", "StoreSink").Logger(),
	}
}

func (s *StoreSink) Name() string { return "store" }

// Deliver implements Sink.
func (s *StoreSink) Deliver(ctx context.Context, m types.Measurement) (int, error) {
	unacked := false
	attempts, err := s.policy.Do(ctx, func(ctx context.Context) error {
		acked, err := s.writer.WritePoint(ctx, m)
		if err != nil {
			s.logger.Warn().Err(err).Str("measurement", m.Name).Msg("Store write failed")
			return err
		}
		if acked {
			unacked = false
			return nil
		}
		unacked = true
		if s.retryUnacked {
			return Transient("write", ErrNotAcknowledged)
		}
		return nil
	})
	if err != nil {
		return attempts, err
	}
	if unacked {
		s.logger.Warn().Str("measurement", m.Name).Msg("Store write was not acknowledged")
		return attempts, ErrNotAcknowledged
	}
	return attempts, nil
}
