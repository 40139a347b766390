package messagepipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
)

// StreamingService consumes messages and runs each one through transform
// and process on a single worker, so messages from one connection are
// handled strictly one at a time and in arrival order.
type StreamingService[T any] struct {
	name        string
	consumer    MessageConsumer
	transformer MessageTransformer[T]
	processor   StreamProcessor[T]
	logger      zerolog.Logger
	wg          sync.WaitGroup

	mu         sync.Mutex
	cancelWork context.CancelFunc
}

// NewStreamingService creates a new StreamingService.
func NewStreamingService[T any](
	name string,
	consumer MessageConsumer,
	transformer MessageTransformer[T],
	processor StreamProcessor[T],
	logger zerolog.Logger,
) (*StreamingService[T], error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if transformer == nil {
		return nil, fmt.Errorf("transformer cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	return &StreamingService[T]{
		name:        name,
		consumer:    consumer,
		transformer: transformer,
		processor:   processor,
		logger:      logger.With().Str("service", "StreamingService").Str("pipeline", name).Logger(),
	}, nil
}

// Start starts the consumer and the worker. The worker's context derives
// from processCtx, not the caller's signal context, so in-flight work can
// finish after a shutdown signal.
func (s *StreamingService[T]) Start(ctx context.Context, processCtx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message consumer: %w", err)
	}
	workCtx, cancel := context.WithCancel(processCtx)
	s.mu.Lock()
	s.cancelWork = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.worker(workCtx)
	s.logger.Info().Msg("Streaming service started.")
	return nil
}

// Stop stops the consumer and lets the worker drain what is already
// buffered, bounded by ctx. When ctx expires the worker's context is
// cancelled and Stop waits for it to exit, so nothing is still being
// processed once Stop returns.
func (s *StreamingService[T]) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping streaming service...")
	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
	}

	s.mu.Lock()
	cancel := s.cancelWork
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	defer cancel()

	workerDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(workerDone)
	}()
	select {
	case <-workerDone:
		s.logger.Info().Msg("Streaming service stopped.")
		return nil
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Int("abandoned", len(s.consumer.Messages())).
			Msg("Drain deadline reached, cancelling in-flight work.")
		cancel()
		<-workerDone
		return ctx.Err()
	}
}

func (s *StreamingService[T]) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.consumer.Messages():
			if !ok {
				s.logger.Debug().Msg("Consumer channel closed, worker exiting.")
				return
			}
			s.process(ctx, msg)
		}
	}
}

// process runs one message to completion. Nothing escapes it.
func (s *StreamingService[T]) process(ctx context.Context, msg types.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("topic", msg.Topic).Msg("Recovered from panic while processing message.")
		}
	}()

	payload, skip, err := s.transformer(ctx, msg)
	if err != nil {
		s.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Failed to transform message, dropping.")
		return
	}
	if skip {
		return
	}
	if err := s.processor(ctx, msg, payload); err != nil {
		s.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Processor failed to handle message.")
	}
}
