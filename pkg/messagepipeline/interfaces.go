package messagepipeline

import (
	"context"

	"github.com/illmade-knight/go-homeflow/pkg/types"
)

// MessageConsumer is a message source, e.g. an MQTT subscription. It hands
// raw messages to the pipeline through a channel.
type MessageConsumer interface {
	// Messages returns the channel the pipeline worker receives from. It is
	// closed when the consumer has stopped.
	Messages() <-chan types.RawMessage
	// Start connects and begins consuming.
	Start(ctx context.Context) error
	// Stop ceases consumption and waits for background tasks to finish.
	Stop(ctx context.Context) error
	// Done is closed when the consumer has completely shut down.
	Done() <-chan struct{}
}

// MessageTransformer turns a raw message into a structured payload of type
// T. Returning skip drops the message without calling the processor; an
// error drops it as well and is logged.
type MessageTransformer[T any] func(ctx context.Context, msg types.RawMessage) (payload *T, skip bool, err error)

// StreamProcessor handles one transformed payload.
type StreamProcessor[T any] func(ctx context.Context, original types.RawMessage, payload *T) error
