package mqttconverter

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/rs/zerolog"
)

// MqttConsumer implements messagepipeline.MessageConsumer for one topic
// prefix on a Connection. It owns the connection: Start connects and Stop
// disconnects.
type MqttConsumer struct {
	conn       *Connection
	prefix     string
	logger     zerolog.Logger
	outputChan chan types.RawMessage
	doneChan   chan struct{}
	stopping   chan struct{}

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// NewMqttConsumer registers a subscription for prefix on conn. It does not
// connect until Start is called.
func NewMqttConsumer(conn *Connection, prefix string, logger zerolog.Logger) (*MqttConsumer, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if prefix == "" {
		return nil, fmt.Errorf("topic prefix is required")
	}
	c := &MqttConsumer{
		conn:       conn,
		prefix:     prefix,
		logger:     logger.With().Str("component", "MqttConsumer").Str("prefix", prefix).Logger(),
		outputChan: make(chan types.RawMessage, 1000),
		doneChan:   make(chan struct{}),
		stopping:   make(chan struct{}),
	}
	conn.Subscribe(prefix, c.enqueue)
	return c, nil
}

// Messages returns the read-only channel from which raw messages can be consumed.
func (c *MqttConsumer) Messages() <-chan types.RawMessage {
	return c.outputChan
}

// Start connects to the broker and begins consuming messages.
func (c *MqttConsumer) Start(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Stop disconnects and closes the message channel. It is safe to call more
// than once.
func (c *MqttConsumer) Stop(_ context.Context) error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping MqttConsumer...")
		close(c.stopping)
		c.conn.Disconnect()

		c.mu.Lock()
		c.closed = true
		close(c.outputChan)
		c.mu.Unlock()
		close(c.doneChan)
		c.logger.Info().Msg("MqttConsumer stopped.")
	})
	return nil
}

// Done returns a channel that is closed when the consumer has fully stopped.
func (c *MqttConsumer) Done() <-chan struct{} {
	return c.doneChan
}

func (c *MqttConsumer) enqueue(msg types.RawMessage) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.logger.Warn().Str("topic", msg.Topic).Msg("Consumer is stopped, dropping MQTT message.")
		return
	}
	select {
	case c.outputChan <- msg:
	case <-c.stopping:
		c.logger.Warn().Str("topic", msg.Topic).Msg("Consumer is shutting down, dropping MQTT message.")
	}
}
