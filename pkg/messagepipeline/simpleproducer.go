package messagepipeline

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// SimplePublisher is a direct, non-batching publisher.
type SimplePublisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) error
	// Stop flushes any pending messages, bounded by ctx.
	Stop(ctx context.Context) error
}

// GoogleSimplePublisherConfig configures a GoogleSimplePublisher.
type GoogleSimplePublisherConfig struct {
	TopicID string
	// ResultTimeout bounds the background wait for each publish result.
	ResultTimeout time.Duration
}

// NewGoogleSimplePublisherDefaults returns a config for topicID.
func NewGoogleSimplePublisherDefaults(topicID string) GoogleSimplePublisherConfig {
	return GoogleSimplePublisherConfig{TopicID: topicID, ResultTimeout: 30 * time.Second}
}

// GoogleSimplePublisher forwards payloads to a Pub/Sub topic. Publish is
// fire and forget: results are checked in the background and only logged.
type GoogleSimplePublisher struct {
	topic         *pubsub.Topic
	resultTimeout time.Duration
	logger        zerolog.Logger
}

// NewGoogleSimplePublisher verifies the topic exists before returning.
func NewGoogleSimplePublisher(ctx context.Context, cfg GoogleSimplePublisherConfig, client *pubsub.Client, logger zerolog.Logger) (*GoogleSimplePublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = 30 * time.Second
	}
	return &GoogleSimplePublisher{
		topic:         topic,
		resultTimeout: cfg.ResultTimeout,
		logger:        logger.With().Str("component", "GoogleSimplePublisher").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// Publish queues one message and returns without waiting for the server.
func (p *GoogleSimplePublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) error {
	result := p.topic.Publish(ctx, &pubsub.Message{Data: payload, Attributes: attributes})

	go func() {
		getCtx, cancel := context.WithTimeout(context.Background(), p.resultTimeout)
		defer cancel()
		msgID, err := result.Get(getCtx)
		if err != nil {
			p.logger.Error().Err(err).Msg("Failed to relay message.")
			return
		}
		p.logger.Debug().Str("published_msg_id", msgID).Msg("Relayed message.")
	}()
	return nil
}

// Stop flushes pending messages for the topic.
func (p *GoogleSimplePublisher) Stop(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
