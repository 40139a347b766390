package cache

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestoreCache keeps one document per key in a collection. It suits the
// low write rate of device state; measurement traffic belongs in Redis.
type FirestoreCache[K comparable, V any] struct {
	client         *firestore.Client
	collectionName string
	ownsClient     bool
	logger         zerolog.Logger
}

// NewFirestoreCache creates a new generic FirestoreCache on an existing
// client. The client's lifecycle is managed by the caller.
func NewFirestoreCache[K comparable, V any](cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreCache[K, V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreCache initialized.")

	return &FirestoreCache[K, V]{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreCache").Logger(),
	}, nil
}

// OpenFirestoreCache creates its own client for cfg.ProjectID and closes it
// on Close.
func OpenFirestoreCache[K comparable, V any](ctx context.Context, cfg *FirestoreConfig, logger zerolog.Logger) (*FirestoreCache[K, V], error) {
	client, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	c, err := NewFirestoreCache[K, V](cfg, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	c.ownsClient = true
	return c, nil
}

// FetchFromCache reads the document stored under key.
func (c *FirestoreCache[K, V]) FetchFromCache(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := fmt.Sprintf("%v", key)
	docSnap, err := c.client.Collection(c.collectionName).Doc(stringKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return zero, fmt.Errorf("%w: %s", ErrCacheMiss, stringKey)
		}
		c.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to get document from Firestore.")
		return zero, fmt.Errorf("firestore get for %s: %w", stringKey, err)
	}

	var value V
	if err := docSnap.DataTo(&value); err != nil {
		return zero, fmt.Errorf("firestore DataTo for %s: %w", stringKey, err)
	}
	return value, nil
}

// WriteToCache replaces the document stored under key.
func (c *FirestoreCache[K, V]) WriteToCache(ctx context.Context, key K, value V) error {
	stringKey := fmt.Sprintf("%v", key)
	if _, err := c.client.Collection(c.collectionName).Doc(stringKey).Set(ctx, value); err != nil {
		c.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to write document to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", stringKey, err)
	}
	return nil
}

// Close closes the client if the cache opened it.
func (c *FirestoreCache[K, V]) Close() error {
	if c.ownsClient {
		return c.client.Close()
	}
	return nil
}
