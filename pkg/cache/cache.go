// Package cache holds last-known device state and the latest reading per
// series behind one generic interface.
package cache

import (
	"context"
	"errors"
	"io"
)

// ErrCacheMiss is returned when a key has no value.
var ErrCacheMiss = errors.New("key not found in cache")

// Cache is a generic interface for a caching layer.
type Cache[K any, V any] interface {
	// FetchFromCache retrieves an item from the cache. A missing key yields
	// an error wrapping ErrCacheMiss.
	FetchFromCache(ctx context.Context, key K) (V, error)
	// WriteToCache adds or replaces an item in the cache.
	WriteToCache(ctx context.Context, key K, value V) error
}

// ClosableCache is a Cache that holds a connection.
type ClosableCache[K any, V any] interface {
	Cache[K, V]
	io.Closer
}
