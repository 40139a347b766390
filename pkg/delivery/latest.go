package delivery

import (
	"context"

	"github.com/illmade-knight/go-homeflow/pkg/cache"
	"github.com/illmade-knight/go-homeflow/pkg/types"
)

// LatestSink keeps the most recent measurement per name in a cache.
type LatestSink struct {
	cache cache.Cache[string, types.Measurement]
}

// NewLatestSink creates a LatestSink.
func NewLatestSink(c cache.Cache[string, types.Measurement]) *LatestSink {
	return &LatestSink{cache: c}
}

func (s *LatestSink) Name() string { return "latest" }

// Deliver implements Sink.
func (s *LatestSink) Deliver(ctx context.Context, m types.Measurement) (int, error) {
	return 1, s.cache.WriteToCache(ctx, m.Name, m)
}
