package cache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/illmade-knight/go-homeflow/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := cache.NewInMemoryCache[string, map[string]any]()

	t.Run("Miss", func(t *testing.T) {
		_, err := c.FetchFromCache(ctx, "leopard")
		require.Error(t, err)
		assert.ErrorIs(t, err, cache.ErrCacheMiss)
	})

	t.Run("Write then fetch", func(t *testing.T) {
		state := map[string]any{"on": true, "CurrentVolume": 20}
		require.NoError(t, c.WriteToCache(ctx, "leopard", state))

		got, err := c.FetchFromCache(ctx, "leopard")
		require.NoError(t, err)
		assert.Equal(t, state, got)
		assert.Equal(t, 1, c.Len())
	})

	t.Run("Concurrent writers", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = c.WriteToCache(ctx, fmt.Sprintf("device-%d", i), map[string]any{"n": i})
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 21, c.Len())
	})
}
