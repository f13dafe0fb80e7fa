package retrieval

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/felixgeelhaar/rewind/internal/provider"
)

// CachedEmbedder memoizes query embeddings. Repeated questions skip the
// provider round trip. Only use it for queries; the worker embeds each
// description once.
type CachedEmbedder struct {
	inner provider.Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder caches up to size query vectors in front of inner.
func NewCachedEmbedder(inner provider.Embedder, size int64) (*CachedEmbedder, error) {
	if size < 1 {
		return nil, fmt.Errorf("cache size must be positive, got %d", size)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,

		// Every entry costs 1, so size is an entry count.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (c *CachedEmbedder) Name() string {
	return c.inner.Name()
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return append([]float32(nil), v.([]float32)...), nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) > 0 && c.cache.Set(text, append([]float32(nil), vec...), 1) {
		c.cache.Wait()
	}
	return vec, nil
}

// Wait blocks until buffered writes are visible to Get. Embed already waits
// after its own writes.
func (c *CachedEmbedder) Wait() {
	c.cache.Wait()
}

func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
