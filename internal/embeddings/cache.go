package embeddings

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Cached memoizes text→vector lookups in front of another Provider.
// Re-embedding identical text is common (rebuilds, repeated queries), and
// embedding is the slowest call in the subsystem.
type Cached struct {
	inner Provider
	cache *ristretto.Cache
}

// NewCached wraps inner with an in-process ristretto cache holding up to
// maxEntries vectors.
func NewCached(inner Provider, maxEntries int64) (*Cached, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text, embedding and caching on miss.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, vec, 1)
	return vec, nil
}

// Dimensions reports the wrapped provider's dimension.
func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

// Close releases cache resources.
func (c *Cached) Close() { c.cache.Close() }
