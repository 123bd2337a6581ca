package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder memoises embeddings by model and text. Memories are
// re-embedded on every update and queries repeat often, so identical text
// should not cost a provider round trip.
type CachedEmbedder struct {
	inner EmbeddingGenerator
	cache *ristretto.Cache
}

// NewCachedEmbedder wraps inner with a cache holding up to maxItems vectors.
// A non-positive maxItems returns inner unchanged.
func NewCachedEmbedder(inner EmbeddingGenerator, maxItems int64) (EmbeddingGenerator, error) {
	if maxItems <= 0 {
		return inner, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text or fetches and stores it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if v, ok := c.cache.Get(key); ok {
		return copyVector(v.([]float32)), nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, copyVector(vec), 1)
	return vec, nil
}

// GetModel returns the wrapped model name.
func (c *CachedEmbedder) GetModel() string {
	return c.inner.GetModel()
}

// Wait blocks until buffered writes are visible. Used by tests.
func (c *CachedEmbedder) Wait() {
	c.cache.Wait()
}

// Close stops the cache's background goroutines.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(c.inner.GetModel() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func copyVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

var _ EmbeddingGenerator = (*CachedEmbedder)(nil)
