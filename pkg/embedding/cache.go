package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/dgraph-io/ristretto"
)

// Cached wraps a Provider with a content-hash keyed in-process cache.
// Repeated stores and searches over the same text (common in a
// conversational loop) skip the provider round trip.
type Cached struct {
	provider Provider
	cache    *ristretto.Cache
}

// NewCached creates a caching wrapper around provider. maxEntries bounds
// the approximate number of cached vectors.
func NewCached(provider Provider, maxEntries int64) (*Cached, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{provider: provider, cache: cache}, nil
}

// Embed returns the embedding for text, using the cache when available.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := contentHash(text)
	if v, ok := c.cache.Get(key); ok {
		if emb, ok := v.([]float32); ok {
			return emb, nil
		}
	}

	emb, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, emb, 1)
	return emb, nil
}

// EmbedBatch embeds each text, reusing cached vectors where possible and
// batching only the misses through the underlying provider.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		if v, ok := c.cache.Get(contentHash(text)); ok {
			if emb, ok := v.([]float32); ok {
				out[i] = emb
				continue
			}
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		embs, err := c.provider.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, idx := range missIdx {
			out[idx] = embs[j]
			c.cache.Set(contentHash(missTexts[j]), embs[j], 1)
		}
	}

	return out, nil
}

// Dimensions returns the underlying provider's vector size.
func (c *Cached) Dimensions() int {
	return c.provider.Dimensions()
}

func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
