// Package mock provides a deterministic, offline embedding provider.
// Texts sharing words produce similar vectors, which is enough for
// clustering and retrieval in deployments without an embedding API.
package mock

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/leonardo-assistant/leonardo/pkg/embedding"
	"github.com/leonardo-assistant/leonardo/pkg/vecmath"
)

// Embedder generates bag-of-words hash embeddings. Each token is hashed
// to a dimension; vectors are normalized to unit length.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder with the given dimensionality (default 384,
// matching small sentence-transformer models).
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &Embedder{dimensions: dimensions}
}

// Embed creates a deterministic embedding from text.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, embedding.ErrEmptyText
	}

	emb := make([]float32, e.dimensions)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if tok == "" {
			continue
		}
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dimensions))
		// Sign from a high bit so token collisions do not all add up.
		if sum&(1<<63) != 0 {
			emb[idx] -= 1
		} else {
			emb[idx] += 1
		}
	}

	return vecmath.Normalize(emb), nil
}

// EmbedBatch embeds each text independently.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = emb
	}
	return out, nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
