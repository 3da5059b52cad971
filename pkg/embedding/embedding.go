// Package embedding defines the text embedding provider contract used by
// the semantic retrieval engine, plus an in-process cache wrapper.
package embedding

import (
	"context"
	"errors"
)

// Common errors returned by embedding providers.
var (
	ErrEmptyText = errors.New("text to embed is empty")
	ErrNoResult  = errors.New("empty embedding result")
)

// Provider converts text to fixed-length embedding vectors.
// Implementations: openai.Client (API-based), mock.Embedder (offline,
// deterministic).
type Provider interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
