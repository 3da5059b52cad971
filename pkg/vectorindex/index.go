// Package vectorindex defines the nearest-neighbor index contract used by
// the semantic retrieval engine. Only the algorithmic contract is fixed:
// cosine-metric similarity search over embeddings, scoped by user. The
// concrete index is pluggable (embedded chromem, remote qdrant or
// pinecone).
package vectorindex

import (
	"context"
	"errors"
)

// Common errors returned by index implementations.
var (
	ErrEmptyVector = errors.New("vector is empty")
	ErrClosed      = errors.New("vector index is closed")
)

// Record is one entry persisted to the index.
type Record struct {
	ID       string
	UserID   string
	Vector   []float32
	Metadata map[string]interface{}
}

// Match is one nearest-neighbor result. Similarity is 1 - cosine distance,
// in [-1, 1], higher is closer.
type Match struct {
	ID         string
	Similarity float64
	Metadata   map[string]interface{}
}

// Index is the persistent vector index contract.
type Index interface {
	// Upsert inserts or replaces a record keyed by its ID.
	Upsert(ctx context.Context, rec Record) error

	// Query returns up to limit nearest neighbors of vector among the
	// given user's records, most similar first.
	Query(ctx context.Context, userID string, vector []float32, limit int) ([]Match, error)

	// Delete removes a record. Deleting an absent ID is not an error.
	Delete(ctx context.Context, userID, id string) error

	// Close releases resources held by the index.
	Close() error
}
