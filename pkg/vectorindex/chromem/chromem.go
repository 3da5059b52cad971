// Package chromem implements vectorindex.Index on chromem-go, an embedded
// pure-Go vector database. This is the default index: no external service,
// persisted under the memory directory.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/leonardo-assistant/leonardo/pkg/vectorindex"
)

// Index wraps a chromem DB with one collection per user for namespace
// isolation.
type Index struct {
	db          *chromem.DB
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	closed      bool
}

// New creates an in-memory index. Use NewPersistent for durable storage.
func New() (*Index, error) {
	return &Index{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// NewPersistent creates an index persisted under dir.
func NewPersistent(dir string) (*Index, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	return &Index{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (x *Index) collection(userID string) (*chromem.Collection, error) {
	name := "user_" + userID
	if userID == "" {
		name = "global"
	}

	x.mu.RLock()
	col, ok := x.collections[name]
	closed := x.closed
	x.mu.RUnlock()
	if closed {
		return nil, vectorindex.ErrClosed
	}
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[name]; ok {
		return col, nil
	}
	// Embeddings are always provided by the caller, so no embedding func.
	col, err := x.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get collection %s: %w", name, err)
	}
	x.collections[name] = col
	return col, nil
}

// Upsert inserts or replaces a record.
func (x *Index) Upsert(ctx context.Context, rec vectorindex.Record) error {
	if len(rec.Vector) == 0 {
		return vectorindex.ErrEmptyVector
	}
	col, err := x.collection(rec.UserID)
	if err != nil {
		return err
	}

	meta := make(map[string]string, len(rec.Metadata)+1)
	meta["user_id"] = rec.UserID
	for k, v := range rec.Metadata {
		meta[k] = encodeMetaValue(v)
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Embedding: rec.Vector,
		Metadata:  meta,
		Content:   rec.ID,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Query returns up to limit nearest neighbors for the user.
func (x *Index) Query(ctx context.Context, userID string, vector []float32, limit int) ([]vectorindex.Match, error) {
	if len(vector) == 0 {
		return nil, vectorindex.ErrEmptyVector
	}
	col, err := x.collection(userID)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection size.
	if count := col.Count(); limit > count {
		limit = count
	}
	if limit <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	matches := make([]vectorindex.Match, 0, len(results))
	for _, r := range results {
		meta := make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		matches = append(matches, vectorindex.Match{
			ID:         r.ID,
			Similarity: float64(r.Similarity),
			Metadata:   meta,
		})
	}
	return matches, nil
}

// Delete removes a record. Absent IDs are ignored.
func (x *Index) Delete(ctx context.Context, userID, id string) error {
	col, err := x.collection(userID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Close marks the index closed. chromem persists on write, so there is
// nothing to flush.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	return nil
}

// encodeMetaValue flattens metadata values to strings; chromem metadata is
// string-valued.
func encodeMetaValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
