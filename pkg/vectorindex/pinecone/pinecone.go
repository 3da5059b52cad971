// Package pinecone implements vectorindex.Index against a Pinecone index
// for fully managed deployments.
package pinecone

import (
	"context"
	"fmt"

	pinecone "github.com/pinecone-io/go-pinecone/v3/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/leonardo-assistant/leonardo/pkg/vectorindex"
)

// Config holds Pinecone connection settings.
type Config struct {
	APIKey string
	// Host is the index host from the Pinecone console.
	Host string
	// Namespace defaults to "leonardo".
	Namespace string
}

// Index is a Pinecone-backed vector index. Queries filter on the user_id
// metadata field.
type Index struct {
	conn *pinecone.IndexConnection
}

// New connects to the configured Pinecone index.
func New(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("index host is required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "leonardo"
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create pinecone client: %w", err)
	}

	conn, err := client.Index(pinecone.NewIndexConnParams{
		Host:      cfg.Host,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("connect index: %w", err)
	}

	return &Index{conn: conn}, nil
}

// Upsert inserts or replaces a record.
func (x *Index) Upsert(ctx context.Context, rec vectorindex.Record) error {
	if len(rec.Vector) == 0 {
		return vectorindex.ErrEmptyVector
	}

	fields := make(map[string]interface{}, len(rec.Metadata)+1)
	for k, v := range rec.Metadata {
		fields[k] = v
	}
	fields["user_id"] = rec.UserID

	meta, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("build metadata: %w", err)
	}

	values := rec.Vector
	_, err = x.conn.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       rec.ID,
		Values:   &values,
		Metadata: meta,
	}})
	if err != nil {
		return fmt.Errorf("upsert vectors: %w", err)
	}
	return nil
}

// Query returns up to limit nearest neighbors for the user.
func (x *Index) Query(ctx context.Context, userID string, vector []float32, limit int) ([]vectorindex.Match, error) {
	if len(vector) == 0 {
		return nil, vectorindex.ErrEmptyVector
	}
	if limit <= 0 {
		return nil, nil
	}

	filter, err := structpb.NewStruct(map[string]interface{}{
		"user_id": map[string]interface{}{"$eq": userID},
	})
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}

	resp, err := x.conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(limit),
		MetadataFilter:  filter,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}

	matches := make([]vectorindex.Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if m.Vector == nil {
			continue
		}
		meta := map[string]interface{}{}
		if m.Vector.Metadata != nil {
			meta = m.Vector.Metadata.AsMap()
		}
		delete(meta, "user_id")
		matches = append(matches, vectorindex.Match{
			ID:         m.Vector.Id,
			Similarity: float64(m.Score),
			Metadata:   meta,
		})
	}
	return matches, nil
}

// Delete removes a record. Pinecone treats absent IDs as a no-op.
func (x *Index) Delete(ctx context.Context, _ string, id string) error {
	if err := x.conn.DeleteVectorsById(ctx, []string{id}); err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

// Close closes the index connection.
func (x *Index) Close() error {
	return x.conn.Close()
}
