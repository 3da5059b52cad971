// Package qdrant implements vectorindex.Index against a remote Qdrant
// instance for deployments that outgrow the embedded index.
package qdrant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"

	"github.com/leonardo-assistant/leonardo/pkg/vectorindex"
)

// Config holds Qdrant connection settings.
type Config struct {
	Host string
	Port int
	// APIKey is optional for unauthenticated local instances.
	APIKey string
	UseTLS bool
	// Collection defaults to "leonardo_memory".
	Collection string
	// Dimensions is the embedding vector size, required at collection
	// creation.
	Dimensions int
}

// Index is a Qdrant-backed vector index. All users share one collection;
// queries filter on the user_id payload field.
type Index struct {
	client     *qdrant.Client
	collection string
}

// New connects to Qdrant and ensures the collection exists with a cosine
// distance configuration.
func New(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.Collection == "" {
		cfg.Collection = "leonardo_memory"
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}

	exists, err := client.CollectionExists(ctx, cfg.Collection)
	if err != nil {
		return nil, fmt.Errorf("check collection: %w", err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(cfg.Dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("create collection: %w", err)
		}
	}

	return &Index{client: client, collection: cfg.Collection}, nil
}

// Upsert inserts or replaces a record.
func (x *Index) Upsert(ctx context.Context, rec vectorindex.Record) error {
	if len(rec.Vector) == 0 {
		return vectorindex.ErrEmptyVector
	}

	payload := make(map[string]interface{}, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		payload[k] = v
	}
	payload["user_id"] = rec.UserID
	payload["memory_id"] = rec.ID

	_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(pointID(rec.ID)),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert point: %w", err)
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

	points, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("user_id", userID)},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}

	matches := make([]vectorindex.Match, 0, len(points))
	for _, p := range points {
		meta := make(map[string]interface{}, len(p.Payload))
		id := ""
		for k, v := range p.Payload {
			if k == "memory_id" {
				id = v.GetStringValue()
				continue
			}
			meta[k] = decodeValue(v)
		}
		matches = append(matches, vectorindex.Match{
			ID:         id,
			Similarity: float64(p.Score),
			Metadata:   meta,
		})
	}
	return matches, nil
}

// Delete removes a record. Absent IDs are ignored by Qdrant.
func (x *Index) Delete(ctx context.Context, _ string, id string) error {
	_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointID(id))),
	})
	if err != nil {
		return fmt.Errorf("delete point: %w", err)
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (x *Index) Close() error {
	return x.client.Close()
}

// pointID maps an arbitrary memory id onto the UUID space Qdrant requires
// for point ids. The original id is kept in the payload.
func pointID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func decodeValue(v *qdrant.Value) interface{} {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	default:
		return v.String()
	}
}
