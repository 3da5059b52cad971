package chromem

import (
	"context"
	"math"
	"testing"

	"github.com/leonardo-assistant/leonardo/pkg/vectorindex"
)

// makeVector creates a unit vector pointing at the given angle in the
// first two dimensions.
func makeVector(angle float64, dim int) []float32 {
	v := make([]float32, dim)
	v[0] = float32(math.Cos(angle))
	v[1] = float32(math.Sin(angle))
	return v
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	x, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func TestUpsertAndQuery(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	recs := []vectorindex.Record{
		{ID: "a", UserID: "u1", Vector: makeVector(0, 8), Metadata: map[string]interface{}{"kind": "weather"}},
		{ID: "b", UserID: "u1", Vector: makeVector(math.Pi/2, 8), Metadata: map[string]interface{}{"kind": "code"}},
	}
	for _, r := range recs {
		if err := x.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert %s: %v", r.ID, err)
		}
	}

	matches, err := x.Query(ctx, "u1", makeVector(0.05, 8), 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].ID != "a" {
		t.Errorf("expected nearest match a, got %s", matches[0].ID)
	}
	if matches[0].Similarity <= matches[1].Similarity {
		t.Errorf("expected descending similarity: %f then %f", matches[0].Similarity, matches[1].Similarity)
	}
	if matches[0].Metadata["kind"] != "weather" {
		t.Errorf("expected metadata round trip, got %v", matches[0].Metadata)
	}
}

func TestUserIsolation(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	if err := x.Upsert(ctx, vectorindex.Record{ID: "a", UserID: "u1", Vector: makeVector(0, 8)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := x.Query(ctx, "u2", makeVector(0, 8), 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no cross-user matches, got %d", len(matches))
	}
}

func TestQueryEmptyCollection(t *testing.T) {
	x := newTestIndex(t)

	matches, err := x.Query(context.Background(), "nobody", makeVector(0, 8), 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected empty result, got %d", len(matches))
	}
}

func TestDelete(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	if err := x.Upsert(ctx, vectorindex.Record{ID: "a", UserID: "u1", Vector: makeVector(0, 8)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := x.Delete(ctx, "u1", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	matches, err := x.Query(ctx, "u1", makeVector(0, 8), 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no matches after delete, got %d", len(matches))
	}
}
