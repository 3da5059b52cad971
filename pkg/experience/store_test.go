package experience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/leonardo-assistant/leonardo/pkg/vecmath"
	"github.com/leonardo-assistant/leonardo/pkg/vectorindex"
)

// makeEmbedding returns a unit vector in the plane of dimensions 0 and 1
// at the given angle, so tests can dial similarity precisely.
func makeEmbedding(angle float64, dim int) []float32 {
	v := make([]float32, dim)
	v[0] = float32(math.Cos(angle))
	v[1] = float32(math.Sin(angle))
	return v
}

// stubEmbedder maps known texts to fixed angles. Unknown texts land on a
// far-off angle so they never accidentally cluster.
type stubEmbedder struct {
	angles map[string]float64
}

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	angle, ok := e.angles[text]
	if !ok {
		angle = 2.5
	}
	return makeEmbedding(angle, 8), nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *stubEmbedder) Dimensions() int { return 8 }

// memIndex is a map-backed index for tests.
type memIndex struct {
	mu   sync.Mutex
	recs map[string]vectorindex.Record
}

func newMemIndex() *memIndex {
	return &memIndex{recs: make(map[string]vectorindex.Record)}
}

func (m *memIndex) Upsert(_ context.Context, rec vectorindex.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = rec
	return nil
}

func (m *memIndex) Query(_ context.Context, userID string, vector []float32, limit int) ([]vectorindex.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []vectorindex.Match
	for _, rec := range m.recs {
		if rec.UserID != userID {
			continue
		}
		out = append(out, vectorindex.Match{
			ID:         rec.ID,
			Similarity: vecmath.CosineSimilarity(vector, rec.Vector),
			Metadata:   rec.Metadata,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memIndex) Delete(_ context.Context, _, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *memIndex) Close() error { return nil }

func newTestStore(t *testing.T, cfg Config, embedder *stubEmbedder) (*Store, *memIndex) {
	t.Helper()
	cfg.Dir = t.TempDir()
	idx := newMemIndex()
	var prov *stubEmbedder
	if embedder != nil {
		prov = embedder
	}
	var s *Store
	var err error
	if prov != nil {
		s, err = Open(cfg, prov, idx, slog.Default())
	} else {
		s, err = Open(cfg, nil, nil, slog.Default())
	}
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, idx
}

func payload(user, assistant string, tools ...string) map[string]interface{} {
	p := map[string]interface{}{
		"user_input":         user,
		"assistant_response": assistant,
	}
	if len(tools) > 0 {
		raw := make([]interface{}, len(tools))
		for i, tl := range tools {
			raw[i] = tl
		}
		p["tools_used"] = raw
	}
	return p
}

func TestStoreExperienceAssignsUniqueIDs(t *testing.T) {
	s, _ := newTestStore(t, DefaultConfig(), nil)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := s.StoreExperience(ctx, "u1", payload(fmt.Sprintf("input %d", i), "ok"), true, 0.8)
		if id == "" {
			t.Fatalf("store %d returned empty id", i)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if s.Count() != 50 {
		t.Fatalf("count = %d, want 50", s.Count())
	}
}

func TestStoreWithoutEmbedderSkipsClustering(t *testing.T) {
	s, _ := newTestStore(t, DefaultConfig(), nil)
	id := s.StoreExperience(context.Background(), "u1", payload("hello", "hi"), true, 0.9)

	s.mu.Lock()
	exp := s.experiences[id]
	s.mu.Unlock()
	if exp.Embedding != nil {
		t.Fatal("expected no embedding without a provider")
	}
	if exp.ClusterID != nil {
		t.Fatal("expected no cluster assignment without an embedding")
	}
	if len(s.clusters) != 0 {
		t.Fatalf("clusters = %d, want 0", len(s.clusters))
	}
}

func TestClusteringGroupsSimilarContent(t *testing.T) {
	emb := &stubEmbedder{angles: map[string]float64{
		"User: what's the weather today\nAssistant: sunny":    0.00,
		"User: what's the weather tomorrow\nAssistant: rainy": 0.05,
		"User: debug my python code\nAssistant: sure":         1.40,
	}}
	s, _ := newTestStore(t, DefaultConfig(), emb)
	ctx := context.Background()

	id1 := s.StoreExperience(ctx, "u1", payload("what's the weather today", "sunny"), true, 0.9)
	id2 := s.StoreExperience(ctx, "u1", payload("what's the weather tomorrow", "rainy"), true, 0.9)
	id3 := s.StoreExperience(ctx, "u1", payload("debug my python code", "sure"), true, 0.9)

	s.mu.Lock()
	defer s.mu.Unlock()

	c1, c2, c3 := s.experiences[id1].ClusterID, s.experiences[id2].ClusterID, s.experiences[id3].ClusterID
	if c1 == nil || c2 == nil || c3 == nil {
		t.Fatal("all experiences should be clustered")
	}
	if *c1 != *c2 {
		t.Fatalf("weather experiences split across clusters %d and %d", *c1, *c2)
	}
	if *c3 == *c1 {
		t.Fatal("programming experience joined the weather cluster")
	}
	if len(s.clusters) != 2 {
		t.Fatalf("clusters = %d, want 2", len(s.clusters))
	}

	weather := s.clusters[*c1]
	if weather.Theme != "weather" {
		t.Fatalf("weather cluster theme = %q", weather.Theme)
	}
	if got := vecmath.CosineSimilarity(weather.Centroid, makeEmbedding(0, 8)); got < 0.999 {
		t.Fatalf("centroid drifted from founding embedding, similarity = %f", got)
	}
	if prog := s.clusters[*c3]; prog.Theme != "programming" {
		t.Fatalf("programming cluster theme = %q", prog.Theme)
	}
}

func TestClusterCountMonotonic(t *testing.T) {
	emb := &stubEmbedder{angles: map[string]float64{}}
	for i := 0; i < 10; i++ {
		emb.angles[fmt.Sprintf("User: topic %d\nAssistant: ok", i)] = float64(i) * 0.9
	}
	s, _ := newTestStore(t, DefaultConfig(), emb)
	ctx := context.Background()

	prev := 0
	for i := 0; i < 10; i++ {
		s.StoreExperience(ctx, "u1", payload(fmt.Sprintf("topic %d", i), "ok"), true, 0.8)
		s.mu.Lock()
		n := len(s.clusters)
		s.mu.Unlock()
		if n < prev {
			t.Fatalf("cluster count shrank from %d to %d", prev, n)
		}
		prev = n
	}
}

func TestProfileTracksInteractions(t *testing.T) {
	s, _ := newTestStore(t, DefaultConfig(), nil)
	ctx := context.Background()

	s.StoreExperience(ctx, "u1", payload("what's the weather", "sunny", "weather_api"), true, 0.9)
	s.StoreExperience(ctx, "u1", payload("debug my code", "done", "python"), false, 0.4)
	s.StoreExperience(ctx, "u1", payload("what's the forecast", "rain", "weather_api"), true, 0.8)

	s.mu.Lock()
	p := s.profiles["u1"]
	s.mu.Unlock()

	if p.TotalInteractions != 3 {
		t.Fatalf("total = %d, want 3", p.TotalInteractions)
	}
	if p.SuccessfulInteractions != 2 {
		t.Fatalf("successful = %d, want 2", p.SuccessfulInteractions)
	}
	if p.PreferredTools["weather_api"] != 2 {
		t.Fatalf("weather_api count = %d, want 2", p.PreferredTools["weather_api"])
	}
	if p.Themes["weather"] != 2 {
		t.Fatalf("weather theme count = %d, want 2", p.Themes["weather"])
	}
	if p.Themes["programming"] != 1 {
		t.Fatalf("programming theme count = %d, want 1", p.Themes["programming"])
	}
	if p.FirstInteraction > p.LastInteraction {
		t.Fatal("first interaction after last")
	}
}

func TestPruneBoundsStoreSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxExperiences = 20
	s, _ := newTestStore(t, cfg, nil)
	ctx := context.Background()

	// The 21st store exceeds the cap and triggers exactly one prune.
	for i := 0; i <= 20; i++ {
		quality := 0.5
		if i >= 18 {
			quality = 0.95
		}
		s.StoreExperience(ctx, "u1", payload(fmt.Sprintf("input %d", i), "ok"), true, quality)
	}

	want := int(float64(cfg.MaxExperiences) * 0.8)
	if got := s.Count(); got != want {
		t.Fatalf("count after prune = %d, want %d", got, want)
	}

	// High-quality experiences must survive over low-quality ones.
	survivors := s.Recent("u1", cfg.MaxExperiences)
	byContent := make(map[string]bool)
	for _, item := range survivors {
		byContent[item.UserInput] = true
	}
	for i := 18; i <= 20; i++ {
		if !byContent[fmt.Sprintf("input %d", i)] {
			t.Fatalf("high-quality experience %d was evicted", i)
		}
	}
}

func TestPruneRemovesFromIndex(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxExperiences = 10
	emb := &stubEmbedder{angles: map[string]float64{}}
	s, idx := newTestStore(t, cfg, emb)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		s.StoreExperience(ctx, "u1", payload(fmt.Sprintf("input %d", i), "ok"), true, 0.8)
	}

	idx.mu.Lock()
	indexed := len(idx.recs)
	idx.mu.Unlock()
	if indexed != s.Count() {
		t.Fatalf("index has %d records, store has %d", indexed, s.Count())
	}
}

func TestSemanticSearchOrderingAndBounds(t *testing.T) {
	emb := &stubEmbedder{angles: map[string]float64{
		"User: weather in paris\nAssistant: mild":  0.00,
		"User: weather in london\nAssistant: rain": 0.20,
		"User: python generics\nAssistant: sure":   1.40,
		"weather": 0.05,
	}}
	s, _ := newTestStore(t, DefaultConfig(), emb)
	ctx := context.Background()

	s.StoreExperience(ctx, "u1", payload("weather in paris", "mild"), true, 0.9)
	s.StoreExperience(ctx, "u1", payload("weather in london", "rain"), true, 0.9)
	s.StoreExperience(ctx, "u1", payload("python generics", "sure"), true, 0.9)

	items := s.SemanticSearch(ctx, "u1", "weather", 2, 0.5)
	if len(items) != 2 {
		t.Fatalf("results = %d, want 2", len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i].Similarity > items[i-1].Similarity {
			t.Fatal("results not in descending similarity order")
		}
	}
	for _, item := range items {
		if item.Similarity < 0.5 {
			t.Fatalf("result %q below similarity floor: %f", item.ID, item.Similarity)
		}
	}
	if items[0].UserInput != "weather in paris" {
		t.Fatalf("top result = %q, want paris weather", items[0].UserInput)
	}
}

func TestSemanticSearchWithoutEmbedderReturnsNothing(t *testing.T) {
	s, _ := newTestStore(t, DefaultConfig(), nil)
	s.StoreExperience(context.Background(), "u1", payload("hello", "hi"), true, 0.9)
	if items := s.SemanticSearch(context.Background(), "u1", "hello", 5, 0); len(items) != 0 {
		t.Fatalf("expected no results without an embedder, got %d", len(items))
	}
}

func TestSemanticSearchUserIsolation(t *testing.T) {
	emb := &stubEmbedder{angles: map[string]float64{
		"User: secret plan\nAssistant: noted": 0.00,
		"secret": 0.00,
	}}
	s, _ := newTestStore(t, DefaultConfig(), emb)
	ctx := context.Background()

	s.StoreExperience(ctx, "alice", payload("secret plan", "noted"), true, 0.9)
	if items := s.SemanticSearch(ctx, "bob", "secret", 5, 0); len(items) != 0 {
		t.Fatalf("bob can see alice's memories: %d results", len(items))
	}
}

func TestRecentNewestFirst(t *testing.T) {
	s, _ := newTestStore(t, DefaultConfig(), nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.StoreExperience(ctx, "u1", payload(fmt.Sprintf("input %d", i), "ok"), true, 0.8)
	}
	s.StoreExperience(ctx, "u2", payload("other user", "ok"), true, 0.8)

	items := s.Recent("u1", 3)
	if len(items) != 3 {
		t.Fatalf("recent = %d, want 3", len(items))
	}
	if items[0].UserInput != "input 4" {
		t.Fatalf("newest = %q, want input 4", items[0].UserInput)
	}
	for i := 1; i < len(items); i++ {
		if items[i].Timestamp > items[i-1].Timestamp {
			t.Fatal("recent not in reverse chronological order")
		}
	}
}

func TestGrowingContextShape(t *testing.T) {
	emb := &stubEmbedder{angles: map[string]float64{
		"User: weather today\nAssistant: sunny":  0.00,
		"User: weather sunday\nAssistant: rain":  0.05,
		"User: set a reminder\nAssistant: done":  1.40,
		"weather": 0.02,
	}}
	s, _ := newTestStore(t, DefaultConfig(), emb)
	ctx := context.Background()

	s.StoreExperience(ctx, "u1", payload("weather today", "sunny"), true, 0.9)
	s.StoreExperience(ctx, "u1", payload("weather sunday", "rain"), true, 0.9)
	s.StoreExperience(ctx, "u1", payload("set a reminder", "done"), true, 0.9)

	bundle := s.GrowingContext(ctx, "u1", "weather", 2, 5)
	if len(bundle.RecentTurns) != 2 {
		t.Fatalf("recent turns = %d, want 2", len(bundle.RecentTurns))
	}
	if len(bundle.RelevantMemories) == 0 {
		t.Fatal("expected relevant memories for weather query")
	}
	if bundle.UserProfile == nil {
		t.Fatal("missing user profile")
	}
	if bundle.UserProfile.TotalInteractions != 3 {
		t.Fatalf("profile interactions = %d, want 3", bundle.UserProfile.TotalInteractions)
	}

	// The scheduling cluster has a single member, below MinClusterSize,
	// so only the weather cluster should surface.
	if len(bundle.Clusters) != 1 {
		t.Fatalf("clusters = %d, want 1", len(bundle.Clusters))
	}
	if bundle.Clusters[0].Theme != "weather" {
		t.Fatalf("cluster theme = %q, want weather", bundle.Clusters[0].Theme)
	}
	if bundle.MemoryStats["user_experiences"] != 3 {
		t.Fatalf("user_experiences = %v, want 3", bundle.MemoryStats["user_experiences"])
	}
}

func TestGrowingContextWithoutQuerySkipsSearch(t *testing.T) {
	s, _ := newTestStore(t, DefaultConfig(), nil)
	s.StoreExperience(context.Background(), "u1", payload("hello", "hi"), true, 0.8)

	bundle := s.GrowingContext(context.Background(), "u1", "", 5, 5)
	if bundle.RelevantMemories == nil {
		t.Fatal("relevant memories should be empty, not nil")
	}
	if len(bundle.RelevantMemories) != 0 {
		t.Fatalf("relevant memories = %d, want 0", len(bundle.RelevantMemories))
	}
}

func TestForget(t *testing.T) {
	emb := &stubEmbedder{angles: map[string]float64{}}
	s, idx := newTestStore(t, DefaultConfig(), emb)
	ctx := context.Background()

	id := s.StoreExperience(ctx, "u1", payload("delete me", "ok"), true, 0.8)
	if !s.Forget(ctx, "u1", id) {
		t.Fatal("forget of existing experience failed")
	}
	if s.Forget(ctx, "u1", id) {
		t.Fatal("second forget of same id succeeded")
	}
	if s.Forget(ctx, "u1", "nope") {
		t.Fatal("forget of unknown id succeeded")
	}
	if s.Count() != 0 {
		t.Fatalf("count = %d, want 0", s.Count())
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.recs) != 0 {
		t.Fatal("forget left the record in the index")
	}
}

func TestForgetWrongOwner(t *testing.T) {
	s, _ := newTestStore(t, DefaultConfig(), nil)
	ctx := context.Background()
	id := s.StoreExperience(ctx, "alice", payload("mine", "ok"), true, 0.8)
	if s.Forget(ctx, "bob", id) {
		t.Fatal("bob forgot alice's experience")
	}
	if s.Count() != 1 {
		t.Fatal("experience was removed despite ownership mismatch")
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestStore(t, DefaultConfig(), nil)
	ctx := context.Background()
	s.StoreExperience(ctx, "u1", payload("a", "b"), true, 0.8)
	s.StoreExperience(ctx, "u1", payload("c", "d"), false, 0.4)
	s.StoreExperience(ctx, "u2", payload("e", "f"), true, 0.8)

	stats := s.Stats("u1")
	if stats["total_experiences"] != 3 {
		t.Fatalf("total_experiences = %v", stats["total_experiences"])
	}
	if stats["user_experiences"] != 2 {
		t.Fatalf("user_experiences = %v", stats["user_experiences"])
	}
	if stats["total_users"] != 2 {
		t.Fatalf("total_users = %v", stats["total_users"])
	}
	if stats["embedding_enabled"] != false {
		t.Fatalf("embedding_enabled = %v", stats["embedding_enabled"])
	}
	if stats["successful_interactions"] != 1 {
		t.Fatalf("successful_interactions = %v", stats["successful_interactions"])
	}
}
