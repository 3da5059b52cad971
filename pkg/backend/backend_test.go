package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{Dir: t.TempDir()}
}

func TestSelectFallsBackInOrder(t *testing.T) {
	cfg := testConfig(t)
	boom := errors.New("boom")

	factories := []Factory{
		{Type: "broken-a", New: func(context.Context, Config) (Backend, error) { return nil, boom }},
		{Type: "broken-b", New: func(context.Context, Config) (Backend, error) { return nil, boom }},
		{Type: "simple", New: newSimpleBackend},
	}

	b, results, err := Select(context.Background(), cfg, factories)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	defer func() { _ = b.Close() }()

	if b.Type() != "simple" {
		t.Fatalf("selected %q, want simple", b.Type())
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Err == nil || results[1].Err == nil {
		t.Fatal("failed attempts not recorded")
	}
	if results[2].Err != nil {
		t.Fatalf("successful attempt recorded error: %v", results[2].Err)
	}
}

func TestSelectAllFailed(t *testing.T) {
	boom := errors.New("boom")
	factories := []Factory{
		{Type: "broken", New: func(context.Context, Config) (Backend, error) { return nil, boom }},
	}
	_, results, err := Select(context.Background(), testConfig(t), factories)
	if !errors.Is(err, ErrNoBackend) {
		t.Fatalf("err = %v, want ErrNoBackend", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
}

func TestDefaultFactoriesOrder(t *testing.T) {
	cfg := Config{Dir: "x"}
	got := DefaultFactories(cfg)
	want := []string{"enhanced", "structured", "simple"}
	if len(got) != len(want) {
		t.Fatalf("factories = %d, want %d", len(got), len(want))
	}
	for i, f := range got {
		if f.Type != want[i] {
			t.Fatalf("factory %d = %q, want %q", i, f.Type, want[i])
		}
	}

	cfg.MCPCommand = "memory-server"
	got = DefaultFactories(cfg)
	if len(got) != 4 || got[0].Type != "mcp" {
		t.Fatal("mcp tier should lead when a command is configured")
	}
}

// backendContract exercises the shared Add/GetRecent/Search/Forget/Stats
// behavior every embedded tier must satisfy.
func backendContract(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	id1, err := b.Add(ctx, "u1", map[string]interface{}{
		"user_input":         "what's the weather",
		"assistant_response": "sunny",
	}, true, 0.9)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	id2, err := b.Add(ctx, "u1", map[string]interface{}{
		"user_input":         "set a timer",
		"assistant_response": "done",
	}, true, 0.8)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("duplicate ids: %q", id1)
	}

	recent, err := b.GetRecent(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d, want 2", len(recent))
	}
	if recent[0].Timestamp < recent[1].Timestamp {
		t.Fatal("recent not newest first")
	}

	// Forget removes exactly the targeted memory and reports the miss on
	// a repeat.
	ok, err := b.Forget(ctx, "u1", id1)
	if err != nil || !ok {
		t.Fatalf("forget = %v, %v", ok, err)
	}
	ok, err = b.Forget(ctx, "u1", id1)
	if err != nil || ok {
		t.Fatalf("repeat forget = %v, %v, want false", ok, err)
	}
	recent, _ = b.GetRecent(ctx, "u1", 10)
	if len(recent) != 1 {
		t.Fatalf("after forget recent = %d, want 1", len(recent))
	}
	if recent[0].ID != id2 {
		t.Fatalf("wrong memory survived: %q", recent[0].ID)
	}

	stats, err := b.Stats(ctx, "u1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats["backend_type"] != b.Type() {
		t.Fatalf("backend_type = %v, want %q", stats["backend_type"], b.Type())
	}
}

func TestEnhancedBackendContract(t *testing.T) {
	b, err := newEnhancedBackend(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("new enhanced: %v", err)
	}
	defer func() { _ = b.Close() }()
	backendContract(t, b)

	if _, ok := b.(ContextProvider); !ok {
		t.Fatal("enhanced backend must provide native context")
	}

	// The native bundle carries the same stats shape as the generic path.
	bundle, err := GetContext(context.Background(), b, "carol", "", 5, 5)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if bundle.MemoryStats["backend_type"] != "enhanced" {
		t.Fatalf("stats = %v, want backend_type enhanced", bundle.MemoryStats)
	}
}

func TestStructuredBackendContract(t *testing.T) {
	b, err := newStructuredBackend(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("new structured: %v", err)
	}
	defer func() { _ = b.Close() }()
	backendContract(t, b)

	// Keyword search works without any embedding machinery.
	ctx := context.Background()
	_, _ = b.Add(ctx, "u2", map[string]interface{}{
		"user_input":         "weather in oslo",
		"assistant_response": "cold",
	}, true, 0.9)
	found, err := b.Search(ctx, "u2", "weather", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("search results = %d, want 1", len(found))
	}
}

func TestSimpleBackendContract(t *testing.T) {
	b, err := newSimpleBackend(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("new simple: %v", err)
	}
	defer func() { _ = b.Close() }()
	backendContract(t, b)
}

func TestSimpleBackendRapidAddsGetUniqueIDs(t *testing.T) {
	b, err := newSimpleBackend(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("new simple: %v", err)
	}
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := b.Add(ctx, "u1", map[string]interface{}{"user_input": fmt.Sprintf("note %d", i)}, true, 0.5)
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q at append %d", id, i)
		}
		seen[id] = true
	}

	recent, err := b.GetRecent(ctx, "u1", 100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 50 {
		t.Fatalf("loaded %d items, want 50", len(recent))
	}
}

func TestSimpleBackendSurvivesReopen(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	b, err := newSimpleBackend(ctx, cfg)
	if err != nil {
		t.Fatalf("new simple: %v", err)
	}
	id, err := b.Add(ctx, "u1", map[string]interface{}{"user_input": "persist me"}, true, 0.8)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	_ = b.Close()

	b2, err := newSimpleBackend(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = b2.Close() }()
	recent, err := b2.GetRecent(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != id {
		t.Fatalf("recent after reopen = %+v", recent)
	}
}

func TestGenericContextAssembly(t *testing.T) {
	b, err := newSimpleBackend(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("new simple: %v", err)
	}
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	_, _ = b.Add(ctx, "u1", map[string]interface{}{
		"user_input":         "weather report",
		"assistant_response": "sunny",
	}, true, 0.9)
	_, _ = b.Add(ctx, "u1", map[string]interface{}{
		"user_input":         "play music",
		"assistant_response": "playing",
	}, true, 0.9)

	bundle, err := GetContext(ctx, b, "u1", "weather", 5, 5)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if len(bundle.RecentTurns) != 2 {
		t.Fatalf("recent = %d, want 2", len(bundle.RecentTurns))
	}
	if len(bundle.RelevantMemories) != 1 {
		t.Fatalf("relevant = %d, want 1", len(bundle.RelevantMemories))
	}
	if bundle.RelevantMemories[0].UserInput != "weather report" {
		t.Fatalf("relevant = %q", bundle.RelevantMemories[0].UserInput)
	}
	if bundle.MemoryStats["backend_type"] != "simple" {
		t.Fatalf("stats = %v", bundle.MemoryStats)
	}
}
