package experience

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestReopenRestoresState(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Dir = dir
	ctx := context.Background()

	emb := &stubEmbedder{angles: map[string]float64{
		"User: weather today\nAssistant: sunny": 0.00,
		"User: weather later\nAssistant: rain":  0.05,
	}}

	s, err := Open(cfg, emb, newMemIndex(), slog.Default())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id1 := s.StoreExperience(ctx, "u1", payload("weather today", "sunny"), true, 0.9)
	id2 := s.StoreExperience(ctx, "u1", payload("weather later", "rain"), false, 0.6)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(cfg, emb, newMemIndex(), slog.Default())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()

	if s2.Count() != 2 {
		t.Fatalf("count after reopen = %d, want 2", s2.Count())
	}

	s2.mu.Lock()
	defer s2.mu.Unlock()

	e1, e2 := s2.experiences[id1], s2.experiences[id2]
	if e1 == nil || e2 == nil {
		t.Fatal("experiences missing after reopen")
	}
	if e1.Content != "User: weather today\nAssistant: sunny" {
		t.Fatalf("content = %q", e1.Content)
	}
	if e2.Success {
		t.Fatal("success flag lost on reopen")
	}
	if e1.ClusterID == nil || e2.ClusterID == nil || *e1.ClusterID != *e2.ClusterID {
		t.Fatal("cluster assignment lost on reopen")
	}
	if len(s2.clusters) != 1 {
		t.Fatalf("clusters after reopen = %d, want 1", len(s2.clusters))
	}
	p := s2.profiles["u1"]
	if p == nil || p.TotalInteractions != 2 || p.SuccessfulInteractions != 1 {
		t.Fatalf("profile lost on reopen: %+v", p)
	}
}

func TestReplayToleratesTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Dir = dir
	ctx := context.Background()

	s, err := Open(cfg, nil, nil, slog.Default())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.StoreExperience(ctx, "u1", payload("first", "ok"), true, 0.8)
	s.StoreExperience(ctx, "u1", payload("second", "ok"), true, 0.8)
	// Close the file handle without compacting, keeping the journal.
	s.mu.Lock()
	_ = s.journal.close()
	s.mu.Unlock()

	// Simulate a crash mid-append: a half-written trailing line.
	path := filepath.Join(dir, journalFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("append to journal: %v", err)
	}
	if _, err := f.WriteString(`{"op":"experience","experience":{"id":"u1_trunc`); err != nil {
		t.Fatalf("write partial line: %v", err)
	}
	_ = f.Close()

	s2, err := Open(cfg, nil, nil, slog.Default())
	if err != nil {
		t.Fatalf("reopen after partial write: %v", err)
	}
	defer func() { _ = s2.Close() }()

	if s2.Count() != 2 {
		t.Fatalf("count = %d, want 2 complete entries", s2.Count())
	}
}

func TestCompactTruncatesJournal(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Dir = dir

	s, err := Open(cfg, nil, nil, slog.Default())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = s.Close() }()

	s.StoreExperience(context.Background(), "u1", payload("hello", "hi"), true, 0.8)
	if err := s.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, journalFile))
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("journal size after compact = %d, want 0", info.Size())
	}
	for _, name := range []string{experiencesFile, clustersFile, profilesFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing snapshot %s: %v", name, err)
		}
	}
}
