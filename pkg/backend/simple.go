package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leonardo-assistant/leonardo/pkg/types"
)

// simpleBackend is the last-resort tier: one append-only JSONL file per
// user in a plain directory. No embeddings, no SQL, no clustering; it
// exists so memory keeps working when everything richer is broken.
type simpleBackend struct {
	dir    string
	mu     sync.Mutex
	lastNS int64
}

var unsafeUserChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func newSimpleBackend(_ context.Context, cfg Config) (Backend, error) {
	dir := filepath.Join(cfg.Dir, "simple")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create simple memory dir: %w", err)
	}
	return &simpleBackend{dir: dir}, nil
}

func (b *simpleBackend) userPath(userID string) string {
	safe := unsafeUserChars.ReplaceAllString(userID, "_")
	return filepath.Join(b.dir, safe+".jsonl")
}

func (b *simpleBackend) Add(_ context.Context, userID string, payload map[string]interface{}, success bool, quality float64) (string, error) {
	item := types.MemoryItem{Success: success}
	if payload != nil {
		item.UserInput, _ = payload["user_input"].(string)
		item.AIResponse, _ = payload["assistant_response"].(string)
		if item.AIResponse == "" {
			item.AIResponse, _ = payload["response"].(string)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Same-nanosecond appends would collide in the id, and load would
	// merge them into one record. Bump past the last issued nanosecond.
	ns := time.Now().UnixNano()
	if ns <= b.lastNS {
		ns = b.lastNS + 1
	}
	b.lastNS = ns
	item.ID = fmt.Sprintf("%s_%d", userID, ns)
	item.Timestamp = float64(ns) / 1e9

	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshal memory: %w", err)
	}
	data = append(data, '\n')
	f, err := os.OpenFile(b.userPath(userID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open memory file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("append memory: %w", err)
	}
	return item.ID, nil
}

// load reads all live items for a user. Lines for forgotten items are
// tombstoned with an empty ID.
func (b *simpleBackend) load(userID string) ([]types.MemoryItem, error) {
	f, err := os.Open(b.userPath(userID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open memory file: %w", err)
	}
	defer func() { _ = f.Close() }()

	live := make(map[string]types.MemoryItem)
	var order []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec struct {
			types.MemoryItem
			Deleted string `json:"deleted,omitempty"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Deleted != "" {
			delete(live, rec.Deleted)
			continue
		}
		if _, seen := live[rec.ID]; !seen {
			order = append(order, rec.ID)
		}
		live[rec.ID] = rec.MemoryItem
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	items := make([]types.MemoryItem, 0, len(live))
	for _, id := range order {
		if item, ok := live[id]; ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func (b *simpleBackend) Search(_ context.Context, userID, query string, limit int) ([]types.MemoryItem, error) {
	b.mu.Lock()
	items, err := b.load(userID)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	var out []types.MemoryItem
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.UserInput), needle) ||
			strings.Contains(strings.ToLower(item.AIResponse), needle) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []types.MemoryItem{}
	}
	return out, nil
}

func (b *simpleBackend) GetRecent(_ context.Context, userID string, limit int) ([]types.MemoryItem, error) {
	b.mu.Lock()
	items, err := b.load(userID)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp > items[j].Timestamp })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	if items == nil {
		items = []types.MemoryItem{}
	}
	return items, nil
}

func (b *simpleBackend) Forget(_ context.Context, userID, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items, err := b.load(userID)
	if err != nil {
		return false, err
	}
	found := false
	for _, item := range items {
		if item.ID == id {
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}

	f, err := os.OpenFile(b.userPath(userID), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("open memory file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := fmt.Fprintf(f, "{\"deleted\":%q}\n", id); err != nil {
		return false, fmt.Errorf("append tombstone: %w", err)
	}
	return true, nil
}

func (b *simpleBackend) Stats(_ context.Context, userID string) (types.Stats, error) {
	b.mu.Lock()
	items, err := b.load(userID)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return types.Stats{
		"backend_type":     b.Type(),
		"user_experiences": len(items),
		"memory_dir":       b.dir,
	}, nil
}

func (b *simpleBackend) Type() string { return "simple" }

func (b *simpleBackend) Close() error { return nil }
