package backend

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/leonardo-assistant/leonardo/pkg/turns"
	"github.com/leonardo-assistant/leonardo/pkg/types"
)

// structuredBackend adapts the SQLite turn log to the Backend contract.
// Search is keyword-based; there is no semantic retrieval at this tier.
// A background worker rolls aged turns into episode summaries for as long
// as the backend is open.
type structuredBackend struct {
	store  *turns.SQLiteStore
	rollup *turns.RollupWorker
}

func newStructuredBackend(_ context.Context, cfg Config) (Backend, error) {
	dsn := filepath.Join(cfg.Dir, "turns.db")
	if cfg.Dir == "" {
		dsn = ":memory:"
	}
	store, err := turns.NewSQLiteStore(dsn, cfg.Turns)
	if err != nil {
		return nil, err
	}
	worker := turns.NewRollupWorker(store, cfg.Logger)
	worker.Start()
	return &structuredBackend{store: store, rollup: worker}, nil
}

func (b *structuredBackend) Add(ctx context.Context, userID string, payload map[string]interface{}, success bool, quality float64) (string, error) {
	return b.store.AppendTurn(ctx, userID, turnFromPayload(payload, success, quality))
}

func (b *structuredBackend) Search(ctx context.Context, userID, query string, limit int) ([]types.MemoryItem, error) {
	found, err := b.store.SearchTurns(ctx, userID, query, limit)
	if err != nil {
		return nil, err
	}
	return itemsFromTurns(found), nil
}

func (b *structuredBackend) GetRecent(ctx context.Context, userID string, limit int) ([]types.MemoryItem, error) {
	recent, err := b.store.RecentTurns(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return itemsFromTurns(recent), nil
}

func (b *structuredBackend) Forget(ctx context.Context, userID, id string) (bool, error) {
	err := b.store.DeleteTurn(ctx, userID, id)
	if errors.Is(err, turns.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *structuredBackend) Stats(ctx context.Context, userID string) (types.Stats, error) {
	stats, err := b.store.Stats(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats["backend_type"] = b.Type()
	return stats, nil
}

func (b *structuredBackend) Type() string { return "structured" }

func (b *structuredBackend) Close() error {
	b.rollup.Stop()
	return b.store.Close()
}

// Store exposes the underlying turn store for maintenance commands.
func (b *structuredBackend) Store() *turns.SQLiteStore { return b.store }

func turnFromPayload(payload map[string]interface{}, success bool, quality float64) types.Turn {
	t := types.Turn{
		Success:         success,
		ResponseQuality: quality,
	}
	if payload == nil {
		return t
	}
	t.UserInput, _ = payload["user_input"].(string)
	t.AssistantResponse, _ = payload["assistant_response"].(string)
	if t.AssistantResponse == "" {
		t.AssistantResponse, _ = payload["response"].(string)
	}
	t.ResponseType, _ = payload["response_type"].(string)
	t.Plan, _ = payload["plan"].(map[string]interface{})
	t.Validation, _ = payload["validation"].(map[string]interface{})
	t.Execution, _ = payload["execution"].(map[string]interface{})
	t.Verification, _ = payload["verification"].(map[string]interface{})
	switch v := payload["tools_used"].(type) {
	case []string:
		t.ToolsUsed = v
	case []interface{}:
		for _, tool := range v {
			if s, ok := tool.(string); ok {
				t.ToolsUsed = append(t.ToolsUsed, s)
			}
		}
	}
	return t
}

func itemsFromTurns(ts []types.Turn) []types.MemoryItem {
	items := make([]types.MemoryItem, len(ts))
	for i, t := range ts {
		items[i] = types.MemoryItem{
			ID:         t.ID,
			UserInput:  t.UserInput,
			AIResponse: t.AssistantResponse,
			Timestamp:  t.Timestamp,
			Success:    t.Success,
			ToolsUsed:  t.ToolsUsed,
		}
	}
	return items
}
