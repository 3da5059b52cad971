package backend

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/leonardo-assistant/leonardo/pkg/experience"
	"github.com/leonardo-assistant/leonardo/pkg/types"
)

// enhancedBackend adapts the clustering experience store to the Backend
// contract. It is the richest embedded tier and a native ContextProvider.
type enhancedBackend struct {
	store *experience.Store
}

func newEnhancedBackend(_ context.Context, cfg Config) (Backend, error) {
	ecfg := cfg.Experience
	if ecfg.Dir == "" {
		ecfg.Dir = filepath.Join(cfg.Dir, "enhanced")
	}
	store, err := experience.Open(ecfg, cfg.Embedder, cfg.Index, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &enhancedBackend{store: store}, nil
}

func (b *enhancedBackend) Add(ctx context.Context, userID string, payload map[string]interface{}, success bool, quality float64) (string, error) {
	id := b.store.StoreExperience(ctx, userID, payload, success, quality)
	if id == "" {
		return "", errors.New("store experience failed")
	}
	return id, nil
}

func (b *enhancedBackend) Search(ctx context.Context, userID, query string, limit int) ([]types.MemoryItem, error) {
	items := b.store.SemanticSearch(ctx, userID, query, limit, 0)
	if items == nil {
		items = []types.MemoryItem{}
	}
	return items, nil
}

func (b *enhancedBackend) GetRecent(_ context.Context, userID string, limit int) ([]types.MemoryItem, error) {
	return b.store.Recent(userID, limit), nil
}

func (b *enhancedBackend) Forget(ctx context.Context, userID, id string) (bool, error) {
	return b.store.Forget(ctx, userID, id), nil
}

func (b *enhancedBackend) Stats(_ context.Context, userID string) (types.Stats, error) {
	stats := b.store.Stats(userID)
	stats["backend_type"] = b.Type()
	return stats, nil
}

func (b *enhancedBackend) GetContext(ctx context.Context, userID, query string, maxRecent, maxSemantic int) (*types.ContextBundle, error) {
	bundle := b.store.GrowingContext(ctx, userID, query, maxRecent, maxSemantic)
	bundle.MemoryStats["backend_type"] = b.Type()
	return bundle, nil
}

func (b *enhancedBackend) Type() string { return "enhanced" }

func (b *enhancedBackend) Close() error { return b.store.Close() }
