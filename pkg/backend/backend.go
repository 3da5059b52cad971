// Package backend defines the memory backend contract and the tiered
// selection between concrete backends: a remote MCP memory service, the
// embedded enhanced (clustering) store, the structured SQLite turn log,
// and a plain directory-of-files fallback. Selection walks an explicit
// ordered factory list; each attempt's outcome is reported so callers can
// see why a tier was skipped.
package backend

import (
	"context"
	"errors"
	"log/slog"

	"github.com/leonardo-assistant/leonardo/pkg/embedding"
	"github.com/leonardo-assistant/leonardo/pkg/experience"
	"github.com/leonardo-assistant/leonardo/pkg/turns"
	"github.com/leonardo-assistant/leonardo/pkg/types"
	"github.com/leonardo-assistant/leonardo/pkg/vectorindex"
)

// ErrNoBackend is returned when every factory in the selection list
// failed to initialize.
var ErrNoBackend = errors.New("no memory backend available")

// Backend is the uniform memory contract every tier implements.
type Backend interface {
	// Add stores one interaction and returns its id.
	Add(ctx context.Context, userID string, payload map[string]interface{}, success bool, quality float64) (string, error)

	// Search returns up to limit memories relevant to query.
	Search(ctx context.Context, userID, query string, limit int) ([]types.MemoryItem, error)

	// GetRecent returns up to limit memories, newest first.
	GetRecent(ctx context.Context, userID string, limit int) ([]types.MemoryItem, error)

	// Forget removes one memory; false means unknown id or wrong owner.
	Forget(ctx context.Context, userID, id string) (bool, error)

	// Stats returns backend diagnostics including "backend_type".
	Stats(ctx context.Context, userID string) (types.Stats, error)

	// Type identifies the backend tier.
	Type() string

	// Close releases backend resources.
	Close() error
}

// ContextProvider is implemented by backends that can assemble a full
// context bundle natively. Backends without it get a generic bundle
// assembled from GetRecent and Search.
type ContextProvider interface {
	GetContext(ctx context.Context, userID, query string, maxRecent, maxSemantic int) (*types.ContextBundle, error)
}

// Config carries everything backend factories need. Embedder and Index
// are optional; without them the enhanced tier degrades gracefully.
type Config struct {
	// Dir is the root memory directory.
	Dir string

	// MCPCommand launches a remote MCP memory server over stdio; empty
	// disables the MCP tier.
	MCPCommand string
	MCPArgs    []string
	MCPEnv     []string

	Embedder embedding.Provider
	Index    vectorindex.Index

	Experience experience.Config
	Turns      turns.Config

	Logger *slog.Logger
}

// InitResult records one backend initialization attempt.
type InitResult struct {
	Type string
	Err  error // nil on success
}

// Factory attempts to construct one backend tier.
type Factory struct {
	Type string
	New  func(ctx context.Context, cfg Config) (Backend, error)
}

// DefaultFactories returns the standard tier order: mcp, enhanced,
// structured, simple. The MCP tier is present only when a command is
// configured.
func DefaultFactories(cfg Config) []Factory {
	var factories []Factory
	if cfg.MCPCommand != "" {
		factories = append(factories, Factory{Type: "mcp", New: newMCPBackend})
	}
	factories = append(factories,
		Factory{Type: "enhanced", New: newEnhancedBackend},
		Factory{Type: "structured", New: newStructuredBackend},
		Factory{Type: "simple", New: newSimpleBackend},
	)
	return factories
}

// Select walks the factory list in order and returns the first backend
// that initializes, along with the outcome of every attempt up to and
// including the successful one.
func Select(ctx context.Context, cfg Config, factories []Factory) (Backend, []InitResult, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var results []InitResult
	for _, f := range factories {
		b, err := f.New(ctx, cfg)
		results = append(results, InitResult{Type: f.Type, Err: err})
		if err != nil {
			logger.Warn("backend unavailable, falling back", "backend", f.Type, "error", err)
			continue
		}
		logger.Info("memory backend selected", "backend", f.Type)
		return b, results, nil
	}
	return nil, results, ErrNoBackend
}

// assembleGenericContext builds a bundle for backends that are not
// ContextProviders.
func assembleGenericContext(ctx context.Context, b Backend, userID, query string, maxRecent, maxSemantic int) (*types.ContextBundle, error) {
	bundle := &types.ContextBundle{
		RecentTurns:      []types.MemoryItem{},
		RelevantMemories: []types.MemoryItem{},
	}

	recent, err := b.GetRecent(ctx, userID, maxRecent)
	if err != nil {
		return nil, err
	}
	if recent != nil {
		bundle.RecentTurns = recent
	}

	if query != "" && maxSemantic > 0 {
		relevant, err := b.Search(ctx, userID, query, maxSemantic)
		if err != nil {
			return nil, err
		}
		if relevant != nil {
			bundle.RelevantMemories = relevant
		}
	}

	stats, err := b.Stats(ctx, userID)
	if err != nil {
		stats = types.Stats{"backend_type": b.Type()}
	}
	bundle.MemoryStats = stats
	return bundle, nil
}

// GetContext assembles a context bundle from any backend, using its
// native assembly when available.
func GetContext(ctx context.Context, b Backend, userID, query string, maxRecent, maxSemantic int) (*types.ContextBundle, error) {
	if cp, ok := b.(ContextProvider); ok {
		return cp.GetContext(ctx, userID, query, maxRecent, maxSemantic)
	}
	return assembleGenericContext(ctx, b, userID, query, maxRecent, maxSemantic)
}
