package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/leonardo-assistant/leonardo/pkg/backend"
	"github.com/leonardo-assistant/leonardo/pkg/embedding"
	"github.com/leonardo-assistant/leonardo/pkg/embedding/mock"
	"github.com/leonardo-assistant/leonardo/pkg/embedding/openai"
	"github.com/leonardo-assistant/leonardo/pkg/service"
	"github.com/leonardo-assistant/leonardo/pkg/vectorindex"
	"github.com/leonardo-assistant/leonardo/pkg/vectorindex/chromem"
	"github.com/leonardo-assistant/leonardo/pkg/vectorindex/pinecone"
	"github.com/leonardo-assistant/leonardo/pkg/vectorindex/qdrant"
)

func memoryDir() string {
	if dir := viper.GetString("memory_dir"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".leonardo-memory"
	}
	return filepath.Join(home, ".leonardo", "memory")
}

// buildEmbedder picks the embedding provider: OpenAI when a key is
// configured, the deterministic local embedder when embeddings.local is
// set, nil otherwise. The provider is wrapped in a content-hash cache.
func buildEmbedder() (embedding.Provider, error) {
	apiKey := viper.GetString("embeddings.openai_key")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	var provider embedding.Provider
	switch {
	case apiKey != "":
		client, err := openai.NewClient(openai.Config{
			APIKey:     apiKey,
			BaseURL:    viper.GetString("embeddings.base_url"),
			Model:      viper.GetString("embeddings.model"),
			Dimensions: viper.GetInt("embeddings.dimensions"),
		})
		if err != nil {
			return nil, fmt.Errorf("openai embedder: %w", err)
		}
		provider = client
	case viper.GetBool("embeddings.local"):
		provider = mock.New(viper.GetInt("embeddings.dimensions"))
	default:
		return nil, nil
	}

	return embedding.NewCached(provider, viper.GetInt64("embeddings.cache_size"))
}

// buildIndex picks the vector index: qdrant or pinecone when configured,
// otherwise embedded chromem persisted under the memory directory.
func buildIndex(ctx context.Context, dims int) (vectorindex.Index, error) {
	switch viper.GetString("index.kind") {
	case "qdrant":
		return qdrant.New(ctx, qdrant.Config{
			Host:       viper.GetString("index.qdrant.host"),
			Port:       viper.GetInt("index.qdrant.port"),
			APIKey:     viper.GetString("index.qdrant.api_key"),
			UseTLS:     viper.GetBool("index.qdrant.tls"),
			Dimensions: dims,
		})
	case "pinecone":
		return pinecone.New(ctx, pinecone.Config{
			APIKey:    viper.GetString("index.pinecone.api_key"),
			Host:      viper.GetString("index.pinecone.host"),
			Namespace: viper.GetString("index.pinecone.namespace"),
		})
	default:
		return chromem.NewPersistent(filepath.Join(memoryDir(), "index"))
	}
}

// buildBackendConfig assembles the full backend configuration from viper.
func buildBackendConfig(ctx context.Context) (backend.Config, error) {
	cfg := backend.Config{
		Dir:        memoryDir(),
		MCPCommand: viper.GetString("mcp.command"),
		MCPArgs:    viper.GetStringSlice("mcp.args"),
		MCPEnv:     viper.GetStringSlice("mcp.env"),
		Logger:     slog.Default(),
	}

	embedder, err := buildEmbedder()
	if err != nil {
		return cfg, err
	}
	if embedder != nil {
		index, err := buildIndex(ctx, embedder.Dimensions())
		if err != nil {
			return cfg, err
		}
		cfg.Embedder = embedder
		cfg.Index = index
	}

	if max := viper.GetInt("experience.max_experiences"); max > 0 {
		cfg.Experience.MaxExperiences = max
	}
	if th := viper.GetFloat64("experience.similarity_threshold"); th > 0 {
		cfg.Experience.SimilarityThreshold = th
	}
	if min := viper.GetInt("experience.min_cluster_size"); min > 0 {
		cfg.Experience.MinClusterSize = min
	}
	if max := viper.GetInt("turns.max_recent"); max > 0 {
		cfg.Turns.MaxRecentTurns = max
	}
	return cfg, nil
}

// startService selects a backend and wraps it in a running service loop.
// The returned stop function closes the loop and the backend.
func startService(ctx context.Context) (*service.Service, func(), error) {
	cfg, err := buildBackendConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	b, _, err := backend.Select(ctx, cfg, backend.DefaultFactories(cfg))
	if err != nil {
		return nil, nil, err
	}

	svc := service.New(b, service.Config{
		SyncTimeout: viper.GetDuration("service.sync_timeout"),
	}, slog.Default())
	svc.Start()
	return svc, func() { _ = svc.Stop() }, nil
}
