package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/leonardo-assistant/leonardo/pkg/types"
)

// mcpBackend delegates memory operations to an external MCP memory
// server spawned over stdio. It is tried first so a dedicated memory
// service can transparently replace the embedded tiers.
type mcpBackend struct {
	c *client.Client
}

func newMCPBackend(ctx context.Context, cfg Config) (Backend, error) {
	c, err := client.NewStdioMCPClient(cfg.MCPCommand, cfg.MCPEnv, cfg.MCPArgs...)
	if err != nil {
		return nil, fmt.Errorf("start mcp memory server: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "leonardo-memory",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(initCtx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp memory server: %w", err)
	}
	return &mcpBackend{c: c}, nil
}

// callTool invokes one MCP tool and returns its text payload.
func (b *mcpBackend) callTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := b.c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", name, err)
	}

	var text string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			text = tc.Text
			break
		}
	}
	if result.IsError {
		return "", fmt.Errorf("%s failed: %s", name, text)
	}
	return text, nil
}

func (b *mcpBackend) Add(ctx context.Context, userID string, payload map[string]interface{}, success bool, quality float64) (string, error) {
	text, err := b.callTool(ctx, "store_memory", map[string]interface{}{
		"user_id":          userID,
		"interaction":      payload,
		"success":          success,
		"response_quality": quality,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil || out.ID == "" {
		// Servers that return only an acknowledgment still stored the
		// memory; synthesize an id.
		return fmt.Sprintf("%s_%d", userID, time.Now().UnixNano()), nil
	}
	return out.ID, nil
}

func (b *mcpBackend) Search(ctx context.Context, userID, query string, limit int) ([]types.MemoryItem, error) {
	text, err := b.callTool(ctx, "recall_memory", map[string]interface{}{
		"user_id":     userID,
		"query":       query,
		"max_results": limit,
	})
	if err != nil {
		return nil, err
	}
	return parseItems(text)
}

func (b *mcpBackend) GetRecent(ctx context.Context, userID string, limit int) ([]types.MemoryItem, error) {
	text, err := b.callTool(ctx, "recall_memory", map[string]interface{}{
		"user_id":     userID,
		"recent":      true,
		"max_results": limit,
	})
	if err != nil {
		return nil, err
	}
	return parseItems(text)
}

func (b *mcpBackend) Forget(ctx context.Context, userID, id string) (bool, error) {
	text, err := b.callTool(ctx, "forget_memory", map[string]interface{}{
		"user_id": userID,
		"id":      id,
	})
	if err != nil {
		return false, err
	}
	var out struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return false, fmt.Errorf("parse forget result: %w", err)
	}
	return out.Removed > 0, nil
}

func (b *mcpBackend) Stats(ctx context.Context, userID string) (types.Stats, error) {
	text, err := b.callTool(ctx, "memory_stats", map[string]interface{}{
		"user_id": userID,
	})
	if err != nil {
		return nil, err
	}
	stats := types.Stats{}
	if err := json.Unmarshal([]byte(text), &stats); err != nil {
		return nil, fmt.Errorf("parse stats: %w", err)
	}
	stats["backend_type"] = b.Type()
	return stats, nil
}

func (b *mcpBackend) Type() string { return "mcp" }

func (b *mcpBackend) Close() error { return b.c.Close() }

func parseItems(text string) ([]types.MemoryItem, error) {
	if text == "" {
		return []types.MemoryItem{}, nil
	}
	var items []types.MemoryItem
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		// Some servers wrap the list in an envelope.
		var wrapped struct {
			Memories []types.MemoryItem `json:"memories"`
		}
		if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
			return nil, fmt.Errorf("parse memories: %w", err)
		}
		items = wrapped.Memories
	}
	if items == nil {
		items = []types.MemoryItem{}
	}
	return items, nil
}
