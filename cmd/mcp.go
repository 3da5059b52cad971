package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/leonardo-assistant/leonardo/pkg/service"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the memory subsystem as an MCP server over stdio",
	Long: `Expose memory as MCP tools for agent hosts.

Tools:
  store_memory    store one interaction
  recall_memory   search or list memories
  forget_memory   remove one memory
  memory_stats    backend statistics
  get_context     assemble the context bundle for a turn`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// mcpMemoryServer adapts the service loop to MCP tool handlers.
type mcpMemoryServer struct {
	svc *service.Service
}

func runMCP(cmd *cobra.Command, args []string) error {
	svc, stop, err := startService(cmd.Context())
	if err != nil {
		return err
	}
	defer stop()

	m := &mcpMemoryServer{svc: svc}

	srv := server.NewMCPServer("leonardo-memory", "1.0.0",
		server.WithToolCapabilities(false),
	)

	srv.AddTool(mcp.NewTool("store_memory",
		mcp.WithDescription("Store one completed interaction in memory"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User the memory belongs to")),
		mcp.WithString("user_input", mcp.Required(), mcp.Description("What the user said")),
		mcp.WithString("assistant_response", mcp.Description("What the assistant answered")),
		mcp.WithString("interaction_type", mcp.Description("Interaction type, e.g. weather, command")),
		mcp.WithBoolean("success", mcp.Description("Whether the interaction succeeded (default true)")),
		mcp.WithNumber("response_quality", mcp.Description("Response quality 0-1 (default 0.8)")),
	), m.handleStoreMemory)

	srv.AddTool(mcp.NewTool("recall_memory",
		mcp.WithDescription("Search memories, or list the newest when recent is set"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User to recall for")),
		mcp.WithString("query", mcp.Description("Query text")),
		mcp.WithBoolean("recent", mcp.Description("List newest memories instead of searching")),
		mcp.WithNumber("max_results", mcp.Description("Maximum results (default 10)")),
	), m.handleRecallMemory)

	srv.AddTool(mcp.NewTool("forget_memory",
		mcp.WithDescription("Remove one memory by id"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owning user")),
		mcp.WithString("id", mcp.Required(), mcp.Description("Memory id")),
	), m.handleForgetMemory)

	srv.AddTool(mcp.NewTool("memory_stats",
		mcp.WithDescription("Memory backend statistics"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User to report on")),
	), m.handleMemoryStats)

	srv.AddTool(mcp.NewTool("get_context",
		mcp.WithDescription("Assemble recent, relevant, profile, and cluster context for a turn"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User to assemble for")),
		mcp.WithString("query", mcp.Description("Current user input for the semantic slice")),
		mcp.WithNumber("max_recent", mcp.Description("Recent turns to include (default 5)")),
		mcp.WithNumber("max_semantic", mcp.Description("Semantic results to include (default 5)")),
	), m.handleGetContext)

	return server.ServeStdio(srv)
}

func (m *mcpMemoryServer) handleStoreMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	userID, _ := args["user_id"].(string)
	input, _ := args["user_input"].(string)
	if userID == "" || input == "" {
		return mcp.NewToolResultError("user_id and user_input are required"), nil
	}

	payload := map[string]interface{}{"user_input": input}
	if response, ok := args["assistant_response"].(string); ok {
		payload["assistant_response"] = response
	}
	if itype, ok := args["interaction_type"].(string); ok {
		payload["interaction_type"] = itype
	}

	success := true
	if v, ok := args["success"].(bool); ok {
		success = v
	}
	quality := 0.8
	if v, ok := args["response_quality"].(float64); ok {
		quality = v
	}

	id, err := m.svc.Update(ctx, userID, payload, success, quality)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("store error: %v", err)), nil
	}

	out, _ := json.Marshal(map[string]string{"id": id})
	return mcp.NewToolResultText(string(out)), nil
}

func (m *mcpMemoryServer) handleRecallMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	userID, _ := args["user_id"].(string)
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	maxResults := 10
	if v, ok := args["max_results"].(float64); ok && v > 0 {
		maxResults = int(v)
	}

	recent, _ := args["recent"].(bool)
	query, _ := args["query"].(string)
	if !recent && query == "" {
		return mcp.NewToolResultError("query is required unless recent is set"), nil
	}

	var err error
	var items interface{}
	if recent {
		items, err = m.svc.GetRecent(ctx, userID, maxResults)
	} else {
		items, err = m.svc.Search(ctx, userID, query, maxResults)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("recall error: %v", err)), nil
	}

	out, _ := json.MarshalIndent(items, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (m *mcpMemoryServer) handleForgetMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	userID, _ := args["user_id"].(string)
	id, _ := args["id"].(string)
	if userID == "" || id == "" {
		return mcp.NewToolResultError("user_id and id are required"), nil
	}

	removed, err := m.svc.Forget(ctx, userID, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("forget error: %v", err)), nil
	}

	n := 0
	if removed {
		n = 1
	}
	out, _ := json.Marshal(map[string]int{"removed": n})
	return mcp.NewToolResultText(string(out)), nil
}

func (m *mcpMemoryServer) handleMemoryStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	userID, _ := args["user_id"].(string)
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	stats, err := m.svc.Stats(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
	}

	out, _ := json.MarshalIndent(stats, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (m *mcpMemoryServer) handleGetContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	userID, _ := args["user_id"].(string)
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	query, _ := args["query"].(string)

	maxRecent := 5
	if v, ok := args["max_recent"].(float64); ok && v > 0 {
		maxRecent = int(v)
	}
	maxSemantic := 5
	if v, ok := args["max_semantic"].(float64); ok && v > 0 {
		maxSemantic = int(v)
	}

	bundle, err := m.svc.GetContext(ctx, userID, query, maxRecent, maxSemantic)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("context error: %v", err)), nil
	}

	out, _ := json.MarshalIndent(bundle, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}
