package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage stored conversational memory",
	Long: `Store, search, and manage conversational memories.

Interactions are clustered by semantic similarity when embeddings are
configured, folded into per-user profiles, and pruned by importance
when the store fills up.

Examples:
  leonardo-memory memory store --input "what's the weather" --response "sunny"
  leonardo-memory memory search --query "weather" --limit 5
  leonardo-memory memory context --query "weather"
  leonardo-memory memory forget --id default_1712345678901234567
  leonardo-memory memory stats`,
}

var memoryStoreCmd = &cobra.Command{
	Use:   "store",
	Short: "Store one interaction",
	RunE:  runMemoryStore,
}

var memorySearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search memories relevant to a query",
	RunE:  runMemorySearch,
}

var memoryRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the newest memories",
	RunE:  runMemoryRecent,
}

var memoryContextCmd = &cobra.Command{
	Use:   "context",
	Short: "Assemble the full context bundle for a query",
	RunE:  runMemoryContext,
}

var memoryForgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Remove one memory by id",
	RunE:  runMemoryForget,
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory backend statistics",
	RunE:  runMemoryStats,
}

func init() {
	rootCmd.AddCommand(memoryCmd)
	memoryCmd.AddCommand(memoryStoreCmd)
	memoryCmd.AddCommand(memorySearchCmd)
	memoryCmd.AddCommand(memoryRecentCmd)
	memoryCmd.AddCommand(memoryContextCmd)
	memoryCmd.AddCommand(memoryForgetCmd)
	memoryCmd.AddCommand(memoryStatsCmd)

	memoryStoreCmd.Flags().String("input", "", "User input text")
	memoryStoreCmd.Flags().String("response", "", "Assistant response text")
	memoryStoreCmd.Flags().String("type", "general", "Interaction type")
	memoryStoreCmd.Flags().StringSlice("tools", nil, "Tools used in the interaction")
	memoryStoreCmd.Flags().Bool("failed", false, "Mark the interaction as unsuccessful")
	memoryStoreCmd.Flags().Float64("quality", 0.8, "Response quality (0-1)")

	memorySearchCmd.Flags().String("query", "", "Query text")
	memorySearchCmd.Flags().Int("limit", 10, "Maximum results")

	memoryRecentCmd.Flags().Int("limit", 10, "Maximum results")

	memoryContextCmd.Flags().String("query", "", "Query text for the semantic slice")
	memoryContextCmd.Flags().Int("recent", 5, "Recent turns to include")
	memoryContextCmd.Flags().Int("semantic", 5, "Semantic results to include")

	memoryForgetCmd.Flags().String("id", "", "Memory id to remove")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runMemoryStore(cmd *cobra.Command, args []string) error {
	input, _ := cmd.Flags().GetString("input")
	response, _ := cmd.Flags().GetString("response")
	if input == "" {
		return fmt.Errorf("--input is required")
	}

	itype, _ := cmd.Flags().GetString("type")
	tools, _ := cmd.Flags().GetStringSlice("tools")
	failed, _ := cmd.Flags().GetBool("failed")
	quality, _ := cmd.Flags().GetFloat64("quality")

	svc, stop, err := startService(cmd.Context())
	if err != nil {
		return err
	}
	defer stop()

	payload := map[string]interface{}{
		"user_input":         input,
		"assistant_response": response,
		"interaction_type":   itype,
	}
	if len(tools) > 0 {
		payload["tools_used"] = tools
	}

	id, err := svc.Update(cmd.Context(), viper.GetString("user"), payload, !failed, quality)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{"id": id, "backend": svc.Backend()})
}

func runMemorySearch(cmd *cobra.Command, args []string) error {
	query, _ := cmd.Flags().GetString("query")
	if query == "" {
		return fmt.Errorf("--query is required")
	}
	limit, _ := cmd.Flags().GetInt("limit")

	svc, stop, err := startService(cmd.Context())
	if err != nil {
		return err
	}
	defer stop()

	items, err := svc.Search(cmd.Context(), viper.GetString("user"), query, limit)
	if err != nil {
		return err
	}
	return printJSON(items)
}

func runMemoryRecent(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	svc, stop, err := startService(cmd.Context())
	if err != nil {
		return err
	}
	defer stop()

	items, err := svc.GetRecent(cmd.Context(), viper.GetString("user"), limit)
	if err != nil {
		return err
	}
	return printJSON(items)
}

func runMemoryContext(cmd *cobra.Command, args []string) error {
	query, _ := cmd.Flags().GetString("query")
	recent, _ := cmd.Flags().GetInt("recent")
	semantic, _ := cmd.Flags().GetInt("semantic")

	svc, stop, err := startService(cmd.Context())
	if err != nil {
		return err
	}
	defer stop()

	bundle, err := svc.GetContext(cmd.Context(), viper.GetString("user"), query, recent, semantic)
	if err != nil {
		return err
	}
	return printJSON(bundle)
}

func runMemoryForget(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	if id == "" {
		return fmt.Errorf("--id is required")
	}

	svc, stop, err := startService(cmd.Context())
	if err != nil {
		return err
	}
	defer stop()

	ok, err := svc.Forget(cmd.Context(), viper.GetString("user"), id)
	if err != nil {
		return err
	}
	return printJSON(map[string]bool{"removed": ok})
}

func runMemoryStats(cmd *cobra.Command, args []string) error {
	svc, stop, err := startService(cmd.Context())
	if err != nil {
		return err
	}
	defer stop()

	stats, err := svc.Stats(cmd.Context(), viper.GetString("user"))
	if err != nil {
		return err
	}
	return printJSON(stats)
}
