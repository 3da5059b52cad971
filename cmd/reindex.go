package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/leonardo-assistant/leonardo/pkg/experience"
	"github.com/leonardo-assistant/leonardo/pkg/vectorindex"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the vector index from stored experiences",
	Long: `Re-upsert every embedded experience into the configured vector
index. Use after switching index backends or recovering from index
corruption. Experiences without embeddings are skipped.`,
	RunE: runReindex,
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg := experience.Config{Dir: filepath.Join(memoryDir(), "enhanced")}
	store, err := experience.Open(cfg, nil, nil, slog.Default())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	embedded, dims := 0, 0
	all := store.Snapshot()
	for _, exp := range all {
		if len(exp.Embedding) > 0 {
			embedded++
			dims = len(exp.Embedding)
		}
	}
	if embedded == 0 {
		fmt.Println("no embedded experiences to index")
		return nil
	}

	index, err := buildIndex(ctx, dims)
	if err != nil {
		return err
	}
	defer func() { _ = index.Close() }()

	bar := progressbar.Default(int64(embedded), "reindexing")
	indexed := 0
	for _, exp := range all {
		if len(exp.Embedding) == 0 {
			continue
		}
		err := index.Upsert(ctx, vectorindex.Record{
			ID:     exp.ID,
			UserID: exp.UserID,
			Vector: exp.Embedding,
			Metadata: map[string]interface{}{
				"interaction_type": exp.InteractionType,
				"timestamp":        exp.Timestamp,
				"success":          exp.Success,
				"tools_used":       strings.Join(exp.ToolsUsed, ","),
			},
		})
		if err != nil {
			return fmt.Errorf("upsert %s: %w", exp.ID, err)
		}
		indexed++
		_ = bar.Add(1)
	}

	fmt.Printf("\nreindexed %d experience(s)\n", indexed)
	return nil
}
