package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/leonardo-assistant/leonardo/pkg/turns"
)

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Fold aged turns into episode summaries",
	Long: `Run one rollup pass over the structured turn log.

Users with enough turns older than the rollup age get their oldest
turns compacted into a single episode summary. The serve and mcp
commands run this automatically in the background.`,
	RunE: runRollup,
}

func init() {
	rootCmd.AddCommand(rollupCmd)
	rollupCmd.Flags().String("db", "", "Turn database path (default <memory-dir>/turns.db)")
}

func runRollup(cmd *cobra.Command, args []string) error {
	dsn, _ := cmd.Flags().GetString("db")
	if dsn == "" {
		dsn = filepath.Join(memoryDir(), "turns.db")
	}

	store, err := turns.NewSQLiteStore(dsn, turns.DefaultConfig())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.RollupSummaries(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("created %d episode(s)\n", n)
	return nil
}
