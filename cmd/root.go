// Package cmd implements the leonardo-memory CLI: local memory
// management commands plus the HTTP and MCP server frontends.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "leonardo-memory",
	Short: "Memory subsystem for the Leonardo voice assistant",
	Long: `leonardo-memory stores, retrieves, and summarizes conversational
memory for the Leonardo assistant.

Backends are tried in order: a remote MCP memory server, the embedded
clustering store, a SQLite turn log, then plain files. The richest
available tier wins; a broken tier falls through to the next.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "Config file (default $HOME/.leonardo/memory.yaml)")
	rootCmd.PersistentFlags().String("memory-dir", "", "Memory directory (default $HOME/.leonardo/memory)")
	rootCmd.PersistentFlags().String("user", "default", "User id to operate as")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text or json")

	_ = viper.BindPFlag("memory_dir", rootCmd.PersistentFlags().Lookup("memory-dir"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.leonardo")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("memory")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("LEONARDO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config:", viper.ConfigFileUsed())
	}
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(viper.GetString("log_level")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if viper.GetString("log_format") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
