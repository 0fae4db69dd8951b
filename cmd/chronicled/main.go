// Package main provides the CLI entry point for the Chronicle session runtime.
//
// Chronicle persists every agent conversation as an append-only event chain
// and replays that chain to resume, fork, or hand off sessions.
//
// # Basic Usage
//
// Run a prompt in a fresh session:
//
//	chronicled run "summarize the open todos"
//
// Continue an earlier session:
//
//	chronicled run --session <id> "now fix the first one"
//
// Inspect history:
//
//	chronicled sessions list
//	chronicled sessions show <id>
//
// # Environment Variables
//
//   - CHRONICLE_CONFIG: Path to configuration file (default: ~/.chronicle/config.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models and embeddings
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chronicled",
		Short: "Chronicle - event-sourced agent session runtime",
		Long: `Chronicle runs LLM agent sessions on an append-only event log.

Sessions survive process restarts: every message, tool call, and turn
boundary is an event in a parent-linked chain, and resuming a session
replays the chain into live state.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildSessionsCmd(),
		buildSearchCmd(),
		buildAuthCmd(),
	)
	return rootCmd
}

// defaultConfigPath resolves the settings file, preferring CHRONICLE_CONFIG.
func defaultConfigPath() string {
	if p := os.Getenv("CHRONICLE_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".chronicle", "config.yaml")
}
