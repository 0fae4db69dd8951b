package main

import (
	"strings"

	"github.com/spf13/cobra"
)

// =============================================================================
// Run Command
// =============================================================================

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		model      string
		reasoning  string
		endAfter   bool
	)
	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Run a prompt in a new or resumed session",
		Long: `Run submits a prompt and streams the agent's answer to stdout.

Without --session a fresh session is created. The session id is printed
when the run finishes; pass it back with --session to continue the same
conversation. Sessions stay resumable unless --end is given.`,
		Example: `  chronicled run "list the failing tests"
  chronicled run --session 2f1c... "now fix them"
  chronicled run --model claude-opus-4-1 --end "one-shot question"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, configPath, sessionID, model, reasoning, endAfter, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID to resume (default: create a new session)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model override for this and later runs")
	cmd.Flags().StringVar(&reasoning, "reasoning", "", "Reasoning level for this run (low, medium, high)")
	cmd.Flags().BoolVar(&endAfter, "end", false, "End the session after the run instead of detaching")
	return cmd
}

// =============================================================================
// Sessions Commands
// =============================================================================

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored sessions",
	}
	cmd.AddCommand(
		buildSessionsListCmd(),
		buildSessionsShowCmd(),
		buildSessionsEndCmd(),
	)
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest activity first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, configPath, workspace, limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace ID to filter by (default: all)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Max number of sessions to list")
	return cmd
}

func buildSessionsShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's event chain",
		Long: `Show walks the parent chain from the session head to the root and
prints one line per event. Forked-off branches are not shown.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildSessionsEndCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "end <session-id>",
		Short: "End a session, writing its continuity note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsEnd(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Search Command
// =============================================================================

func buildSearchCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search message history by meaning",
		Long: `Search embeds the query and ranks stored messages by cosine
similarity. Requires embeddings to be enabled in the configuration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, configPath, workspace, args[0], limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace ID to search in")
	cmd.Flags().IntVar(&limit, "limit", 10, "Max number of hits")
	return cmd
}

// =============================================================================
// Auth Commands
// =============================================================================

func buildAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored provider credentials",
	}
	cmd.AddCommand(
		buildAuthSetCmd(),
		buildAuthStatusCmd(),
		buildAuthClearCmd(),
	)
	return cmd
}

func buildAuthSetCmd() *cobra.Command {
	var (
		configPath   string
		accessToken  string
		refreshToken string
		expiresIn    int
	)
	cmd := &cobra.Command{
		Use:   "set <provider>",
		Short: "Store an OAuth token for a provider",
		Example: `  chronicled auth set anthropic \
    --access-token sk-... --refresh-token rt-... --expires-in 3600`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthSet(cmd, configPath, args[0], accessToken, refreshToken, expiresIn)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "OAuth access token (required)")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token")
	cmd.Flags().IntVar(&expiresIn, "expires-in", 3600, "Access token lifetime in seconds")
	cmd.MarkFlagRequired("access-token")
	return cmd
}

func buildAuthStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which providers have stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthStatus(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildAuthClearCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "clear <provider>",
		Short: "Delete a provider's stored token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthClear(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}
