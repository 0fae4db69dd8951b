package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/chroniclehq/chronicle/internal/auth"
	"github.com/chroniclehq/chronicle/internal/config"
	"github.com/chroniclehq/chronicle/internal/embeddings"
	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/eventstore"
	"github.com/chroniclehq/chronicle/internal/ledger"
	"github.com/chroniclehq/chronicle/internal/observability"
	"github.com/chroniclehq/chronicle/internal/orchestrator"
	"github.com/chroniclehq/chronicle/internal/provider"
	"github.com/chroniclehq/chronicle/internal/runner"
	"github.com/chroniclehq/chronicle/internal/tools"
	"github.com/chroniclehq/chronicle/internal/worktree"
)

// anthropicTokenURL is the public token endpoint used to refresh stored
// OAuth credentials.
const anthropicTokenURL = "https://console.anthropic.com/v1/oauth/token"

// knownProviders is the set auth subcommands accept.
var knownProviders = []string{"anthropic", "openai"}

// =============================================================================
// Runtime assembly
// =============================================================================

// runtime holds the assembled service graph for one CLI invocation.
type runtime struct {
	settings *config.Settings
	logger   *slog.Logger

	sqlite *eventstore.SQLiteStore
	store  eventstore.Store
	mirror *eventstore.Mirror
	auth   *auth.Store
	orch   *orchestrator.Orchestrator

	providers  int
	metricsSrv *http.Server
}

// buildRuntime loads settings and wires the store, providers, and
// orchestrator. Callers must Close the runtime.
func buildRuntime(configPath string) (*runtime, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.Default()

	if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	sqlite, err := eventstore.NewSQLiteStore(eventstore.SQLiteConfig{
		Path:    settings.DatabasePath(),
		BlobDir: filepath.Join(settings.DataDir, "blobs"),
	}, logger)
	if err != nil {
		return nil, err
	}

	rt := &runtime{settings: settings, logger: logger, sqlite: sqlite}
	var store eventstore.Store = sqlite

	rt.mirror, err = eventstore.NewMirror(settings.SessionsDir(), logger)
	if err != nil {
		sqlite.Close()
		return nil, err
	}
	store = eventstore.WithMirror(store, rt.mirror)

	var metrics *observability.Metrics
	if settings.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = observability.NewMetrics(reg)
		store = observability.InstrumentStore(store, metrics)
		rt.metricsSrv = &http.Server{
			Addr:    settings.Metrics.Listen,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := rt.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics listener failed", "error", err)
			}
		}()
	}

	if settings.Embeddings.Enabled {
		if svc := rt.embeddingService(); svc != nil {
			store = embeddings.WithIndexing(store, embeddings.NewIndexer(svc, sqlite, logger))
		} else {
			logger.Warn("embeddings enabled but OPENAI_API_KEY is not set")
		}
	}
	rt.store = store

	rt.auth, err = auth.NewStore(settings.AuthDir())
	if err != nil {
		rt.Close()
		return nil, err
	}

	led, err := ledger.NewWriter(settings.MemoryDir())
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.orch = orchestrator.New(orchestrator.Options{
		Store:     store,
		Providers: rt.buildProviders(),
		Tools:     tools.NewRegistry(),
		Metrics:   metrics,
		Ledger:    led,
		Mirror:    rt.mirror,
		RunnerConfig: runner.Config{
			Model:          settings.Model.ID,
			SystemPrompt:   settings.Model.SystemPrompt,
			MaxTokens:      settings.Model.MaxTokens,
			MaxTurns:       settings.Model.MaxTurns,
			Thinking:       settings.Model.Thinking,
			ThinkingBudget: settings.Model.ThinkingBudget,
		},
		Workspace:    settings.Workspace,
		HookTimeout:  settings.Hooks.DefaultTimeout(),
		DrainTimeout: settings.Hooks.DrainTimeout(),
		Logger:       logger,
	})
	rt.orch.SetWorktrees(worktree.NewCoordinator(
		settings.Worktrees.CoordinatorConfig(), worktree.ExecGit{}, rt.orch, logger))
	return rt, nil
}

// buildProviders registers every provider with usable credentials. API keys
// from the environment win over stored OAuth tokens.
func (rt *runtime) buildProviders() *provider.Dispatcher {
	dispatcher := provider.NewDispatcher()
	retry := func(p provider.Provider) provider.Provider {
		return provider.WithRetry(p, rt.settings.Retry.Policy(), rt.settings.Retry.MaxRetries)
	}

	if creds, tokens := rt.anthropicCredentials(); creds != nil {
		p, err := provider.NewAnthropic(provider.AnthropicConfig{
			Credentials:  *creds,
			DefaultModel: rt.settings.Model.ID,
			MaxTokens:    rt.settings.Model.MaxTokens,
			Tokens:       tokens,
		})
		if err != nil {
			rt.logger.Warn("anthropic provider unavailable", "error", err)
		} else {
			wrapped := retry(p)
			dispatcher.Register("claude-", wrapped)
			dispatcher.SetFallback(wrapped)
			rt.providers++
		}
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p, err := provider.NewOpenAI(provider.OpenAIConfig{
			Credentials: provider.Credentials{APIKey: key},
		})
		if err != nil {
			rt.logger.Warn("openai provider unavailable", "error", err)
		} else {
			wrapped := retry(p)
			dispatcher.Register("gpt-", wrapped)
			dispatcher.Register("o1", wrapped)
			dispatcher.Register("o3", wrapped)
			rt.providers++
		}
	}
	return dispatcher
}

// anthropicCredentials prefers ANTHROPIC_API_KEY, then a stored OAuth token
// with transparent refresh.
func (rt *runtime) anthropicCredentials() (*provider.Credentials, *provider.TokenSource) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return &provider.Credentials{APIKey: key}, nil
	}
	tok, err := rt.auth.Load("anthropic")
	if err != nil {
		return nil, nil
	}
	refresh := provider.OAuth2Refresh(&oauth2.Config{
		ClientID: os.Getenv("ANTHROPIC_OAUTH_CLIENT_ID"),
		Endpoint: oauth2.Endpoint{TokenURL: anthropicTokenURL},
	})
	source := provider.NewTokenSource(tok, refresh, rt.auth.PersistFunc("anthropic"), rt.settings.OAuth.ExpiryBuffer())
	return &provider.Credentials{OAuth: tok}, source
}

// embeddingService builds the cached embedding service, or nil without a key.
func (rt *runtime) embeddingService() embeddings.Service {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil
	}
	cfg := rt.settings.Embeddings
	var svc embeddings.Service = embeddings.NewOpenAIService(key, cfg.ModelID, cfg.Dimensions)
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(rt.settings.DataDir, "embeddings")
	}
	cached, err := embeddings.WithCache(svc, cacheDir)
	if err != nil {
		rt.logger.Warn("embedding cache unavailable", "error", err)
		return svc
	}
	return cached
}

// Close releases the runtime in reverse assembly order.
func (rt *runtime) Close() {
	if rt.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		rt.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if rt.mirror != nil {
		rt.mirror.Close()
	}
	if rt.sqlite != nil {
		rt.sqlite.Close()
	}
}

// =============================================================================
// Run Handler
// =============================================================================

func runRun(cmd *cobra.Command, configPath, sessionID, model, reasoning string, endAfter bool, prompt string) error {
	rt, err := buildRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.providers == 0 {
		return fmt.Errorf("no provider configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY, or store a token with 'chronicled auth set'")
	}

	// Ctrl-C cancels the run; the runner persists the partial turn before
	// the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var active *orchestrator.ActiveSession
	if sessionID == "" {
		wd, _ := os.Getwd()
		active, err = rt.orch.CreateSession(ctx, orchestrator.CreateOptions{WorkingDirectory: wd})
	} else {
		active, err = rt.orch.Resume(ctx, sessionID)
	}
	if err != nil {
		return err
	}
	id := active.ID()

	stream, unsubscribe, err := rt.orch.Subscribe(id)
	if err != nil {
		return err
	}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range stream {
			renderEphemeral(cmd, ev)
		}
	}()

	res, runErr := rt.orch.Submit(ctx, id, runner.Request{
		Prompt:         prompt,
		Model:          model,
		ReasoningLevel: reasoning,
	})
	unsubscribe()
	<-drained
	fmt.Fprintln(cmd.OutOrStdout())

	// Settle the session even when the run failed, so the chain is flushed.
	settleCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if endAfter {
		if err := rt.orch.EndSession(settleCtx, id); err != nil {
			rt.logger.Warn("end session failed", "session_id", id, "error", err)
		}
	} else {
		if err := rt.orch.Detach(settleCtx, id); err != nil {
			rt.logger.Warn("detach failed", "session_id", id, "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	if res.Blocked {
		fmt.Fprintf(cmd.OutOrStdout(), "prompt blocked: %s\n", res.BlockReason)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session: %s (stop: %s, turns: %d)\n", id, res.StopReason, res.Turns)
	return nil
}

// renderEphemeral prints streamed progress. Text goes to stdout; everything
// else is advisory and goes to stderr.
func renderEphemeral(cmd *cobra.Command, ev *events.Ephemeral) {
	switch ev.Type {
	case events.EphemeralTextDelta:
		fmt.Fprint(cmd.OutOrStdout(), ev.Text)
	case events.EphemeralToolExecStart:
		fmt.Fprintf(cmd.ErrOrStderr(), "\n[running %s]\n", ev.ToolName)
	case events.EphemeralRetry:
		fmt.Fprintf(cmd.ErrOrStderr(), "[provider retry: %s]\n", ev.Error)
	case events.EphemeralErrorPersistence:
		fmt.Fprintf(cmd.ErrOrStderr(), "[persistence error: %s]\n", ev.Error)
	}
}

// =============================================================================
// Sessions Handlers
// =============================================================================

// openStore opens the event store read-only style, without providers or the
// orchestrator, for inspection commands.
func openStore(configPath string) (*config.Settings, *eventstore.SQLiteStore, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := eventstore.NewSQLiteStore(eventstore.SQLiteConfig{
		Path:    settings.DatabasePath(),
		BlobDir: filepath.Join(settings.DataDir, "blobs"),
	}, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	return settings, store, nil
}

func runSessionsList(cmd *cobra.Command, configPath, workspace string, limit int) error {
	_, store, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(cmd.Context(), workspace, limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKSPACE\tMODEL\tLAST ACTIVITY\tSTATE")
	for _, s := range sessions {
		state := "open"
		if s.Ended() {
			state = "ended"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.WorkspaceID, s.LatestModel,
			s.LastActivityAt.Format(time.RFC3339), state)
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, configPath, sessionID string) error {
	_, store, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := cmd.Context()

	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	chain, err := store.GetAncestors(ctx, sess.HeadEventID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	for _, ev := range chain {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			ev.Sequence, ev.Timestamp.Format("15:04:05"), ev.Type, eventSummary(ev))
	}
	return w.Flush()
}

// eventSummary renders a one-line digest of an event's payload.
func eventSummary(ev *events.Event) string {
	switch ev.Type {
	case events.TypeMessageUser:
		var p events.MessageUserPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			return truncate(firstText(p.Content), 72)
		}
	case events.TypeMessageAssistant:
		var p events.MessageAssistantPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			return truncate(firstText(p.Content), 72)
		}
	case events.TypeToolCall:
		var p events.ToolCallPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			return p.Name
		}
	case events.TypeTurnEnd:
		var p events.TurnEndPayload
		if json.Unmarshal(ev.Payload, &p) == nil && p.TokenRecord != nil {
			return fmt.Sprintf("context %d tokens", p.TokenRecord.Computed.ContextWindowTokens)
		}
	}
	return ""
}

func firstText(blocks []events.ContentBlock) string {
	for _, b := range blocks {
		if b.Type == events.BlockText && b.Text != "" {
			return b.Text
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func runSessionsEnd(cmd *cobra.Command, configPath, sessionID string) error {
	rt, err := buildRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := cmd.Context()

	if _, err := rt.orch.Resume(ctx, sessionID); err != nil {
		return err
	}
	if err := rt.orch.EndSession(ctx, sessionID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s ended\n", sessionID)
	return nil
}

// =============================================================================
// Search Handler
// =============================================================================

func runSearch(cmd *cobra.Command, configPath, workspace, query string, limit int) error {
	settings, store, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := cmd.Context()

	if !settings.Embeddings.Enabled {
		return fmt.Errorf("embeddings are disabled in the configuration")
	}
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return fmt.Errorf("OPENAI_API_KEY is required for search")
	}
	svc := embeddings.NewOpenAIService(key, settings.Embeddings.ModelID, settings.Embeddings.Dimensions)

	vec, err := svc.Embed(ctx, query)
	if err != nil {
		return err
	}
	if workspace == "" {
		workspace = settings.Workspace
	}
	hits, err := store.Search(ctx, workspace, vec, limit)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no matches")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	for _, hit := range hits {
		summary := ""
		if ev, err := store.GetEvent(ctx, hit.EventID); err == nil {
			summary = eventSummary(ev)
		}
		fmt.Fprintf(w, "%.3f\t%s\t%s\n", hit.Score, hit.EventID, summary)
	}
	return w.Flush()
}

// =============================================================================
// Auth Handlers
// =============================================================================

func authStore(configPath string) (*auth.Store, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return auth.NewStore(settings.AuthDir())
}

func validProvider(name string) bool {
	for _, p := range knownProviders {
		if p == name {
			return true
		}
	}
	return false
}

func runAuthSet(cmd *cobra.Command, configPath, providerName, accessToken, refreshToken string, expiresIn int) error {
	if !validProvider(providerName) {
		return fmt.Errorf("unknown provider %q", providerName)
	}
	store, err := authStore(configPath)
	if err != nil {
		return err
	}
	tok := &provider.OAuthToken{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	if err := store.Save(providerName, tok); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %s token (expires %s)\n",
		providerName, tok.ExpiresAt.Format(time.RFC3339))
	return nil
}

func runAuthStatus(cmd *cobra.Command, configPath string) error {
	store, err := authStore(configPath)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tCREDENTIAL\tEXPIRES")
	for _, name := range knownProviders {
		envKey := map[string]string{
			"anthropic": "ANTHROPIC_API_KEY",
			"openai":    "OPENAI_API_KEY",
		}[name]
		switch {
		case os.Getenv(envKey) != "":
			fmt.Fprintf(w, "%s\tapi key (env)\t-\n", name)
		default:
			tok, err := store.Load(name)
			if err != nil {
				fmt.Fprintf(w, "%s\tnone\t-\n", name)
				continue
			}
			fmt.Fprintf(w, "%s\toauth token\t%s\n", name, tok.ExpiresAt.Format(time.RFC3339))
		}
	}
	return w.Flush()
}

func runAuthClear(cmd *cobra.Command, configPath, providerName string) error {
	if !validProvider(providerName) {
		return fmt.Errorf("unknown provider %q", providerName)
	}
	store, err := authStore(configPath)
	if err != nil {
		return err
	}
	if err := store.Delete(providerName); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleared %s credentials\n", providerName)
	return nil
}
