// Package config loads the runtime settings file. Unknown keys are rejected
// so typos fail loudly instead of silently running with defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chroniclehq/chronicle/internal/backoff"
	"github.com/chroniclehq/chronicle/internal/worktree"
)

// Settings is the root of the configuration file.
type Settings struct {
	// DataDir roots all runtime state: the event database, mirrors, auth
	// tokens, and the memory ledger.
	DataDir string `yaml:"dataDir"`

	// Workspace is the default workspace id for new sessions.
	Workspace string `yaml:"workspace"`

	Model      ModelSettings      `yaml:"model"`
	Retry      RetrySettings      `yaml:"retry"`
	Hooks      HookSettings       `yaml:"hooks"`
	Worktrees  WorktreeSettings   `yaml:"worktrees"`
	Embeddings EmbeddingsSettings `yaml:"embeddings"`
	OAuth      OAuthSettings      `yaml:"oauth"`
	Metrics    MetricsSettings    `yaml:"metrics"`
}

// ModelSettings selects the default model and generation limits.
type ModelSettings struct {
	ID             string `yaml:"id"`
	MaxTokens      int    `yaml:"maxTokens"`
	SystemPrompt   string `yaml:"systemPrompt"`
	Thinking       bool   `yaml:"thinking"`
	ThinkingBudget int    `yaml:"thinkingBudget"`
	MaxTurns       int    `yaml:"maxTurns"`
}

// RetrySettings shape the provider retry policy.
type RetrySettings struct {
	MaxRetries   int     `yaml:"maxRetries"`
	BaseDelayMs  int     `yaml:"baseDelayMs"`
	MaxDelayMs   int     `yaml:"maxDelayMs"`
	JitterFactor float64 `yaml:"jitterFactor"`
}

// Policy converts the settings into a backoff policy.
func (r RetrySettings) Policy() backoff.Policy {
	return backoff.Policy{
		Base:   time.Duration(r.BaseDelayMs) * time.Millisecond,
		Max:    time.Duration(r.MaxDelayMs) * time.Millisecond,
		Factor: 2,
		Jitter: r.JitterFactor,
	}
}

// HookSettings shape the hook engine.
type HookSettings struct {
	DefaultTimeoutMs int `yaml:"defaultTimeoutMs"`

	// DrainTimeoutMs bounds the wait for background hooks at session end.
	DrainTimeoutMs int `yaml:"drainTimeoutMs"`
}

// DefaultTimeout returns the per-hook timeout.
func (h HookSettings) DefaultTimeout() time.Duration {
	return time.Duration(h.DefaultTimeoutMs) * time.Millisecond
}

// DrainTimeout returns the session-end drain bound.
func (h HookSettings) DrainTimeout() time.Duration {
	return time.Duration(h.DrainTimeoutMs) * time.Millisecond
}

// WorktreeSettings shape the worktree coordinator.
type WorktreeSettings struct {
	IsolationMode           string `yaml:"isolationMode"` // never | lazy | always
	BranchPrefix            string `yaml:"branchPrefix"`
	AutoCommitOnRelease     bool   `yaml:"autoCommitOnRelease"`
	PreserveBranches        bool   `yaml:"preserveBranches"`
	DeleteWorktreeOnRelease bool   `yaml:"deleteWorktreeOnRelease"`
}

// CoordinatorConfig converts the settings into the coordinator's config.
func (w WorktreeSettings) CoordinatorConfig() worktree.Config {
	return worktree.Config{
		Mode:                    worktree.Mode(w.IsolationMode),
		BranchPrefix:            w.BranchPrefix,
		AutoCommitOnRelease:     w.AutoCommitOnRelease,
		PreserveBranches:        w.PreserveBranches,
		DeleteWorktreeOnRelease: w.DeleteWorktreeOnRelease,
	}
}

// EmbeddingsSettings control the optional vector index feed.
type EmbeddingsSettings struct {
	Enabled    bool   `yaml:"enabled"`
	ModelID    string `yaml:"modelId"`
	Dimensions int    `yaml:"dimensions"`
	CacheDir   string `yaml:"cacheDir"`
}

// OAuthSettings shape token refresh.
type OAuthSettings struct {
	TokenExpiryBufferSeconds int `yaml:"tokenExpiryBufferSeconds"`
}

// ExpiryBuffer returns the refresh-ahead window.
func (o OAuthSettings) ExpiryBuffer() time.Duration {
	return time.Duration(o.TokenExpiryBufferSeconds) * time.Second
}

// MetricsSettings control the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns the settings used when no file is present.
func Default() *Settings {
	home, _ := os.UserHomeDir()
	return &Settings{
		DataDir:   filepath.Join(home, ".chronicle"),
		Workspace: "default",
		Model: ModelSettings{
			ID:        "claude-sonnet-4-20250514",
			MaxTokens: 8192,
			MaxTurns:  50,
		},
		Retry: RetrySettings{
			MaxRetries:   3,
			BaseDelayMs:  500,
			MaxDelayMs:   30000,
			JitterFactor: 0.1,
		},
		Hooks: HookSettings{
			DefaultTimeoutMs: 30000,
			DrainTimeoutMs:   10000,
		},
		Worktrees: WorktreeSettings{
			IsolationMode:           string(worktree.ModeLazy),
			BranchPrefix:            "session/",
			AutoCommitOnRelease:     true,
			DeleteWorktreeOnRelease: true,
		},
		Embeddings: EmbeddingsSettings{
			ModelID:    "text-embedding-3-small",
			Dimensions: 1536,
		},
		OAuth: OAuthSettings{
			TokenExpiryBufferSeconds: 300,
		},
		Metrics: MetricsSettings{
			Listen: "127.0.0.1:9464",
		},
	}
}

// Load reads settings from path, layered over the defaults. A missing file
// is not an error.
func Load(path string) (*Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	switch worktree.Mode(s.Worktrees.IsolationMode) {
	case worktree.ModeNever, worktree.ModeLazy, worktree.ModeAlways:
	default:
		return fmt.Errorf("config: unknown isolationMode %q", s.Worktrees.IsolationMode)
	}
	if s.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: maxRetries must not be negative")
	}
	if s.Retry.JitterFactor < 0 || s.Retry.JitterFactor > 1 {
		return fmt.Errorf("config: jitterFactor must be within [0, 1]")
	}
	if s.Model.MaxTokens <= 0 {
		return fmt.Errorf("config: model maxTokens must be positive")
	}
	return nil
}

// SessionsDir returns the JSONL mirror directory.
func (s *Settings) SessionsDir() string { return filepath.Join(s.DataDir, "sessions") }

// AuthDir returns the credential directory.
func (s *Settings) AuthDir() string { return filepath.Join(s.DataDir, "auth") }

// MemoryDir returns the continuity ledger directory.
func (s *Settings) MemoryDir() string { return filepath.Join(s.DataDir, "memory") }

// DatabasePath returns the SQLite event log path.
func (s *Settings) DatabasePath() string { return filepath.Join(s.DataDir, "events.db") }
