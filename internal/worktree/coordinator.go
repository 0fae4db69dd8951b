// Package worktree arbitrates the mapping between sessions and working
// directories. Isolated sessions get a dedicated git worktree and branch so
// parallel sessions never clobber each other's files.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/chroniclehq/chronicle/internal/events"
)

// ErrMergeConflict is returned when a release merge would conflict. The
// target branch is left untouched; the conflict text is attached.
var ErrMergeConflict = errors.New("worktree: merge conflict")

// Mode selects the isolation policy.
type Mode string

const (
	ModeNever  Mode = "never"
	ModeLazy   Mode = "lazy"
	ModeAlways Mode = "always"
)

// Strategy selects how a session branch lands on the target at release.
type Strategy string

const (
	StrategyMerge  Strategy = "merge"
	StrategyRebase Strategy = "rebase"
	StrategySquash Strategy = "squash"
)

// worktreesDir is the subdirectory of the repository that holds per-session
// worktrees.
const worktreesDir = ".worktrees"

// Config holds the coordinator policy knobs.
type Config struct {
	Mode                    Mode
	BranchPrefix            string
	AutoCommitOnRelease     bool
	PreserveBranches        bool
	DeleteWorktreeOnRelease bool
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeLazy,
		BranchPrefix:            "session/",
		AutoCommitOnRelease:     true,
		DeleteWorktreeOnRelease: true,
	}
}

// WorkingDirectory is a lease on a directory. Exactly one session owns a
// path at a time.
type WorkingDirectory struct {
	SessionID  string
	Path       string
	Branch     string
	Isolated   bool
	BaseCommit string
	ForkedFrom *events.ForkRef
}

// AcquireOptions control isolation and fork behavior for one acquire.
type AcquireOptions struct {
	ForceIsolation  bool
	ParentSessionID string
	ParentCommit    string
}

// ReleaseOptions control commit and merge behavior for one release.
type ReleaseOptions struct {
	CommitMessage string
	MergeTo       string
	Strategy      Strategy
}

// Appender receives the coordinator's durable events. Emission is
// best-effort; a nil appender disables it.
type Appender interface {
	Append(ctx context.Context, sessionID string, typ events.Type, payload []byte) error
}

// Coordinator owns the lease map and drives git through the executor.
type Coordinator struct {
	cfg      Config
	git      GitExecutor
	appender Appender
	logger   *slog.Logger

	mu     sync.Mutex
	leases map[string]*WorkingDirectory // sessionID -> lease
	owners map[string]string            // absolute path -> sessionID
}

// NewCoordinator creates a coordinator. appender may be nil.
func NewCoordinator(cfg Config, git GitExecutor, appender Appender, logger *slog.Logger) *Coordinator {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "session/"
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeLazy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		git:      git,
		appender: appender,
		logger:   logger.With("component", "worktree"),
		leases:   map[string]*WorkingDirectory{},
		owners:   map[string]string{},
	}
}

// Lease returns the session's current lease, if any.
func (c *Coordinator) Lease(sessionID string) (*WorkingDirectory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wd, ok := c.leases[sessionID]
	return wd, ok
}

// ActiveLeases returns the session ids holding leases.
func (c *Coordinator) ActiveLeases() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.leases))
	for id := range c.leases {
		out = append(out, id)
	}
	return out
}

// Acquire leases a working directory for the session. Non-repositories get
// a non-isolated lease. Isolated sessions get a worktree under
// <repo>/.worktrees/<sessionID> on branch <prefix><sessionID>.
func (c *Coordinator) Acquire(ctx context.Context, sessionID, workingDir string, opts AcquireOptions) (*WorkingDirectory, error) {
	c.mu.Lock()
	if wd, ok := c.leases[sessionID]; ok {
		c.mu.Unlock()
		return wd, nil
	}
	mainOwner := c.owners[workingDir]
	c.mu.Unlock()

	if !isGitRepo(ctx, c.git, workingDir) {
		wd := &WorkingDirectory{SessionID: sessionID, Path: workingDir}
		c.store(wd)
		return wd, nil
	}

	if !c.shouldIsolate(opts, mainOwner, sessionID) {
		if wd, ok := c.claimShared(sessionID, workingDir); ok {
			return wd, nil
		}
		// Lost the race for the main checkout; isolate instead.
	}

	base, forkedFrom, err := c.resolveBase(ctx, workingDir, opts)
	if err != nil {
		return nil, err
	}

	branch := c.cfg.BranchPrefix + sessionID
	path := filepath.Join(workingDir, worktreesDir, sessionID)
	if _, err := c.git.Run(ctx, workingDir, "worktree", "add", "-b", branch, path, base); err != nil {
		return nil, fmt.Errorf("worktree: add failed: %w", err)
	}

	wd := &WorkingDirectory{
		SessionID:  sessionID,
		Path:       path,
		Branch:     branch,
		Isolated:   true,
		BaseCommit: base,
		ForkedFrom: forkedFrom,
	}
	c.store(wd)

	c.append(ctx, sessionID, events.TypeWorktreeAcquired, events.WorktreeAcquiredPayload{
		Path:       path,
		Branch:     branch,
		Isolated:   true,
		BaseCommit: base,
		ForkedFrom: forkedFrom,
	})
	return wd, nil
}

// shouldIsolate applies the policy. Forks always isolate.
func (c *Coordinator) shouldIsolate(opts AcquireOptions, mainOwner, sessionID string) bool {
	if c.cfg.Mode == ModeAlways || opts.ForceIsolation || opts.ParentSessionID != "" {
		return true
	}
	return c.cfg.Mode == ModeLazy && mainOwner != "" && mainOwner != sessionID
}

// resolveBase picks the branch point: opts.ParentCommit, else the parent
// session's current HEAD, else the main HEAD.
func (c *Coordinator) resolveBase(ctx context.Context, workingDir string, opts AcquireOptions) (string, *events.ForkRef, error) {
	if opts.ParentCommit != "" {
		ref := forkRef(opts.ParentSessionID, opts.ParentCommit)
		return opts.ParentCommit, ref, nil
	}
	if opts.ParentSessionID != "" {
		if parent, ok := c.Lease(opts.ParentSessionID); ok {
			head, err := headCommit(ctx, c.git, parent.Path)
			if err != nil {
				return "", nil, fmt.Errorf("worktree: parent head: %w", err)
			}
			return head, forkRef(opts.ParentSessionID, head), nil
		}
	}
	head, err := headCommit(ctx, c.git, workingDir)
	if err != nil {
		return "", nil, fmt.Errorf("worktree: main head: %w", err)
	}
	var ref *events.ForkRef
	if opts.ParentSessionID != "" {
		ref = forkRef(opts.ParentSessionID, head)
	}
	return head, ref, nil
}

func forkRef(sessionID, commit string) *events.ForkRef {
	if sessionID == "" {
		return nil
	}
	return &events.ForkRef{SessionID: sessionID, Commit: commit}
}

// Release ends a lease. Isolated releases optionally auto-commit, merge to a
// target branch, and remove the worktree. A vanished directory releases the
// lease and prunes stale git references only.
func (c *Coordinator) Release(ctx context.Context, sessionID string, opts ReleaseOptions) error {
	c.mu.Lock()
	wd, ok := c.leases[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if !wd.Isolated {
		c.drop(wd)
		c.append(ctx, sessionID, events.TypeWorktreeReleased, events.WorktreeReleasedPayload{Path: wd.Path})
		return nil
	}

	repoDir := filepath.Dir(filepath.Dir(wd.Path))

	if _, err := os.Stat(wd.Path); os.IsNotExist(err) {
		c.logger.Warn("worktree directory vanished, pruning", "session_id", sessionID, "path", wd.Path)
		c.git.Run(ctx, repoDir, "worktree", "prune")
		c.drop(wd)
		c.append(ctx, sessionID, events.TypeWorktreeReleased, events.WorktreeReleasedPayload{Path: wd.Path, Vanished: true})
		return nil
	}

	if (c.cfg.AutoCommitOnRelease || opts.CommitMessage != "") && isDirty(ctx, c.git, wd.Path) {
		msg := opts.CommitMessage
		if msg == "" {
			msg = "session checkpoint"
		}
		if err := c.commitAll(ctx, wd, msg); err != nil {
			return err
		}
	}

	merged := false
	if opts.MergeTo != "" {
		if err := c.merge(ctx, repoDir, wd, opts); err != nil {
			return err
		}
		merged = true
	}

	if c.cfg.DeleteWorktreeOnRelease {
		if _, err := c.git.Run(ctx, repoDir, "worktree", "remove", "--force", wd.Path); err != nil {
			c.logger.Warn("worktree remove failed", "session_id", sessionID, "error", err)
		}
		if !c.cfg.PreserveBranches && merged {
			c.git.Run(ctx, repoDir, "branch", "-D", wd.Branch)
		}
	}

	c.drop(wd)
	c.append(ctx, sessionID, events.TypeWorktreeReleased, events.WorktreeReleasedPayload{Path: wd.Path, Merged: merged})
	return nil
}

func (c *Coordinator) commitAll(ctx context.Context, wd *WorkingDirectory, msg string) error {
	if _, err := c.git.Run(ctx, wd.Path, "add", "-A"); err != nil {
		return fmt.Errorf("worktree: stage: %w", err)
	}
	if _, err := c.git.Run(ctx, wd.Path, "commit", "-m", msg); err != nil {
		return fmt.Errorf("worktree: commit: %w", err)
	}
	commit, _ := headCommit(ctx, c.git, wd.Path)
	c.append(ctx, wd.SessionID, events.TypeWorktreeCommit, events.WorktreeCommitPayload{
		Branch: wd.Branch, Commit: commit, Message: msg,
	})
	return nil
}

// merge lands the session branch on the target. The conflict check is a
// dry run: on conflict the in-progress merge is aborted and the target is
// left exactly as it was.
func (c *Coordinator) merge(ctx context.Context, repoDir string, wd *WorkingDirectory, opts ReleaseOptions) error {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyMerge
	}

	if _, err := c.git.Run(ctx, repoDir, "checkout", opts.MergeTo); err != nil {
		return fmt.Errorf("worktree: checkout %s: %w", opts.MergeTo, err)
	}

	if strategy == StrategyRebase {
		if out, err := c.git.Run(ctx, wd.Path, "rebase", opts.MergeTo); err != nil {
			c.git.Run(ctx, wd.Path, "rebase", "--abort")
			return fmt.Errorf("%w: %s", ErrMergeConflict, out)
		}
		if _, err := c.git.Run(ctx, repoDir, "merge", "--ff-only", wd.Branch); err != nil {
			return fmt.Errorf("worktree: fast-forward after rebase: %w", err)
		}
	} else {
		mergeArgs := []string{"merge", "--no-commit", "--no-ff", wd.Branch}
		if strategy == StrategySquash {
			mergeArgs = []string{"merge", "--squash", wd.Branch}
		}
		if out, err := c.git.Run(ctx, repoDir, mergeArgs...); err != nil {
			if strategy == StrategySquash {
				// A conflicted squash leaves no MERGE_HEAD, so
				// merge --abort would refuse to clean up.
				c.git.Run(ctx, repoDir, "reset", "--merge")
			} else {
				c.git.Run(ctx, repoDir, "merge", "--abort")
			}
			return fmt.Errorf("%w: %s", ErrMergeConflict, out)
		}
		msg := fmt.Sprintf("merge %s", wd.Branch)
		if _, err := c.git.Run(ctx, repoDir, "commit", "-m", msg); err != nil {
			return fmt.Errorf("worktree: merge commit: %w", err)
		}
	}

	commit, _ := headCommit(ctx, c.git, repoDir)
	c.append(ctx, wd.SessionID, events.TypeWorktreeMerged, events.WorktreeMergedPayload{
		Branch: wd.Branch, Target: opts.MergeTo, Strategy: string(strategy), Commit: commit,
	})
	return nil
}

// RecoverOrphanedWorktrees scans <repo>/.worktrees for directories not owned
// by any active session, commits dirty trees, and removes them when policy
// allows. Event emission is best-effort by design of the recovery path.
func (c *Coordinator) RecoverOrphanedWorktrees(ctx context.Context, repoDir string, activeSessionIDs map[string]bool) error {
	entries, err := os.ReadDir(filepath.Join(repoDir, worktreesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessionID := entry.Name()
		if activeSessionIDs[sessionID] {
			continue
		}
		if _, held := c.Lease(sessionID); held {
			continue
		}

		path := filepath.Join(repoDir, worktreesDir, sessionID)
		c.logger.Info("recovering orphaned worktree", "session_id", sessionID, "path", path)

		if isDirty(ctx, c.git, path) {
			c.git.Run(ctx, path, "add", "-A")
			c.git.Run(ctx, path, "commit", "-m", "orphaned worktree checkpoint")
		}
		if c.cfg.DeleteWorktreeOnRelease {
			if _, err := c.git.Run(ctx, repoDir, "worktree", "remove", "--force", path); err != nil {
				c.logger.Warn("orphan removal failed", "session_id", sessionID, "error", err)
			}
		}
	}
	c.git.Run(ctx, repoDir, "worktree", "prune")
	return nil
}

// claimShared takes the non-isolated lease, re-checking ownership under
// the lock. The owner snapshot in Acquire is taken before the git checks
// run, so two lazy-mode sessions racing for the same checkout could both
// see it unowned; the loser backs off here and gets a worktree.
func (c *Coordinator) claimShared(sessionID, workingDir string) (*WorkingDirectory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner := c.owners[workingDir]
	if c.cfg.Mode == ModeLazy && owner != "" && owner != sessionID {
		return nil, false
	}
	wd := &WorkingDirectory{SessionID: sessionID, Path: workingDir}
	c.leases[sessionID] = wd
	c.owners[workingDir] = sessionID
	return wd, true
}

func (c *Coordinator) store(wd *WorkingDirectory) {
	c.mu.Lock()
	c.leases[wd.SessionID] = wd
	c.owners[wd.Path] = wd.SessionID
	c.mu.Unlock()
}

func (c *Coordinator) drop(wd *WorkingDirectory) {
	c.mu.Lock()
	delete(c.leases, wd.SessionID)
	if c.owners[wd.Path] == wd.SessionID {
		delete(c.owners, wd.Path)
	}
	c.mu.Unlock()
}

func (c *Coordinator) append(ctx context.Context, sessionID string, typ events.Type, payload any) {
	if c.appender == nil {
		return
	}
	if err := c.appender.Append(ctx, sessionID, typ, events.MarshalPayload(payload)); err != nil {
		c.logger.Warn("worktree event append failed", "type", typ, "error", err)
	}
}
