package worktree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/chroniclehq/chronicle/internal/events"
)

// fakeGit scripts git responses. Keys are matched as prefixes against the
// joined argument string; unmatched commands succeed with empty output.
type fakeGit struct {
	mu       sync.Mutex
	calls    []string
	respond  map[string]string
	failWith map[string]string // prefix -> error output
	onCall   func(joined string)
}

func newFakeGit() *fakeGit {
	return &fakeGit{respond: map[string]string{}, failWith: map[string]string{}}
}

func (f *fakeGit) Run(_ context.Context, dir string, args ...string) (string, error) {
	joined := strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, joined)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(joined)
	}
	for prefix, out := range f.failWith {
		if strings.HasPrefix(joined, prefix) {
			return out, fmt.Errorf("git %s failed", joined)
		}
	}
	for prefix, out := range f.respond {
		if strings.HasPrefix(joined, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeGit) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}

// memAppender collects coordinator events per session.
type memAppender struct {
	mu  sync.Mutex
	evs []appended
}

type appended struct {
	sessionID string
	typ       events.Type
	payload   []byte
}

func (a *memAppender) Append(_ context.Context, sessionID string, typ events.Type, payload []byte) error {
	a.mu.Lock()
	a.evs = append(a.evs, appended{sessionID, typ, payload})
	a.mu.Unlock()
	return nil
}

func (a *memAppender) last(typ events.Type) (appended, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.evs) - 1; i >= 0; i-- {
		if a.evs[i].typ == typ {
			return a.evs[i], true
		}
	}
	return appended{}, false
}

func repoGit() *fakeGit {
	g := newFakeGit()
	g.respond["rev-parse --is-inside-work-tree"] = "true"
	g.respond["rev-parse HEAD"] = "commit-X"
	return g
}

func TestNonRepoGetsPlainLease(t *testing.T) {
	g := newFakeGit()
	g.failWith["rev-parse --is-inside-work-tree"] = "not a git repository"
	c := NewCoordinator(DefaultConfig(), g, nil, nil)

	wd, err := c.Acquire(context.Background(), "s1", "/tmp/plain", AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if wd.Isolated || wd.Path != "/tmp/plain" {
		t.Errorf("lease = %+v, want non-isolated main dir", wd)
	}
}

// Fork: the child branches from the parent session's current commit, on
// branch session/<child>, under .worktrees/<child>, and the acquired event
// carries forkedFrom.
func TestForkFromParentSession(t *testing.T) {
	g := repoGit()
	a := &memAppender{}
	c := NewCoordinator(DefaultConfig(), g, a, nil)
	ctx := context.Background()

	if _, err := c.Acquire(ctx, "parent", "/repo", AcquireOptions{}); err != nil {
		t.Fatalf("acquire parent: %v", err)
	}
	child, err := c.Acquire(ctx, "child", "/repo", AcquireOptions{ParentSessionID: "parent"})
	if err != nil {
		t.Fatalf("acquire child: %v", err)
	}

	if !child.Isolated {
		t.Error("fork not isolated")
	}
	if child.Branch != "session/child" {
		t.Errorf("branch = %q", child.Branch)
	}
	if want := filepath.Join("/repo", ".worktrees", "child"); child.Path != want {
		t.Errorf("path = %q, want %q", child.Path, want)
	}
	if child.BaseCommit != "commit-X" {
		t.Errorf("base = %q, want commit-X", child.BaseCommit)
	}

	ev, ok := a.last(events.TypeWorktreeAcquired)
	if !ok {
		t.Fatal("no worktree.acquired event")
	}
	var payload events.WorktreeAcquiredPayload
	if err := json.Unmarshal(ev.payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !payload.Isolated {
		t.Error("payload not isolated")
	}
	if payload.ForkedFrom == nil || payload.ForkedFrom.SessionID != "parent" || payload.ForkedFrom.Commit != "commit-X" {
		t.Errorf("forkedFrom = %+v", payload.ForkedFrom)
	}
}

func TestLazyIsolatesSecondSession(t *testing.T) {
	g := repoGit()
	cfg := DefaultConfig()
	cfg.Mode = ModeLazy
	c := NewCoordinator(cfg, g, nil, nil)
	ctx := context.Background()

	first, _ := c.Acquire(ctx, "first", "/repo", AcquireOptions{})
	if first.Isolated {
		t.Error("first session should own the main directory")
	}
	second, err := c.Acquire(ctx, "second", "/repo", AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire second: %v", err)
	}
	if !second.Isolated {
		t.Error("second session should be isolated in lazy mode")
	}
}

// Two lazy-mode sessions racing for the same checkout must not both land
// on it. The barrier holds both acquires at the repository check so each
// snapshots an unowned directory before either claims it.
func TestConcurrentLazyAcquiresNeverShare(t *testing.T) {
	g := repoGit()
	var gate sync.WaitGroup
	gate.Add(2)
	g.onCall = func(call string) {
		if strings.HasPrefix(call, "rev-parse --is-inside-work-tree") {
			gate.Done()
			gate.Wait()
		}
	}

	cfg := DefaultConfig()
	cfg.Mode = ModeLazy
	c := NewCoordinator(cfg, g, nil, nil)

	var wg sync.WaitGroup
	results := make([]*WorkingDirectory, 2)
	for i, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			wd, err := c.Acquire(context.Background(), id, "/repo", AcquireOptions{})
			if err != nil {
				t.Errorf("acquire %s: %v", id, err)
				return
			}
			results[i] = wd
		}(i, id)
	}
	wg.Wait()

	if results[0] == nil || results[1] == nil {
		t.Fatal("missing lease")
	}
	shared := 0
	for _, wd := range results {
		if !wd.Isolated {
			shared++
		}
	}
	if shared != 1 {
		t.Fatalf("non-isolated leases = %d, want exactly 1", shared)
	}
	if results[0].Path == results[1].Path {
		t.Errorf("both sessions landed on %s", results[0].Path)
	}
}

func TestAlwaysModeIsolates(t *testing.T) {
	g := repoGit()
	cfg := DefaultConfig()
	cfg.Mode = ModeAlways
	c := NewCoordinator(cfg, g, nil, nil)

	wd, err := c.Acquire(context.Background(), "only", "/repo", AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !wd.Isolated {
		t.Error("always mode did not isolate")
	}
}

func TestAcquireIsIdempotentPerSession(t *testing.T) {
	g := repoGit()
	c := NewCoordinator(DefaultConfig(), g, nil, nil)
	ctx := context.Background()

	a, _ := c.Acquire(ctx, "s", "/repo", AcquireOptions{ForceIsolation: true})
	b, _ := c.Acquire(ctx, "s", "/repo", AcquireOptions{})
	if a != b {
		t.Error("second acquire returned a different lease")
	}
}

func TestReleaseMergeConflictLeavesTargetAlone(t *testing.T) {
	dir := t.TempDir()
	wt := filepath.Join(dir, ".worktrees", "s")
	os.MkdirAll(wt, 0o755)

	g := repoGit()
	g.failWith["merge --no-commit"] = "CONFLICT (content): Merge conflict in main.go"
	c := NewCoordinator(DefaultConfig(), g, nil, nil)
	ctx := context.Background()

	if _, err := c.Acquire(ctx, "s", dir, AcquireOptions{ForceIsolation: true}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	err := c.Release(ctx, "s", ReleaseOptions{MergeTo: "main", Strategy: StrategyMerge})
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("err = %v, want ErrMergeConflict", err)
	}
	if !strings.Contains(err.Error(), "CONFLICT") {
		t.Errorf("conflict text missing from %v", err)
	}
	if !g.called("merge --abort") {
		t.Error("conflicted merge was not aborted")
	}
	// The lease survives a failed release.
	if _, held := c.Lease("s"); !held {
		t.Error("lease dropped despite failed merge")
	}
}

// A conflicted squash leaves no MERGE_HEAD behind, so cleanup has to reset
// the target instead of aborting a merge that git does not consider in
// progress.
func TestSquashConflictResetsTarget(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, ".worktrees", "s"), 0o755)

	g := repoGit()
	g.failWith["merge --squash"] = "CONFLICT (content): Merge conflict in main.go"
	c := NewCoordinator(DefaultConfig(), g, nil, nil)
	ctx := context.Background()

	if _, err := c.Acquire(ctx, "s", dir, AcquireOptions{ForceIsolation: true}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	err := c.Release(ctx, "s", ReleaseOptions{MergeTo: "main", Strategy: StrategySquash})
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("err = %v, want ErrMergeConflict", err)
	}
	if g.called("merge --abort") {
		t.Error("squash conflict triggered merge --abort")
	}
	if !g.called("reset --merge") {
		t.Error("conflicted squash did not reset the target")
	}
}

func TestReleaseAutoCommitAndRemove(t *testing.T) {
	dir := t.TempDir()
	wt := filepath.Join(dir, ".worktrees", "s")
	os.MkdirAll(wt, 0o755)

	g := repoGit()
	g.respond["status --porcelain"] = "M main.go"
	a := &memAppender{}
	c := NewCoordinator(DefaultConfig(), g, a, nil)
	ctx := context.Background()

	c.Acquire(ctx, "s", dir, AcquireOptions{ForceIsolation: true})
	if err := c.Release(ctx, "s", ReleaseOptions{CommitMessage: "wrap up"}); err != nil {
		t.Fatalf("release: %v", err)
	}

	if !g.called("commit -m wrap up") {
		t.Error("dirty tree was not committed")
	}
	if !g.called("worktree remove --force") {
		t.Error("worktree was not removed")
	}
	if _, ok := a.last(events.TypeWorktreeCommit); !ok {
		t.Error("no worktree.commit event")
	}
	if _, ok := a.last(events.TypeWorktreeReleased); !ok {
		t.Error("no worktree.released event")
	}
	if _, held := c.Lease("s"); held {
		t.Error("lease not dropped after release")
	}
}

func TestReleaseVanishedDirectory(t *testing.T) {
	g := repoGit()
	a := &memAppender{}
	c := NewCoordinator(DefaultConfig(), g, a, nil)
	ctx := context.Background()

	// Acquire against a path that never exists on disk.
	c.Acquire(ctx, "s", "/repo-gone", AcquireOptions{ForceIsolation: true})
	if err := c.Release(ctx, "s", ReleaseOptions{}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !g.called("worktree prune") {
		t.Error("stale references were not pruned")
	}
	ev, ok := a.last(events.TypeWorktreeReleased)
	if !ok {
		t.Fatal("no worktree.released event")
	}
	var payload events.WorktreeReleasedPayload
	json.Unmarshal(ev.payload, &payload)
	if !payload.Vanished {
		t.Error("release did not record the vanished directory")
	}
}

func TestRecoverOrphanedWorktrees(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, ".worktrees", "dead"), 0o755)
	os.MkdirAll(filepath.Join(dir, ".worktrees", "alive"), 0o755)

	g := repoGit()
	g.respond["status --porcelain"] = "M stray.txt"
	c := NewCoordinator(DefaultConfig(), g, nil, nil)

	err := c.RecoverOrphanedWorktrees(context.Background(), dir, map[string]bool{"alive": true})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !g.called("commit -m orphaned worktree checkpoint") {
		t.Error("dirty orphan was not committed")
	}
	if !g.called("worktree remove --force " + filepath.Join(dir, ".worktrees", "dead")) {
		t.Error("orphan was not removed")
	}
	if g.called("worktree remove --force " + filepath.Join(dir, ".worktrees", "alive")) {
		t.Error("active session's worktree was removed")
	}
}
