package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitExecutor abstracts git invocation so the coordinator can be tested
// without a repository. dir is the working directory for the command.
type GitExecutor interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit runs git through os/exec.
type ExecGit struct{}

func (ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, text)
	}
	return text, nil
}

// isGitRepo reports whether dir is inside a git work tree.
func isGitRepo(ctx context.Context, git GitExecutor, dir string) bool {
	out, err := git.Run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// headCommit returns the current HEAD of dir.
func headCommit(ctx context.Context, git GitExecutor, dir string) (string, error) {
	return git.Run(ctx, dir, "rev-parse", "HEAD")
}

// isDirty reports whether dir has uncommitted changes.
func isDirty(ctx context.Context, git GitExecutor, dir string) bool {
	out, err := git.Run(ctx, dir, "status", "--porcelain")
	return err == nil && strings.TrimSpace(out) != ""
}
