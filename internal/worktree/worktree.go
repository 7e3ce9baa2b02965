// Package worktree manages one git worktree per live issue under
// {worktrees_dir}/{project}/{id}-{slug}. go-git has no native
// `git worktree` API, so this shells out to the real git binary —
// os/exec with CombinedOutput and a wrapped error on non-zero exit —
// rather than reimplementing worktree bookkeeping in-process.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/agenttree/agenttree/internal/apierr"
)

// Manager creates, resets, and removes worktrees for one main repository.
type Manager struct {
	repoPath     string
	worktreesDir string
	project      string
}

// New returns a Manager rooted at repoPath (the main repository clone)
// placing worktrees under worktreesDir/project/.
func New(repoPath, worktreesDir, project string) *Manager {
	return &Manager{repoPath: repoPath, worktreesDir: worktreesDir, project: project}
}

// PathFor returns the worktree path for an issue directory name
// ({id}-{slug}), without creating anything.
func (m *Manager) PathFor(dirName string) string {
	return filepath.Join(m.worktreesDir, m.project, dirName)
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), apierr.Wrap(apierr.ExternalTool, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out))))
	}
	return string(out), nil
}

// isLinkedWorktreeOf reports whether path is a linked worktree
// administratively owned by repoPath, by reading the .git pointer file
// at path and checking its gitdir: target sits under repoPath's
// .git/worktrees/ directory.
func isLinkedWorktreeOf(path, repoPath string) bool {
	data, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	line := strings.TrimSpace(string(data))
	const prefix = "gitdir: "
	if !strings.HasPrefix(line, prefix) {
		return false
	}
	target := strings.TrimPrefix(line, prefix)

	absRepo, err := filepath.Abs(repoPath)
	if err != nil {
		return false
	}
	worktreesAdminDir := filepath.Join(absRepo, ".git", "worktrees")
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	return strings.HasPrefix(absTarget, worktreesAdminDir)
}

// Create ensures a worktree exists for (dirName, branch), reusing it if
// already present and administratively linked to the main repo, or else
// running `git worktree add -b branch path base`.
func (m *Manager) Create(ctx context.Context, dirName, branch, base string) (string, error) {
	path := m.PathFor(dirName)

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		if isLinkedWorktreeOf(path, m.repoPath) {
			return path, nil
		}
		return "", apierr.New(apierr.Validation, fmt.Sprintf("path %s exists but is not a worktree of %s", path, m.repoPath))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktrees dir: %w", err)
	}

	if _, err := m.run(ctx, m.repoPath, "worktree", "add", "-b", branch, path, base); err != nil {
		return "", err
	}

	return path, nil
}

// Reset destructively fetches origin, checks out base, hard-resets to
// origin/base, cleans untracked files, and removes any in-progress
// TASK.md. Only invoked when explicitly requested.
func (m *Manager) Reset(ctx context.Context, path, base string) error {
	if _, err := m.run(ctx, path, "fetch", "origin"); err != nil {
		return err
	}
	if _, err := m.run(ctx, path, "checkout", base); err != nil {
		return err
	}
	if _, err := m.run(ctx, path, "reset", "--hard", "origin/"+base); err != nil {
		return err
	}
	if _, err := m.run(ctx, path, "clean", "-fd"); err != nil {
		return err
	}

	taskFile := filepath.Join(path, "TASK.md")
	if err := os.Remove(taskFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove TASK.md: %w", err)
	}

	return nil
}

// CommitAll stages every change in the worktree and commits it with
// message if the tree is dirty, reporting whether a commit was made.
func (m *Manager) CommitAll(ctx context.Context, path, message string) (bool, error) {
	if _, err := m.run(ctx, path, "add", "-A"); err != nil {
		return false, err
	}
	status, err := m.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, err := m.run(ctx, path, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// HasUnpushedCommits reports whether branch has commits not yet present
// on origin/branch.
func (m *Manager) HasUnpushedCommits(ctx context.Context, path, branch string) (bool, error) {
	if _, err := m.run(ctx, path, "fetch", "origin", branch); err != nil {
		// origin may not have the branch yet; treat as "has unpushed commits".
		return true, nil
	}
	out, err := m.run(ctx, path, "rev-list", "--count", "origin/"+branch+".."+branch)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "0", nil
}

// PushBranch pushes branch to origin from the given worktree path.
func (m *Manager) PushBranch(ctx context.Context, path, branch string) error {
	_, err := m.run(ctx, path, "push", "origin", branch)
	return err
}

// RebaseBranch fetches base and rebases the worktree's current branch
// onto origin/base, then force-pushes with lease, for the check_conflicts
// hook's auto_rebase modifier.
func (m *Manager) RebaseBranch(ctx context.Context, path, base string) error {
	if _, err := m.run(ctx, path, "fetch", "origin", base); err != nil {
		return err
	}
	if _, err := m.run(ctx, path, "rebase", "origin/"+base); err != nil {
		if _, abortErr := m.run(ctx, path, "rebase", "--abort"); abortErr != nil {
			return fmt.Errorf("rebase onto %s failed and abort also failed: %w", base, abortErr)
		}
		return err
	}
	_, err := m.run(ctx, path, "push", "--force-with-lease", "origin", "HEAD")
	return err
}

// Remove runs `git worktree remove --force` and deletes the directory if
// it remains.
func (m *Manager) Remove(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if _, err := m.run(ctx, m.repoPath, "worktree", "remove", "--force", path); err != nil {
		// the worktree's admin metadata may already be gone (e.g. the
		// directory was deleted out from under git); fall through to a
		// plain directory removal rather than failing the whole cleanup.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("worktree remove failed (%v) and directory cleanup also failed: %w", err, rmErr)
		}
		return nil
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove leftover worktree directory: %w", err)
	}

	return nil
}
