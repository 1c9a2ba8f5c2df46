package git

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorktreePath resolves the worktree location for a branch from a pattern
// like "{repo}-wt-{branch}". The worktree is a sibling of the repository.
func WorktreePath(repoRoot, branch, pattern string) string {
	repoName := filepath.Base(repoRoot)
	branchSlug := strings.NewReplacer("/", "-", " ", "-").Replace(branch)

	name := pattern
	if strings.TrimSpace(name) == "" {
		name = "{repo}-wt-{branch}"
	}
	name = strings.ReplaceAll(name, "{repo}", repoName)
	name = strings.ReplaceAll(name, "{branch}", branchSlug)

	return filepath.Join(filepath.Dir(repoRoot), name)
}

// AddWorktree creates a worktree for the branch at path, creating the
// branch if needed. An existing worktree at path is reused as-is.
func AddWorktree(repoRoot, path, branch string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	exists, err := BranchExists(repoRoot, branch)
	if err != nil {
		return err
	}

	if exists {
		if _, err := run(repoRoot, "git worktree add", "git", "worktree", "add", path, branch); err != nil {
			return fmt.Errorf("failed to add worktree at %s: %w", path, err)
		}
		return nil
	}
	if _, err := run(repoRoot, "git worktree add", "git", "worktree", "add", "-b", branch, path); err != nil {
		return fmt.Errorf("failed to add worktree at %s: %w", path, err)
	}
	return nil
}

// RemoveWorktree destroys a worktree and prunes its administrative files.
func RemoveWorktree(repoRoot, path string) error {
	if _, err := run(repoRoot, "git worktree remove", "git", "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("failed to remove worktree at %s: %w", path, err)
	}
	_, _ = run(repoRoot, "git worktree prune", "git", "worktree", "prune")
	return nil
}

// IsWorktree reports whether workspace is a linked worktree rather than
// the primary repository (.git is a file pointing at the real gitdir).
func IsWorktree(workspace string) bool {
	info, err := os.Stat(filepath.Join(workspace, ".git"))
	if err != nil {
		return false
	}
	return !info.IsDir()
}
