// Package git wraps the git and gh command-line binaries. Every operation
// shells out; failures carry the command's stderr and exit code.
package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// CommandError is a failed git/gh invocation.
type CommandError struct {
	Op       string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: %v (%s)", e.Op, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// run executes a command in workspace and returns trimmed stdout+stderr.
func run(workspace, op string, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = workspace
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return text, &CommandError{Op: op, Stderr: text, ExitCode: exitCode, Err: err}
	}
	return text, nil
}

// Head returns the current HEAD sha.
func Head(workspace string) (string, error) {
	return run(workspace, "git rev-parse", "git", "rev-parse", "HEAD")
}

// CurrentBranch returns the current branch name.
func CurrentBranch(workspace string) (string, error) {
	return run(workspace, "git rev-parse", "git", "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists checks if a local branch exists.
func BranchExists(workspace, branch string) (bool, error) {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", fmt.Sprintf("refs/heads/%s", branch))
	cmd.Dir = workspace
	if err := cmd.Run(); err != nil {
		// Exit code 1 means branch doesn't exist, other errors are real failures
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("failed to check if branch %s exists: %w", branch, err)
	}
	return true, nil
}

// EnsureBranch creates the branch if missing, otherwise checks it out.
func EnsureBranch(workspace, branch string) error {
	exists, err := BranchExists(workspace, branch)
	if err != nil {
		return err
	}
	if exists {
		if _, err := run(workspace, "git checkout", "git", "checkout", branch); err != nil {
			return fmt.Errorf("failed to checkout branch %s: %w", branch, err)
		}
		return nil
	}
	if _, err := run(workspace, "git checkout -b", "git", "checkout", "-b", branch); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", branch, err)
	}
	return nil
}

// StatusPorcelain returns `git status --porcelain` lines, excluding any
// path for which exclude returns true.
func StatusPorcelain(workspace string, exclude func(path string) bool) ([]string, error) {
	out, err := run(workspace, "git status", "git", "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if exclude != nil && len(line) > 3 {
			path := strings.TrimSpace(line[3:])
			// Renames are reported as "old -> new"; judge by the new path.
			if idx := strings.Index(path, " -> "); idx >= 0 {
				path = path[idx+4:]
			}
			path = strings.Trim(path, `"`)
			if exclude(path) {
				continue
			}
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// HasChanges reports whether the workspace has uncommitted changes beyond
// the excluded paths.
func HasChanges(workspace string, exclude func(path string) bool) (bool, error) {
	lines, err := StatusPorcelain(workspace, exclude)
	if err != nil {
		return false, err
	}
	return len(lines) > 0, nil
}

// Diff returns the textual diff between a commit and HEAD.
func Diff(workspace, fromCommit string) (string, error) {
	return run(workspace, "git diff", "git", "diff", fromCommit+"..HEAD")
}

// Push pushes the branch to origin, setting upstream on first push.
func Push(workspace, branch string) error {
	if _, err := run(workspace, "git push", "git", "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("failed to push branch %s: %w", branch, err)
	}
	return nil
}

// CommitsAhead returns how many commits the branch is ahead of base.
func CommitsAhead(workspace, base string) (int, error) {
	out, err := run(workspace, "git rev-list", "git", "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(out, "%d", &n); err != nil {
		return 0, fmt.Errorf("failed to parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// RepoRoot returns the repository top-level directory.
func RepoRoot(workspace string) (string, error) {
	return run(workspace, "git rev-parse", "git", "rev-parse", "--show-toplevel")
}

// DefaultBranch returns the repository's default branch, falling back to
// "main" when origin/HEAD is not set.
func DefaultBranch(workspace string) string {
	out, err := run(workspace, "git symbolic-ref", "git", "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err != nil {
		return "main"
	}
	return strings.TrimPrefix(out, "origin/")
}

// TruncateDiff truncates a diff string if it exceeds maxBytes.
func TruncateDiff(diff string, maxBytes int) string {
	if len(diff) <= maxBytes {
		return diff
	}
	return diff[:maxBytes] + "\n\n[Diff truncated...]"
}
