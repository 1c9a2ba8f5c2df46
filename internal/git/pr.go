package git

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// PRSkipReason explains why PR creation was skipped without failing the run.
type PRSkipReason string

const (
	SkipNoGH          PRSkipReason = "gh CLI not installed"
	SkipNotAuthed     PRSkipReason = "gh CLI not authenticated"
	SkipDefaultBranch PRSkipReason = "current branch is the default branch"
	SkipNoCommits     PRSkipReason = "no commits ahead of the default branch"
	SkipAlreadyExists PRSkipReason = "a pull request already exists for this branch"
)

// CheckPRPrerequisites verifies everything PR creation needs. A non-empty
// reason means skip gracefully; an error means the checks themselves broke.
func CheckPRPrerequisites(workspace string) (PRSkipReason, error) {
	if _, err := exec.LookPath("gh"); err != nil {
		return SkipNoGH, nil
	}

	if _, err := run(workspace, "gh auth status", "gh", "auth", "status"); err != nil {
		return SkipNotAuthed, nil
	}

	branch, err := CurrentBranch(workspace)
	if err != nil {
		return "", err
	}
	def := DefaultBranch(workspace)
	if branch == def {
		return SkipDefaultBranch, nil
	}

	ahead, err := CommitsAhead(workspace, def)
	if err != nil {
		// No merge base (e.g. shallow clone); treat as nothing to PR.
		return SkipNoCommits, nil
	}
	if ahead == 0 {
		return SkipNoCommits, nil
	}

	existing, err := PRForBranch(workspace, branch)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return SkipAlreadyExists, nil
	}

	return "", nil
}

// PRForBranch returns the URL of an existing PR for the branch, or "".
func PRForBranch(workspace, branch string) (string, error) {
	out, err := run(workspace, "gh pr view", "gh", "pr", "view", branch, "--json", "url", "--jq", ".url")
	if err != nil {
		if strings.Contains(out, "no pull requests found") {
			return "", nil
		}
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// CreatePR creates a pull request with the gh CLI and returns its URL and number.
func CreatePR(workspace, branch, base, title, body string, draft bool) (string, int, error) {
	args := []string{"pr", "create",
		"--head", branch,
		"--base", base,
		"--title", title,
		"--body", body,
	}
	if draft {
		args = append(args, "--draft")
	}

	out, err := run(workspace, "gh pr create", "gh", args...)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create PR: %w", err)
	}

	prURL := out
	// gh prints the URL on the last line; extract the number from it
	// (https://github.com/org/repo/pull/123).
	if idx := strings.LastIndex(prURL, "\n"); idx >= 0 {
		prURL = strings.TrimSpace(prURL[idx+1:])
	}
	parts := strings.Split(prURL, "/")
	if len(parts) > 0 {
		num, _ := strconv.Atoi(parts[len(parts)-1])
		return prURL, num, nil
	}
	return prURL, 0, nil
}

// FindPRTemplate locates a pull request template under .github/, returning
// its contents or "" when the repo has none.
func FindPRTemplate(repoRoot string) string {
	for _, name := range []string{
		"PULL_REQUEST_TEMPLATE.md",
		"pull_request_template.md",
	} {
		data, err := os.ReadFile(filepath.Join(repoRoot, ".github", name))
		if err == nil {
			return string(data)
		}
	}
	return ""
}
