package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrBranchConflict is returned when another live session holds the branch.
var ErrBranchConflict = errors.New("branch held by another running session")

// Registry discovers sessions under a project's sessions directory.
type Registry struct {
	sessionsDir string
}

// NewRegistry returns a registry rooted at <project-dir>/sessions.
func NewRegistry(projectDir string) *Registry {
	return &Registry{sessionsDir: filepath.Join(projectDir, "sessions")}
}

// Dir returns the directory for a session id.
func (r *Registry) Dir(sessionID string) string {
	return filepath.Join(r.sessionsDir, sessionID)
}

// List scans sessions/*/metadata.json and returns every readable record.
// Unreadable entries are skipped with a warning, never fatal.
func (r *Registry) List() ([]*Metadata, error) {
	entries, err := os.ReadDir(r.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan sessions dir: %w", err)
	}

	var out []*Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := LoadMetadata(filepath.Join(r.sessionsDir, e.Name()))
		if err != nil {
			slog.Warn("skipping unreadable session", "session", e.Name(), "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// CheckBranch enforces the branch-conflict rule: a run may not start on a
// branch held by another session that is still running and whose worktree
// still exists on disk. Stale sessions never block.
func (r *Registry) CheckBranch(branch, selfID string) error {
	sessions, err := r.List()
	if err != nil {
		return err
	}
	for _, m := range sessions {
		if m.SessionID == selfID || m.Branch != branch {
			continue
		}
		if m.Status != StatusRunning {
			continue
		}
		if m.Stale() {
			continue
		}
		return fmt.Errorf("%w: session %s at %s", ErrBranchConflict, m.SessionID, m.WorktreePath)
	}
	return nil
}

// Prune removes session directories whose worktrees are gone. Running
// sessions are never pruned. Returns the pruned session ids.
func (r *Registry) Prune() ([]string, error) {
	sessions, err := r.List()
	if err != nil {
		return nil, err
	}

	var pruned []string
	for _, m := range sessions {
		if m.Status == StatusRunning || !m.Stale() {
			continue
		}
		dir := r.Dir(m.SessionID)
		if err := os.RemoveAll(dir); err != nil {
			return pruned, fmt.Errorf("failed to prune session %s: %w", m.SessionID, err)
		}
		slog.Info("pruned stale session", "session", m.SessionID, "worktree", m.WorktreePath)
		pruned = append(pruned, m.SessionID)
	}
	return pruned, nil
}
