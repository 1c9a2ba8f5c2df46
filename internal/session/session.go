// Package session manages identity, discovery, and lifecycle of concurrent
// runs. Sessions are keyed by worktree path and coordinate purely through
// metadata files on disk.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is the lifecycle status recorded in session metadata.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Metadata is the lightweight per-session record the registry reads to
// answer conflict and staleness questions without opening state files.
type Metadata struct {
	SessionID    string    `json:"sessionId"`
	WorktreePath string    `json:"worktreePath"`
	Branch       string    `json:"branch"`
	Project      string    `json:"project"`
	Status       Status    `json:"status"`
	UpdatedAt    time.Time `json:"updatedAt"`
	PID          int       `json:"pid,omitempty"`
}

const metadataFilename = "metadata.json"

// MainSessionID is the session id used when running in the primary repository.
const MainSessionID = "main"

// DeriveID computes the session id for a worktree path: "main" for the
// primary repository, otherwise the first 8 hex characters of a stable
// hash of the absolute path.
func DeriveID(worktreePath string, isPrimary bool) string {
	if isPrimary {
		return MainSessionID
	}
	abs, err := filepath.Abs(worktreePath)
	if err != nil {
		abs = worktreePath
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:8]
}

// Stale reports whether the session's recorded worktree no longer exists.
func (m *Metadata) Stale() bool {
	if m.WorktreePath == "" {
		return false
	}
	_, err := os.Stat(m.WorktreePath)
	return os.IsNotExist(err)
}

// Save atomically writes metadata.json into the session directory.
func (m *Metadata) Save(sessionDir string) error {
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	path := filepath.Join(sessionDir, metadataFilename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace metadata: %w", err)
	}
	return nil
}

// LoadMetadata reads metadata.json from a session directory.
func LoadMetadata(sessionDir string) (*Metadata, error) {
	path := filepath.Join(sessionDir, metadataFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata %s: %w", path, err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse metadata %s: %w", path, err)
	}
	return &m, nil
}
