// Package state persists the per-session run state record. Every write is
// atomic (temp file, fsync, rename) so a crashed run always resumes from a
// consistent record.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antigravity-dev/autom8/internal/config"
	"github.com/antigravity-dev/autom8/internal/knowledge"
)

// Machine is the orchestrator machine state.
type Machine string

const (
	StateIdle           Machine = "idle"
	StateResuming       Machine = "resuming"
	StateCreatingSpec   Machine = "creatingSpec"
	StateLoadingSpec    Machine = "loadingSpec"
	StateGeneratingSpec Machine = "generatingSpec"
	StateInitializing   Machine = "initializing"
	StatePickingStory   Machine = "pickingStory"
	StateRunningClaude  Machine = "runningClaude"
	StateReviewing      Machine = "reviewing"
	StateCorrecting     Machine = "correcting"
	StateCommitting     Machine = "committing"
	StateCreatingPR     Machine = "creatingPR"
	StateCompleted      Machine = "completed"
	StateFailed         Machine = "failed"
)

// Terminal reports whether m is a terminal state.
func (m Machine) Terminal() bool {
	return m == StateCompleted || m == StateFailed
}

// Valid reports whether m is a known machine state.
func (m Machine) Valid() bool {
	switch m {
	case StateIdle, StateResuming, StateCreatingSpec, StateLoadingSpec,
		StateGeneratingSpec, StateInitializing, StatePickingStory,
		StateRunningClaude, StateReviewing, StateCorrecting,
		StateCommitting, StateCreatingPR, StateCompleted, StateFailed:
		return true
	}
	return false
}

// TokenTotals is the cumulative token count across all iterations of a run.
type TokenTotals struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// RunState is the single serializable record for a run. Substate is
// embedded by value so persistence is one atomic write.
type RunState struct {
	MachineState     Machine          `json:"machineState"`
	SpecPath         string           `json:"specPath"`
	CurrentStoryID   string           `json:"currentStoryId,omitempty"`
	StoryIteration   int              `json:"storyIteration"`
	ReviewIteration  int              `json:"reviewIteration"`
	PreStoryCommit   string           `json:"preStoryCommit,omitempty"`
	BaselineCommit   string           `json:"baselineCommit,omitempty"`
	Knowledge        *knowledge.Graph `json:"knowledge"`
	ConfigSnapshot   *config.Config   `json:"configSnapshot"`
	TokenTotals      TokenTotals      `json:"tokenTotals"`
	FailureReason    string           `json:"failureReason,omitempty"`
	StartedAt        time.Time        `json:"startedAt"`
	LastTransitionAt time.Time        `json:"lastTransitionAt"`
}

const stateFilename = "state.json"

// New returns a fresh run state in the given machine state.
func New(m Machine, cfg *config.Config) *RunState {
	now := time.Now().UTC()
	return &RunState{
		MachineState:     m,
		Knowledge:        knowledge.New(),
		ConfigSnapshot:   cfg.Clone(),
		StartedAt:        now,
		LastTransitionAt: now,
	}
}

// Transition moves the machine to a new state, keeping lastTransitionAt
// monotonic non-decreasing.
func (r *RunState) Transition(to Machine) {
	r.MachineState = to
	now := time.Now().UTC()
	if now.Before(r.LastTransitionAt) {
		now = r.LastTransitionAt
	}
	r.LastTransitionAt = now
}

// Path returns the state file path for a session directory.
func Path(sessionDir string) string {
	return filepath.Join(sessionDir, stateFilename)
}

// Save atomically writes the state to <sessionDir>/state.json.
func (r *RunState) Save(sessionDir string) error {
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	path := Path(sessionDir)
	tmp, err := os.CreateTemp(sessionDir, "state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Load reads the state from <sessionDir>/state.json. Returns os.ErrNotExist
// (wrapped) when no prior state exists.
func Load(sessionDir string) (*RunState, error) {
	path := Path(sessionDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state %s: %w", path, err)
	}

	var r RunState
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", path, err)
	}
	if !r.MachineState.Valid() {
		return nil, fmt.Errorf("state %s has unknown machine state %q", path, r.MachineState)
	}
	if r.Knowledge == nil {
		r.Knowledge = knowledge.New()
	}
	return &r, nil
}

// Exists reports whether a state file is present in the session directory.
func Exists(sessionDir string) bool {
	_, err := os.Stat(Path(sessionDir))
	return err == nil
}

// Archive moves the session directory into runsDir/<timestamp>/ once the
// run reaches a terminal state. The session directory ceases to exist.
func Archive(sessionDir, runsDir string) (string, error) {
	if err := os.MkdirAll(runsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create runs dir: %w", err)
	}
	dest := filepath.Join(runsDir, time.Now().UTC().Format("20060102-150405"))
	if _, err := os.Stat(dest); err == nil {
		dest = fmt.Sprintf("%s-%d", dest, time.Now().UnixNano()%1000)
	}
	if err := os.Rename(sessionDir, dest); err != nil {
		return "", fmt.Errorf("failed to archive session dir: %w", err)
	}
	return dest, nil
}
