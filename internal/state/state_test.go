package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/autom8/internal/config"
	"github.com/antigravity-dev/autom8/internal/knowledge"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	r := New(StateInitializing, config.Default())
	r.SpecPath = "/specs/spec-feat-login.json"
	r.CurrentStoryID = "US-002"
	r.StoryIteration = 3
	r.ReviewIteration = 1
	r.PreStoryCommit = "abc123"
	r.BaselineCommit = "def456"
	r.TokenTotals = TokenTotals{Input: 1000, Output: 250}
	r.Knowledge.Merge("US-001", knowledge.Payload{Summary: "done"})

	require.NoError(t, r.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, r.MachineState, loaded.MachineState)
	assert.Equal(t, r.CurrentStoryID, loaded.CurrentStoryID)
	assert.Equal(t, r.StoryIteration, loaded.StoryIteration)
	assert.Equal(t, r.ReviewIteration, loaded.ReviewIteration)
	assert.Equal(t, r.PreStoryCommit, loaded.PreStoryCommit)
	assert.Equal(t, r.BaselineCommit, loaded.BaselineCommit)
	assert.Equal(t, r.TokenTotals, loaded.TokenTotals)
	assert.Equal(t, "done", loaded.Knowledge.Stories["US-001"].Summary)
	assert.Equal(t, 10, loaded.ConfigSnapshot.Run.MaxStoryIterations)
	assert.True(t, r.StartedAt.Equal(loaded.StartedAt))
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_UnknownMachineState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir), []byte(`{"machineState":"flying"}`), 0644))
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestSave_Atomic_NoLeftoverTemp(t *testing.T) {
	dir := t.TempDir()
	r := New(StateIdle, config.Default())
	require.NoError(t, r.Save(dir))
	require.NoError(t, r.Save(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestTransition_Monotonic(t *testing.T) {
	r := New(StateIdle, config.Default())
	prev := r.LastTransitionAt
	for _, m := range []Machine{StateLoadingSpec, StateGeneratingSpec, StateInitializing, StatePickingStory} {
		r.Transition(m)
		assert.False(t, r.LastTransitionAt.Before(prev), "lastTransitionAt went backwards at %s", m)
		prev = r.LastTransitionAt
	}
	assert.Equal(t, StatePickingStory, r.MachineState)
}

func TestTerminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateReviewing.Terminal())
}

func TestArchive(t *testing.T) {
	base := t.TempDir()
	sessionDir := filepath.Join(base, "sessions", "main")
	runsDir := filepath.Join(base, "runs")

	r := New(StateCompleted, config.Default())
	require.NoError(t, r.Save(sessionDir))

	dest, err := Archive(sessionDir, runsDir)
	require.NoError(t, err)

	_, err = os.Stat(sessionDir)
	assert.True(t, os.IsNotExist(err), "session dir should be gone")
	assert.FileExists(t, filepath.Join(dest, "state.json"))
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, Exists(dir))
	r := New(StateIdle, config.Default())
	require.NoError(t, r.Save(dir))
	assert.True(t, Exists(dir))
}
