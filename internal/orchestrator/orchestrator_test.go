package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/autom8/internal/claude"
	"github.com/antigravity-dev/autom8/internal/config"
	"github.com/antigravity-dev/autom8/internal/cost"
	"github.com/antigravity-dev/autom8/internal/knowledge"
	"github.com/antigravity-dev/autom8/internal/session"
	"github.com/antigravity-dev/autom8/internal/spec"
	"github.com/antigravity-dev/autom8/internal/state"
)

// fakeRunner scripts agent behavior per phase.
type fakeRunner struct {
	t        *testing.T
	handlers map[claude.Phase]func(call int, req claude.Request) (*claude.Outcome, error)
	calls    map[claude.Phase]int
	requests []claude.Request
}

func newFakeRunner(t *testing.T) *fakeRunner {
	return &fakeRunner{
		t:        t,
		handlers: make(map[claude.Phase]func(int, claude.Request) (*claude.Outcome, error)),
		calls:    make(map[claude.Phase]int),
	}
}

func (f *fakeRunner) on(phase claude.Phase, fn func(call int, req claude.Request) (*claude.Outcome, error)) {
	f.handlers[phase] = fn
}

func (f *fakeRunner) Invoke(ctx context.Context, req claude.Request) (*claude.Outcome, error) {
	f.calls[req.Phase]++
	f.requests = append(f.requests, req)
	h, ok := f.handlers[req.Phase]
	if !ok {
		f.t.Fatalf("unexpected phase %s", req.Phase)
	}
	return h(f.calls[req.Phase], req)
}

func (f *fakeRunner) ConvertSpec(ctx context.Context, prompt, workDir, outPath string) (*spec.Spec, error) {
	f.calls[claude.PhaseConvertSpec]++
	h, ok := f.handlers[claude.PhaseConvertSpec]
	if !ok {
		f.t.Fatalf("unexpected convertSpec call")
	}
	if _, err := h(f.calls[claude.PhaseConvertSpec], claude.Request{Phase: claude.PhaseConvertSpec, Prompt: prompt, WorkDir: workDir}); err != nil {
		return nil, err
	}
	return spec.Load(outPath)
}

func doneOutcome() *claude.Outcome {
	return &claude.Outcome{
		Completed: true,
		Summary:   "did the work",
		Knowledge: knowledge.Payload{Summary: "did the work"},
		Tokens:    cost.TokenUsage{Input: 100, Output: 20},
	}
}

// initRepo creates a git repo with one commit.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v (%s)", args, err, out)
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# app\n"), 0644))
	gitRun(t, dir, "add", "-A")
	gitRun(t, dir, "commit", "-m", "initial")
	return dir
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v (%s)", args, err, out)
	}
}

func writeSpecFile(t *testing.T, dir string, s *spec.Spec) string {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("spec-%s.json", s.Slug()))
	require.NoError(t, s.Save(path))
	return path
}

func oneStorySpec(branch string) *spec.Spec {
	return &spec.Spec{
		Project:     "app",
		BranchName:  branch,
		Description: "Add login",
		UserStories: []spec.UserStory{
			{ID: "US-001", Title: "Login form", Priority: 1, AcceptanceCriteria: []string{"renders"}},
		},
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Run.PullRequest = false
	return cfg
}

// setPasses flips a story's passes flag in the artifact, the way the
// agent does during implementation.
func setPasses(t *testing.T, specPath, storyID string, passes bool) {
	t.Helper()
	s, err := spec.Load(specPath)
	require.NoError(t, err)
	s.Story(storyID).Passes = passes
	require.NoError(t, s.Save(specPath))
}

// archivedState loads the single archived run state under the project dir.
func archivedState(t *testing.T, configHome string) *state.RunState {
	t.Helper()
	runs, err := os.ReadDir(filepath.Join(configHome, "app", "runs"))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	st, err := state.Load(filepath.Join(configHome, "app", "runs", runs[0].Name()))
	require.NoError(t, err)
	return st
}

func TestRun_HappyPath(t *testing.T) {
	repo := initRepo(t)
	configHome := t.TempDir()
	specPath := writeSpecFile(t, t.TempDir(), oneStorySpec("feat/login"))

	runner := newFakeRunner(t)
	runner.on(claude.PhaseImplement, func(call int, req claude.Request) (*claude.Outcome, error) {
		require.NoError(t, os.WriteFile(filepath.Join(repo, "login.go"), []byte("package app\n"), 0644))
		setPasses(t, specPath, "US-001", true)
		return doneOutcome(), nil
	})
	runner.on(claude.PhaseReview, func(call int, req claude.Request) (*claude.Outcome, error) {
		return doneOutcome(), nil // no artifact: no issues
	})
	runner.on(claude.PhaseCommit, func(call int, req claude.Request) (*claude.Outcome, error) {
		gitRun(t, repo, "add", "login.go")
		gitRun(t, repo, "commit", "-m", "add login")
		return doneOutcome(), nil
	})

	o, err := New(Options{
		Config: testConfig(), ConfigHome: configHome, WorkDir: repo,
		SpecPath: specPath, Runner: runner,
	})
	require.NoError(t, err)

	code, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitCompleted, code)

	assert.Equal(t, 1, runner.calls[claude.PhaseImplement])
	assert.Equal(t, 1, runner.calls[claude.PhaseReview])
	assert.Equal(t, 1, runner.calls[claude.PhaseCommit])

	st := archivedState(t, configHome)
	assert.Equal(t, state.StateCompleted, st.MachineState)
	assert.Equal(t, state.TokenTotals{Input: 300, Output: 60}, st.TokenTotals)
	assert.Equal(t, "did the work", st.Knowledge.Stories["US-001"].Summary)
	assert.NotEmpty(t, st.BaselineCommit)
	assert.NotEmpty(t, st.PreStoryCommit)
}

func TestRun_ReviewCorrectLoop(t *testing.T) {
	repo := initRepo(t)
	configHome := t.TempDir()
	specPath := writeSpecFile(t, t.TempDir(), oneStorySpec("feat/login"))

	runner := newFakeRunner(t)
	runner.on(claude.PhaseImplement, func(call int, req claude.Request) (*claude.Outcome, error) {
		setPasses(t, specPath, "US-001", true)
		return doneOutcome(), nil
	})
	runner.on(claude.PhaseReview, func(call int, req claude.Request) (*claude.Outcome, error) {
		if call == 1 {
			require.NoError(t, os.WriteFile(filepath.Join(repo, ReviewArtifactName),
				[]byte("## Issue: missing error handling\n"), 0644))
		}
		return doneOutcome(), nil
	})
	runner.on(claude.PhaseCorrect, func(call int, req claude.Request) (*claude.Outcome, error) {
		assert.Contains(t, req.Prompt, "missing error handling")
		return doneOutcome(), nil
	})

	o, err := New(Options{
		Config: testConfig(), ConfigHome: configHome, WorkDir: repo,
		SpecPath: specPath, Runner: runner,
	})
	require.NoError(t, err)

	code, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitCompleted, code)

	assert.Equal(t, 2, runner.calls[claude.PhaseReview])
	assert.Equal(t, 1, runner.calls[claude.PhaseCorrect])
	st := archivedState(t, configHome)
	assert.Equal(t, 2, st.ReviewIteration)
	assert.Equal(t, state.StateCompleted, st.MachineState)
}

func TestRun_StoryIterationCap(t *testing.T) {
	repo := initRepo(t)
	configHome := t.TempDir()
	specPath := writeSpecFile(t, t.TempDir(), oneStorySpec("feat/login"))

	runner := newFakeRunner(t)
	runner.on(claude.PhaseImplement, func(call int, req claude.Request) (*claude.Outcome, error) {
		return doneOutcome(), nil // never flips passes
	})

	o, err := New(Options{
		Config: testConfig(), ConfigHome: configHome, WorkDir: repo,
		SpecPath: specPath, Runner: runner,
	})
	require.NoError(t, err)

	code, err := o.Run(context.Background())
	assert.Equal(t, ExitFailed, code)
	assert.ErrorIs(t, err, ErrMaxStoryIterations)
	assert.Equal(t, 10, runner.calls[claude.PhaseImplement])

	st := archivedState(t, configHome)
	assert.Equal(t, state.StateFailed, st.MachineState)
	assert.Contains(t, st.FailureReason, "US-001")
}

func TestRun_ReviewIterationCap(t *testing.T) {
	repo := initRepo(t)
	configHome := t.TempDir()
	specPath := writeSpecFile(t, t.TempDir(), oneStorySpec("feat/login"))

	runner := newFakeRunner(t)
	runner.on(claude.PhaseImplement, func(call int, req claude.Request) (*claude.Outcome, error) {
		setPasses(t, specPath, "US-001", true)
		return doneOutcome(), nil
	})
	runner.on(claude.PhaseReview, func(call int, req claude.Request) (*claude.Outcome, error) {
		// Issues on every pass.
		require.NoError(t, os.WriteFile(filepath.Join(repo, ReviewArtifactName), []byte("## Issue\n"), 0644))
		return doneOutcome(), nil
	})
	runner.on(claude.PhaseCorrect, func(call int, req claude.Request) (*claude.Outcome, error) {
		return doneOutcome(), nil
	})

	o, err := New(Options{
		Config: testConfig(), ConfigHome: configHome, WorkDir: repo,
		SpecPath: specPath, Runner: runner,
	})
	require.NoError(t, err)

	code, err := o.Run(context.Background())
	assert.Equal(t, ExitFailed, code)
	assert.ErrorIs(t, err, ErrMaxReviewIterations)
	assert.Equal(t, 3, runner.calls[claude.PhaseReview])
	assert.Equal(t, 2, runner.calls[claude.PhaseCorrect])
}

func TestRun_SkipReviewGoesStraightToCommit(t *testing.T) {
	repo := initRepo(t)
	configHome := t.TempDir()
	specPath := writeSpecFile(t, t.TempDir(), oneStorySpec("feat/login"))

	cfg := testConfig()
	cfg.Run.SkipReview = true

	runner := newFakeRunner(t)
	runner.on(claude.PhaseImplement, func(call int, req claude.Request) (*claude.Outcome, error) {
		setPasses(t, specPath, "US-001", true)
		return doneOutcome(), nil
	})

	o, err := New(Options{
		Config: cfg, ConfigHome: configHome, WorkDir: repo,
		SpecPath: specPath, Runner: runner,
	})
	require.NoError(t, err)

	code, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitCompleted, code)
	assert.Zero(t, runner.calls[claude.PhaseReview])
	assert.Zero(t, runner.calls[claude.PhaseCommit], "clean tree means nothing to commit")
}

func TestRun_Resume(t *testing.T) {
	repo := initRepo(t)
	configHome := t.TempDir()

	s := &spec.Spec{
		Project:     "app",
		BranchName:  "feat/login",
		Description: "Add login",
		UserStories: []spec.UserStory{
			{ID: "US-001", Title: "Form", Priority: 1, Passes: true},
			{ID: "US-002", Title: "Cookie", Priority: 2},
		},
	}
	specPath := writeSpecFile(t, t.TempDir(), s)

	// Simulate a prior run killed during iteration 3 of US-002.
	cfg := testConfig()
	prior := state.New(state.StateRunningClaude, cfg)
	prior.SpecPath = specPath
	prior.CurrentStoryID = "US-002"
	prior.StoryIteration = 3
	prior.Knowledge.Merge("US-001", knowledge.Payload{Summary: "form built"})
	sessionDir := filepath.Join(configHome, "app", "sessions", "main")
	require.NoError(t, prior.Save(sessionDir))

	runner := newFakeRunner(t)
	runner.on(claude.PhaseImplement, func(call int, req claude.Request) (*claude.Outcome, error) {
		assert.Contains(t, req.Prompt, "This is iteration 4")
		assert.Contains(t, req.Prompt, "form built", "knowledge graph must survive the restart")
		setPasses(t, specPath, "US-002", true)
		return doneOutcome(), nil
	})
	runner.on(claude.PhaseReview, func(call int, req claude.Request) (*claude.Outcome, error) {
		return doneOutcome(), nil
	})

	o, err := New(Options{
		Config: cfg, ConfigHome: configHome, Project: "app",
		WorkDir: repo, Runner: runner,
	})
	require.NoError(t, err)

	code, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitCompleted, code)
	assert.Equal(t, 1, runner.calls[claude.PhaseImplement])
}

func TestRun_ResumeWithoutPriorStateNeedsAuthoring(t *testing.T) {
	repo := initRepo(t)
	configHome := t.TempDir()

	o, err := New(Options{
		Config: testConfig(), ConfigHome: configHome, Project: "app",
		WorkDir: repo, Runner: newFakeRunner(t),
	})
	require.NoError(t, err)

	code, err := o.Run(context.Background())
	assert.Equal(t, ExitFailed, code)
	assert.ErrorIs(t, err, ErrSpecInvalid)
}

func TestRun_BranchConflictWritesNoState(t *testing.T) {
	repo := initRepo(t)
	configHome := t.TempDir()
	specPath := writeSpecFile(t, t.TempDir(), oneStorySpec("feat/login"))

	// Another session is running the same branch from a live worktree.
	otherWt := t.TempDir()
	other := &session.Metadata{
		SessionID: "dead8888", WorktreePath: otherWt,
		Branch: "feat/login", Project: "app", Status: session.StatusRunning,
	}
	require.NoError(t, other.Save(filepath.Join(configHome, "app", "sessions", "dead8888")))

	o, err := New(Options{
		Config: testConfig(), ConfigHome: configHome, WorkDir: repo,
		SpecPath: specPath, Runner: newFakeRunner(t),
	})
	require.NoError(t, err)

	code, err := o.Run(context.Background())
	assert.Equal(t, ExitFailed, code)
	assert.ErrorIs(t, err, session.ErrBranchConflict)

	// No state was written for the refused session.
	assert.NoDirExists(t, filepath.Join(configHome, "app", "sessions", "main"))
	assert.NoDirExists(t, filepath.Join(configHome, "app", "runs"))
}

func TestRun_PRSkipOnMissingPrerequisites(t *testing.T) {
	repo := initRepo(t)
	configHome := t.TempDir()
	// main is the default branch, so PR creation must gracefully skip.
	specPath := writeSpecFile(t, t.TempDir(), oneStorySpec("main"))

	cfg := config.Default() // pull_request enabled

	runner := newFakeRunner(t)
	runner.on(claude.PhaseImplement, func(call int, req claude.Request) (*claude.Outcome, error) {
		require.NoError(t, os.WriteFile(filepath.Join(repo, "login.go"), []byte("package app\n"), 0644))
		setPasses(t, specPath, "US-001", true)
		return doneOutcome(), nil
	})
	runner.on(claude.PhaseReview, func(call int, req claude.Request) (*claude.Outcome, error) {
		return doneOutcome(), nil
	})
	runner.on(claude.PhaseCommit, func(call int, req claude.Request) (*claude.Outcome, error) {
		gitRun(t, repo, "add", "login.go")
		gitRun(t, repo, "commit", "-m", "add login")
		return doneOutcome(), nil
	})

	o, err := New(Options{
		Config: cfg, ConfigHome: configHome, WorkDir: repo,
		SpecPath: specPath, Runner: runner,
	})
	require.NoError(t, err)

	code, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitCompleted, code)
	assert.Empty(t, o.PRURL())
}

func TestRun_CancellationPreservesState(t *testing.T) {
	repo := initRepo(t)
	configHome := t.TempDir()
	specPath := writeSpecFile(t, t.TempDir(), oneStorySpec("feat/login"))

	runner := newFakeRunner(t)
	runner.on(claude.PhaseImplement, func(call int, req claude.Request) (*claude.Outcome, error) {
		return &claude.Outcome{Cancelled: true}, nil
	})

	o, err := New(Options{
		Config: testConfig(), ConfigHome: configHome, WorkDir: repo,
		SpecPath: specPath, Runner: runner,
	})
	require.NoError(t, err)

	code, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitCancelled, code)

	// State is preserved in place, not archived; metadata says paused.
	sessionDir := filepath.Join(configHome, "app", "sessions", "main")
	st, err := state.Load(sessionDir)
	require.NoError(t, err)
	assert.Equal(t, state.StateRunningClaude, st.MachineState)
	assert.Equal(t, "US-001", st.CurrentStoryID)
	assert.Equal(t, 1, st.StoryIteration)

	meta, err := session.LoadMetadata(sessionDir)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, meta.Status)
}

func TestRun_SelectionOrderAcrossStories(t *testing.T) {
	repo := initRepo(t)
	configHome := t.TempDir()

	s := &spec.Spec{
		Project: "app", BranchName: "feat/multi", Description: "multi",
		UserStories: []spec.UserStory{
			{ID: "US-010", Title: "c", Priority: 2},
			{ID: "US-002", Title: "b", Priority: 1},
			{ID: "US-001", Title: "a", Priority: 1},
		},
	}
	specPath := writeSpecFile(t, t.TempDir(), s)

	var order []string
	runner := newFakeRunner(t)
	runner.on(claude.PhaseImplement, func(call int, req claude.Request) (*claude.Outcome, error) {
		// Extract the story being asked for from the prompt header.
		for _, id := range []string{"US-001", "US-002", "US-010"} {
			if strings.Contains(req.Prompt, "Story "+id) {
				order = append(order, id)
				setPasses(t, specPath, id, true)
			}
		}
		return doneOutcome(), nil
	})
	runner.on(claude.PhaseReview, func(call int, req claude.Request) (*claude.Outcome, error) {
		return doneOutcome(), nil
	})

	o, err := New(Options{
		Config: testConfig(), ConfigHome: configHome, WorkDir: repo,
		SpecPath: specPath, Runner: runner,
	})
	require.NoError(t, err)

	code, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitCompleted, code)
	assert.Equal(t, []string{"US-001", "US-002", "US-010"}, order)
}

func TestRun_WorktreeLifecycle(t *testing.T) {
	repo := initRepo(t)
	configHome := t.TempDir()
	specPath := writeSpecFile(t, t.TempDir(), oneStorySpec("feat/wt"))

	cfg := testConfig()
	cfg.Worktree.Enabled = true
	cfg.Worktree.Cleanup = true

	wantWorktree := filepath.Join(filepath.Dir(repo), filepath.Base(repo)+"-wt-feat-wt")
	defer os.RemoveAll(wantWorktree)

	runner := newFakeRunner(t)
	runner.on(claude.PhaseImplement, func(call int, req claude.Request) (*claude.Outcome, error) {
		// The agent must be working inside the dedicated worktree.
		assert.Equal(t, wantWorktree, req.WorkDir)
		require.NoError(t, os.WriteFile(filepath.Join(req.WorkDir, "wt.go"), []byte("package app\n"), 0644))
		setPasses(t, specPath, "US-001", true)
		return doneOutcome(), nil
	})
	runner.on(claude.PhaseReview, func(call int, req claude.Request) (*claude.Outcome, error) {
		return doneOutcome(), nil
	})
	runner.on(claude.PhaseCommit, func(call int, req claude.Request) (*claude.Outcome, error) {
		gitRun(t, req.WorkDir, "add", "wt.go")
		gitRun(t, req.WorkDir, "commit", "-m", "add wt")
		return doneOutcome(), nil
	})

	o, err := New(Options{
		Config: cfg, ConfigHome: configHome, WorkDir: repo,
		SpecPath: specPath, Runner: runner,
	})
	require.NoError(t, err)

	code, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitCompleted, code)

	// Worktree cleanup ran on completion.
	assert.NoDirExists(t, wantWorktree)

	// The session id is derived from the worktree path, not "main".
	st := archivedState(t, configHome)
	assert.Equal(t, state.StateCompleted, st.MachineState)
	assert.NotEqual(t, session.MainSessionID, session.DeriveID(wantWorktree, false))
}

func TestInitialState(t *testing.T) {
	mk := func(specPath string) *Orchestrator {
		o, err := New(Options{Config: testConfig(), WorkDir: ".", SpecPath: specPath, Runner: newFakeRunner(t)})
		require.NoError(t, err)
		return o
	}

	st, err := mk("").initialState()
	require.NoError(t, err)
	assert.Equal(t, state.StateResuming, st)

	st, err = mk("/x/spec.md").initialState()
	require.NoError(t, err)
	assert.Equal(t, state.StateLoadingSpec, st)

	st, err = mk("/x/spec.json").initialState()
	require.NoError(t, err)
	assert.Equal(t, state.StateInitializing, st)

	_, err = mk("/x/spec.txt").initialState()
	assert.ErrorIs(t, err, ErrSpecInvalid)
}

func TestReviewStrictness(t *testing.T) {
	assert.Contains(t, reviewStrictness(1), "thoroughly")
	assert.Contains(t, reviewStrictness(2), "significant")
	assert.Contains(t, reviewStrictness(3), "blockers")
}
