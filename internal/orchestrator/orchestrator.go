// Package orchestrator drives a run through its state machine: story
// implementation, review, correction, commit, and PR creation. Every
// transition is persisted before the next action runs, so a crashed or
// interrupted run resumes exactly where it stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/antigravity-dev/autom8/internal/claude"
	"github.com/antigravity-dev/autom8/internal/config"
	"github.com/antigravity-dev/autom8/internal/cost"
	"github.com/antigravity-dev/autom8/internal/git"
	"github.com/antigravity-dev/autom8/internal/session"
	"github.com/antigravity-dev/autom8/internal/spec"
	"github.com/antigravity-dev/autom8/internal/state"
	"github.com/antigravity-dev/autom8/internal/store"
)

// Process exit codes.
const (
	ExitCompleted = 0
	ExitFailed    = 1
	ExitCancelled = 130
)

// errCancelled routes an external interrupt out of a step without
// treating it as a failure.
var errCancelled = errors.New("run cancelled")

// agentRunner is the slice of the claude runtime the orchestrator uses.
type agentRunner interface {
	Invoke(ctx context.Context, req claude.Request) (*claude.Outcome, error)
	ConvertSpec(ctx context.Context, prompt, workDir, outPath string) (*spec.Spec, error)
}

// Options configures a run.
type Options struct {
	Config     *config.Config
	ConfigHome string
	Project    string // required when launching from markdown or resuming
	WorkDir    string // launch directory: primary repo or an existing worktree
	SpecPath   string // "" resumes; .md converts; .json initializes
	Runner     agentRunner
	History    *store.Store // optional invocation bookkeeping

	// CreateSpec is the rendezvous with the interactive spec-authoring
	// session: it returns the path of the markdown spec it produced.
	CreateSpec func(ctx context.Context) (string, error)
}

// Orchestrator is the top-level control loop for one run.
type Orchestrator struct {
	cfg  *config.Config
	opts Options

	workDir    string
	repoRoot   string // primary repository root, set when a worktree is created
	project    string
	projectDir string
	registry   *session.Registry
	sessionID  string
	sessionDir string
	lock       *os.File

	spec     *spec.Spec
	markdown string
	mdPath   string
	st       *state.RunState
	prURL    string
}

// New validates options and prepares an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("orchestrator requires a config")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("orchestrator requires a runner")
	}
	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work dir: %w", err)
	}
	return &Orchestrator{
		cfg:     opts.Config,
		opts:    opts,
		workDir: workDir,
		project: opts.Project,
	}, nil
}

// PRURL returns the created pull request URL, if any.
func (o *Orchestrator) PRURL() string { return o.prURL }

// State exposes the current run state (read-only use).
func (o *Orchestrator) State() *state.RunState { return o.st }

// initialState maps the launch mode onto the machine's entry state.
func (o *Orchestrator) initialState() (state.Machine, error) {
	switch {
	case o.opts.SpecPath == "":
		return state.StateResuming, nil
	case strings.HasSuffix(o.opts.SpecPath, ".md"):
		o.mdPath = o.opts.SpecPath
		return state.StateLoadingSpec, nil
	case strings.HasSuffix(o.opts.SpecPath, ".json"):
		return state.StateInitializing, nil
	default:
		return "", fmt.Errorf("%w: spec path %s is neither .md nor .json", ErrSpecInvalid, o.opts.SpecPath)
	}
}

// Run executes the machine to a terminal state and returns the process
// exit code. The returned error describes the failure, if any.
func (o *Orchestrator) Run(ctx context.Context) (int, error) {
	initial, err := o.initialState()
	if err != nil {
		return ExitFailed, err
	}
	o.st = state.New(initial, o.cfg)
	o.st.SpecPath = o.opts.SpecPath
	defer o.releaseLock()

	var failure error
	for {
		if ctx.Err() != nil {
			return o.cancel()
		}
		if o.st.MachineState.Terminal() {
			return o.finalize(failure)
		}

		next, err := o.step(ctx)
		switch {
		case errors.Is(err, errCancelled):
			return o.cancel()
		case err != nil:
			// Before a session exists there is nothing to persist; the
			// failure surfaces directly (e.g. a branch conflict writes
			// no state).
			if o.sessionDir == "" {
				return ExitFailed, err
			}
			failure = err
			o.st.FailureReason = err.Error()
			next = state.StateFailed
		}

		slog.Debug("transition", "from", o.st.MachineState, "to", next)
		o.st.Transition(next)
		if o.sessionDir != "" {
			if err := o.st.Save(o.sessionDir); err != nil {
				return ExitFailed, err
			}
		}
	}
}

// step dispatches on the machine state and returns the next state.
func (o *Orchestrator) step(ctx context.Context) (state.Machine, error) {
	switch o.st.MachineState {
	case state.StateResuming:
		return o.stepResuming()
	case state.StateCreatingSpec:
		return o.stepCreatingSpec(ctx)
	case state.StateLoadingSpec:
		return o.stepLoadingSpec()
	case state.StateGeneratingSpec:
		return o.stepGeneratingSpec(ctx)
	case state.StateInitializing:
		return o.stepInitializing()
	case state.StatePickingStory:
		return o.stepPickingStory()
	case state.StateRunningClaude:
		return o.stepRunningClaude(ctx)
	case state.StateReviewing:
		return o.stepReviewing(ctx)
	case state.StateCorrecting:
		return o.stepCorrecting(ctx)
	case state.StateCommitting:
		return o.stepCommitting(ctx)
	case state.StateCreatingPR:
		return o.stepCreatingPR(ctx)
	default:
		return "", fmt.Errorf("no handler for state %s", o.st.MachineState)
	}
}

func (o *Orchestrator) stepResuming() (state.Machine, error) {
	if o.project == "" {
		return "", fmt.Errorf("resuming requires a project")
	}
	o.projectDir = config.ProjectDir(o.opts.ConfigHome, o.project)
	o.registry = session.NewRegistry(o.projectDir)

	sessionID := session.DeriveID(o.workDir, !git.IsWorktree(o.workDir))
	sessionDir := o.registry.Dir(sessionID)

	if !state.Exists(sessionDir) {
		return state.StateCreatingSpec, nil
	}

	prior, err := state.Load(sessionDir)
	if err != nil {
		return "", err
	}

	o.sessionID = sessionID
	o.sessionDir = sessionDir
	lock, err := session.AcquireLock(sessionDir)
	if err != nil {
		return "", err
	}
	o.lock = lock

	s, err := spec.Load(prior.SpecPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpecInvalid, err)
	}
	o.spec = s
	o.st = prior
	if err := o.saveMetadata(session.StatusRunning); err != nil {
		return "", err
	}

	slog.Info("resuming run", "session", sessionID, "state", prior.MachineState,
		"story", prior.CurrentStoryID, "iteration", prior.StoryIteration)
	return prior.MachineState, nil
}

func (o *Orchestrator) stepCreatingSpec(ctx context.Context) (state.Machine, error) {
	if o.opts.CreateSpec == nil {
		return "", fmt.Errorf("%w: no spec found and no interactive authoring session configured", ErrSpecInvalid)
	}
	mdPath, err := o.opts.CreateSpec(ctx)
	if err != nil {
		return "", fmt.Errorf("spec authoring session failed: %w", err)
	}
	if _, err := os.Stat(mdPath); err != nil {
		return "", fmt.Errorf("%w: authoring session produced no spec file: %v", ErrSpecInvalid, err)
	}
	o.mdPath = mdPath
	return state.StateLoadingSpec, nil
}

func (o *Orchestrator) stepLoadingSpec() (state.Machine, error) {
	data, err := os.ReadFile(o.mdPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpecInvalid, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("%w: markdown spec %s is empty", ErrSpecInvalid, o.mdPath)
	}
	o.markdown = string(data)
	return state.StateGeneratingSpec, nil
}

func (o *Orchestrator) stepGeneratingSpec(ctx context.Context) (state.Machine, error) {
	if o.project == "" {
		return "", fmt.Errorf("%w: generating a spec requires a project", ErrSpecInvalid)
	}
	specDir := filepath.Join(config.ProjectDir(o.opts.ConfigHome, o.project), "spec")
	if err := os.MkdirAll(specDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create spec dir: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(o.mdPath), ".md")
	outPath := filepath.Join(specDir, fmt.Sprintf("spec-%s.json", base))

	s, err := o.opts.Runner.ConvertSpec(ctx, convertSpecPrompt(o.markdown, outPath), o.workDir, outPath)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", errCancelled
		}
		return "", err
	}

	o.spec = s
	o.st.SpecPath = outPath
	return state.StateInitializing, nil
}

func (o *Orchestrator) stepInitializing() (state.Machine, error) {
	if o.spec == nil {
		s, err := spec.Load(o.opts.SpecPath)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSpecInvalid, err)
		}
		o.spec = s
		o.st.SpecPath = o.opts.SpecPath
	}

	o.project = o.spec.Project
	o.projectDir = config.ProjectDir(o.opts.ConfigHome, o.project)
	o.registry = session.NewRegistry(o.projectDir)
	branch := o.spec.BranchName

	// Resolve where this session will live before claiming anything.
	workDir := o.workDir
	usingWorktree := git.IsWorktree(workDir)
	var worktreePath string
	if o.cfg.Worktree.Enabled && !usingWorktree {
		repoRoot, err := git.RepoRoot(workDir)
		if err != nil {
			return "", err
		}
		worktreePath = git.WorktreePath(repoRoot, branch, o.cfg.Worktree.PathPattern)
		workDir = worktreePath
		usingWorktree = true
	}
	sessionID := session.DeriveID(workDir, !usingWorktree)

	// Branch conflict check happens before any state is written.
	if err := o.registry.CheckBranch(branch, sessionID); err != nil {
		return "", err
	}

	if worktreePath != "" {
		repoRoot, err := git.RepoRoot(o.workDir)
		if err != nil {
			return "", err
		}
		if err := git.AddWorktree(repoRoot, worktreePath, branch); err != nil {
			return "", err
		}
		o.repoRoot = repoRoot
	} else if err := git.EnsureBranch(workDir, branch); err != nil {
		return "", err
	}
	o.workDir = workDir

	o.sessionID = sessionID
	o.sessionDir = o.registry.Dir(sessionID)
	lock, err := session.AcquireLock(o.sessionDir)
	if err != nil {
		return "", err
	}
	o.lock = lock

	if o.st.BaselineCommit == "" {
		head, err := git.Head(o.workDir)
		if err != nil {
			return "", err
		}
		o.st.BaselineCommit = head
	}

	if err := o.saveMetadata(session.StatusRunning); err != nil {
		return "", err
	}

	slog.Info("run initialized", "session", sessionID, "branch", branch, "workdir", o.workDir)
	return state.StatePickingStory, nil
}

func (o *Orchestrator) stepPickingStory() (state.Machine, error) {
	// The agent mutates the passes flags in place; re-read every time.
	s, err := spec.Load(o.st.SpecPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpecInvalid, err)
	}
	o.spec = s

	next := s.NextStory()
	if next == nil {
		if !o.cfg.Run.Review || o.cfg.Run.SkipReview {
			return state.StateCommitting, nil
		}
		return state.StateReviewing, nil
	}

	if o.st.CurrentStoryID != next.ID {
		head, err := git.Head(o.workDir)
		if err != nil {
			return "", err
		}
		o.st.CurrentStoryID = next.ID
		o.st.StoryIteration = 0
		o.st.PreStoryCommit = head
	}
	return state.StateRunningClaude, nil
}

func (o *Orchestrator) stepRunningClaude(ctx context.Context) (state.Machine, error) {
	story := o.spec.Story(o.st.CurrentStoryID)
	if story == nil {
		return "", fmt.Errorf("%w: current story %s not in spec", ErrSpecInvalid, o.st.CurrentStoryID)
	}

	o.st.StoryIteration++
	if o.st.StoryIteration > o.cfg.Run.MaxStoryIterations {
		return "", fmt.Errorf("%w: story %s after %d iterations",
			ErrMaxStoryIterations, story.ID, o.cfg.Run.MaxStoryIterations)
	}

	prompt := implementPrompt(o.spec, story, o.st.StoryIteration, o.st.Knowledge, o.st.SpecPath)
	outcome, err := o.invoke(ctx, claude.PhaseImplement, prompt, story.ID, o.st.StoryIteration)
	if err != nil {
		return "", err
	}

	if outcome.Completed || outcome.Summary != "" {
		o.st.Knowledge.Merge(story.ID, outcome.Knowledge)
		if diff, err := git.Diff(o.workDir, o.st.PreStoryCommit); err == nil {
			slog.Info("story changeset captured", "story", story.ID, "bytes", len(diff))
		}
	}
	return state.StatePickingStory, nil
}

func (o *Orchestrator) stepReviewing(ctx context.Context) (state.Machine, error) {
	pass := o.st.ReviewIteration + 1
	if pass > o.cfg.Run.MaxReviewIterations {
		return "", fmt.Errorf("%w: after %d review passes", ErrMaxReviewIterations, o.st.ReviewIteration)
	}

	if err := clearReviewArtifact(o.workDir); err != nil {
		return "", fmt.Errorf("failed to clear review artifact: %w", err)
	}

	prompt := reviewPrompt(o.spec, pass, o.st.Knowledge, reviewArtifactPath(o.workDir))
	if _, err := o.invoke(ctx, claude.PhaseReview, prompt, "", pass); err != nil {
		return "", err
	}
	o.st.ReviewIteration = pass

	findings := readReviewFindings(o.workDir)
	if findings == "" {
		return state.StateCommitting, nil
	}
	if o.st.ReviewIteration >= o.cfg.Run.MaxReviewIterations {
		return "", fmt.Errorf("%w: issues remain after %d review passes",
			ErrMaxReviewIterations, o.st.ReviewIteration)
	}
	return state.StateCorrecting, nil
}

func (o *Orchestrator) stepCorrecting(ctx context.Context) (state.Machine, error) {
	findings := readReviewFindings(o.workDir)
	prompt := correctPrompt(o.spec, findings, o.st.Knowledge)
	if _, err := o.invoke(ctx, claude.PhaseCorrect, prompt, "", o.st.ReviewIteration); err != nil {
		return "", err
	}
	return state.StateReviewing, nil
}

// commitExclusions lists paths the agent must never stage: the spec
// artifact, internal session state, and the review rendezvous file.
func (o *Orchestrator) commitExclusions() []string {
	return []string{
		o.st.SpecPath,
		o.sessionDir,
		ReviewArtifactName,
	}
}

// excludeFromStatus filters porcelain paths the same way the commit
// prompt's exclusion list does.
func (o *Orchestrator) excludeFromStatus(path string) bool {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(o.workDir, path)
	}
	if abs == o.st.SpecPath || strings.HasPrefix(abs, o.sessionDir+string(os.PathSeparator)) {
		return true
	}
	return filepath.Base(path) == ReviewArtifactName
}

func (o *Orchestrator) stepCommitting(ctx context.Context) (state.Machine, error) {
	if !o.cfg.Run.Commit {
		return state.StateCompleted, nil
	}

	dirty, err := git.HasChanges(o.workDir, o.excludeFromStatus)
	if err != nil {
		return "", err
	}
	if !dirty {
		// Nothing to commit is a normal outcome, not a failure.
		slog.Info("nothing to commit")
		return state.StateCompleted, nil
	}

	prompt := commitPrompt(o.spec, o.commitExclusions())
	if _, err := o.invoke(ctx, claude.PhaseCommit, prompt, "", 0); err != nil {
		return "", err
	}

	if o.cfg.Run.PullRequest {
		return state.StateCreatingPR, nil
	}
	return state.StateCompleted, nil
}

func (o *Orchestrator) stepCreatingPR(ctx context.Context) (state.Machine, error) {
	reason, err := git.CheckPRPrerequisites(o.workDir)
	if err != nil {
		return "", fmt.Errorf("PR prerequisite check failed: %w", err)
	}
	if reason != "" {
		// Graceful skip: the run still completed.
		slog.Info("skipping pull request", "reason", reason)
		return state.StateCompleted, nil
	}

	body := defaultPRBody(o.spec)
	if template := git.FindPRTemplate(o.workDir); template != "" {
		outcome, err := o.invoke(ctx, claude.PhaseCreatePR, prBodyPrompt(o.spec, template, o.st.Knowledge), "", 0)
		if err != nil {
			return "", err
		}
		if text := strings.TrimSpace(strings.ReplaceAll(outcome.Text, claude.CompleteTag, "")); text != "" {
			body = text
		}
	}

	branch := o.spec.BranchName
	if err := git.Push(o.workDir, branch); err != nil {
		return "", err
	}

	title := o.spec.Description
	if title == "" {
		title = branch
	}
	url, _, err := git.CreatePR(o.workDir, branch, git.DefaultBranch(o.workDir), title, body, o.cfg.Run.PullRequestDraft)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			slog.Info("skipping pull request", "reason", "already exists")
			return state.StateCompleted, nil
		}
		return "", err
	}

	o.prURL = url
	slog.Info("pull request created", "url", url)
	return state.StateCompleted, nil
}

// invoke runs one agent iteration, folds its tokens into the run totals,
// and records it in the history store.
func (o *Orchestrator) invoke(ctx context.Context, phase claude.Phase, prompt, storyID string, iteration int) (*claude.Outcome, error) {
	started := time.Now()
	outcome, err := o.opts.Runner.Invoke(ctx, claude.Request{
		Phase:   phase,
		Prompt:  prompt,
		WorkDir: o.workDir,
	})
	if err != nil {
		return nil, err
	}
	if outcome.Cancelled {
		return nil, errCancelled
	}

	o.st.TokenTotals.Input += outcome.Tokens.Input
	o.st.TokenTotals.Output += outcome.Tokens.Output
	o.recordInvocation(phase, storyID, iteration, outcome, time.Since(started))
	return outcome, nil
}

func (o *Orchestrator) recordInvocation(phase claude.Phase, storyID string, iteration int, outcome *claude.Outcome, elapsed time.Duration) {
	if o.opts.History == nil {
		return
	}
	err := o.opts.History.RecordInvocation(&store.Invocation{
		SessionID:    o.sessionID,
		Project:      o.project,
		Branch:       o.spec.BranchName,
		Phase:        string(phase),
		StoryID:      storyID,
		Iteration:    iteration,
		ExitCode:     outcome.ExitCode,
		Completed:    outcome.Completed,
		Cancelled:    outcome.Cancelled,
		InputTokens:  outcome.Tokens.Input,
		OutputTokens: outcome.Tokens.Output,
		CostUSD: cost.CalculateCost(cost.TokenUsage{Input: outcome.Tokens.Input, Output: outcome.Tokens.Output},
			o.cfg.Claude.CostInputPerMtok, o.cfg.Claude.CostOutputPerMtok),
		DurationS: elapsed.Seconds(),
	})
	if err != nil {
		slog.Warn("failed to record invocation", "error", err)
	}
}

func (o *Orchestrator) saveMetadata(status session.Status) error {
	m := &session.Metadata{
		SessionID:    o.sessionID,
		WorktreePath: o.workDir,
		Branch:       o.spec.BranchName,
		Project:      o.project,
		Status:       status,
		PID:          os.Getpid(),
	}
	return m.Save(o.sessionDir)
}

// cancel persists the run as-is, marks the session paused, and exits 130.
func (o *Orchestrator) cancel() (int, error) {
	if o.sessionDir != "" {
		if err := o.st.Save(o.sessionDir); err != nil {
			slog.Warn("failed to persist state on cancellation", "error", err)
		}
		if o.spec != nil {
			if err := o.saveMetadata(session.StatusPaused); err != nil {
				slog.Warn("failed to update metadata on cancellation", "error", err)
			}
		}
	}
	slog.Info("run cancelled; resume by relaunching with no arguments")
	return ExitCancelled, nil
}

// finalize handles the terminal states: metadata, history outcome,
// worktree cleanup, and archival of the session directory.
func (o *Orchestrator) finalize(failure error) (int, error) {
	completed := o.st.MachineState == state.StateCompleted

	if o.sessionDir == "" {
		if completed {
			return ExitCompleted, nil
		}
		return ExitFailed, failure
	}

	status := session.StatusFailed
	if completed {
		status = session.StatusCompleted
	}
	if o.spec != nil {
		if err := o.saveMetadata(status); err != nil {
			slog.Warn("failed to update metadata", "error", err)
		}
	}
	o.recordOutcome(completed)

	if completed && o.cfg.Worktree.Cleanup && o.repoRoot != "" && git.IsWorktree(o.workDir) {
		if err := git.RemoveWorktree(o.repoRoot, o.workDir); err != nil {
			slog.Warn("failed to remove worktree", "error", err)
		}
	}

	o.releaseLock()
	if dest, err := state.Archive(o.sessionDir, filepath.Join(o.projectDir, "runs")); err != nil {
		slog.Warn("failed to archive session", "error", err)
	} else {
		slog.Info("session archived", "dest", dest)
	}

	if completed {
		return ExitCompleted, nil
	}
	return ExitFailed, failure
}

func (o *Orchestrator) recordOutcome(completed bool) {
	if o.opts.History == nil || o.spec == nil {
		return
	}
	status := "failed"
	if completed {
		status = "completed"
	}
	err := o.opts.History.RecordOutcome(&store.RunOutcome{
		SessionID:    o.sessionID,
		Project:      o.project,
		Branch:       o.spec.BranchName,
		Status:       status,
		Failure:      o.st.FailureReason,
		Stories:      len(o.spec.UserStories),
		InputTokens:  o.st.TokenTotals.Input,
		OutputTokens: o.st.TokenTotals.Output,
		CostUSD: cost.CalculateCost(cost.TokenUsage{Input: o.st.TokenTotals.Input, Output: o.st.TokenTotals.Output},
			o.cfg.Claude.CostInputPerMtok, o.cfg.Claude.CostOutputPerMtok),
	})
	if err != nil {
		slog.Warn("failed to record run outcome", "error", err)
	}
}

func (o *Orchestrator) releaseLock() {
	if o.lock != nil {
		session.ReleaseLock(o.lock)
		o.lock = nil
	}
}
