package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antigravity-dev/autom8/internal/config"
	"github.com/antigravity-dev/autom8/internal/cost"
	"github.com/antigravity-dev/autom8/internal/knowledge"
	"github.com/antigravity-dev/autom8/internal/spec"
)

// ErrSubprocess is the terminal subprocess failure kind: non-zero exit
// with no completion signal and no parsable structured output.
var ErrSubprocess = errors.New("agent subprocess failed")

// PermissionRequest is a disallowed operation the agent asked to perform.
type PermissionRequest struct {
	RequestID string
	Raw       json.RawMessage
}

// PermissionFunc decides a permission request. The default is deny.
type PermissionFunc func(req PermissionRequest) bool

// Request is one invocation of the agent.
type Request struct {
	Phase   Phase
	Prompt  string
	WorkDir string
}

// Outcome is the typed result of one invocation.
type Outcome struct {
	Completed bool // saw the completion tag
	Cancelled bool
	ExitCode  int
	Summary   string
	Knowledge knowledge.Payload
	Tokens    cost.TokenUsage
	Text      string // concatenated text stream
}

// Runner invokes the agent CLI. Each invocation is a distinct process.
type Runner struct {
	cfg     config.Claude
	backend Backend

	// Permission decides disallowed-tool requests; nil denies everything.
	Permission PermissionFunc
	// OnEvent is invoked for every parsed event, including raw
	// passthrough lines. Optional.
	OnEvent func(Event)
}

// NewRunner builds a runner with the backend selected by config.
func NewRunner(cfg config.Claude) (*Runner, error) {
	var backend Backend
	switch cfg.Runner {
	case "docker":
		b, err := NewDockerBackend(cfg.DockerImage)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		backend = &HeadlessBackend{}
	}
	return &Runner{cfg: cfg, backend: backend}, nil
}

// NewRunnerWithBackend builds a runner over an explicit backend (tests).
func NewRunnerWithBackend(cfg config.Claude, backend Backend) *Runner {
	return &Runner{cfg: cfg, backend: backend}
}

// argv assembles the CLI command for a phase.
func (r *Runner) argv(phase Phase) []string {
	args := []string{r.cfg.Cmd}
	args = append(args, r.cfg.Args...)
	if strings.TrimSpace(r.cfg.Model) != "" {
		args = append(args, "--model", r.cfg.Model)
	}
	args = append(args, permissionArgs(phase, r.cfg.AllPermissions)...)
	return args
}

// Invoke runs the agent once and returns a typed outcome. Cancellation
// yields Outcome.Cancelled with a nil error; a process that exits non-zero
// without any structured output yields ErrSubprocess.
func (r *Runner) Invoke(ctx context.Context, req Request) (*Outcome, error) {
	var text strings.Builder
	var tokens cost.TokenUsage
	sawStructured := false

	onLine := func(line string) {
		for _, ev := range ParseLine(line) {
			switch ev.Kind {
			case EventText:
				text.WriteString(ev.Text)
				sawStructured = true
			case EventToolUse, EventToolResult, EventTerminator:
				sawStructured = true
			case EventTokenUsage:
				tokens = cost.TokenUsage{Input: ev.Input, Output: ev.Output}
				sawStructured = true
			case EventPermissionRequest:
				r.handlePermission(ev, req.Phase)
			}
			if r.OnEvent != nil {
				r.OnEvent(ev)
			}
		}
	}

	inv := Invocation{
		Argv:   r.argv(req.Phase),
		Dir:    req.WorkDir,
		Prompt: req.Prompt,
	}

	slog.Info("invoking agent", "phase", req.Phase, "backend", r.backend.Name(), "workdir", req.WorkDir)
	exitCode, err := r.backend.Run(ctx, inv, r.cfg.KillGrace.Duration, onLine)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &Outcome{Cancelled: true, ExitCode: exitCode, Text: text.String()}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrSubprocess, err)
	}

	complete, payload := ScanTags(text.String())

	if tokens.Input == 0 && tokens.Output == 0 {
		tokens = cost.ExtractTokenUsage(text.String(), req.Prompt)
	}

	outcome := &Outcome{
		Completed: complete,
		ExitCode:  exitCode,
		Summary:   payload.Summary,
		Knowledge: payload,
		Tokens:    tokens,
		Text:      text.String(),
	}

	if exitCode != 0 && !complete && !sawStructured {
		return nil, fmt.Errorf("%w: exit code %d with no parsable output", ErrSubprocess, exitCode)
	}

	slog.Info("agent finished", "phase", req.Phase, "exit", exitCode, "complete", complete,
		"tokens_in", tokens.Input, "tokens_out", tokens.Output)
	return outcome, nil
}

// handlePermission surfaces a disallowed-operation request to the
// configured handler. Deny is the default; enforcement itself travels in
// the tool-restriction flags, so a denied request simply stays blocked.
func (r *Runner) handlePermission(ev Event, phase Phase) {
	allow := false
	if r.Permission != nil {
		allow = r.Permission(PermissionRequest{RequestID: ev.RequestID, Raw: ev.ToolInput})
	}
	slog.Info("permission request", "phase", phase, "request", ev.RequestID, "allow", allow)
}

// convertSpecAttempts bounds retries when the produced artifact is
// malformed JSON. Other phases never retry.
const convertSpecAttempts = 3

// ConvertSpec drives the convertSpec phase: the agent writes the spec JSON
// artifact at outPath, and the result is loaded and validated. Malformed
// output is retried, for at most 3 attempts in total.
func (r *Runner) ConvertSpec(ctx context.Context, prompt, workDir, outPath string) (*spec.Spec, error) {
	var lastErr error
	for attempt := 1; attempt <= convertSpecAttempts; attempt++ {
		outcome, err := r.Invoke(ctx, Request{Phase: PhaseConvertSpec, Prompt: prompt, WorkDir: workDir})
		if err != nil {
			return nil, err
		}
		if outcome.Cancelled {
			return nil, context.Canceled
		}

		s, err := spec.Load(outPath)
		if err == nil {
			return s, nil
		}
		lastErr = err
		slog.Warn("spec conversion produced invalid artifact", "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("spec conversion failed after %d attempts: %w", convertSpecAttempts, lastErr)
}
