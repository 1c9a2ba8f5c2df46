// Package config loads and validates the autom8 TOML configuration.
// A global config at <config-home>/config.toml is overridden field-wise
// by the project config at <config-home>/<project>/config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "5s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Run      Run      `toml:"run" json:"run"`
	Worktree Worktree `toml:"worktree" json:"worktree"`
	Claude   Claude   `toml:"claude" json:"claude"`
}

// Run controls which phases execute and their iteration caps.
type Run struct {
	Review              bool `toml:"review" json:"review"`
	Commit              bool `toml:"commit" json:"commit"`
	PullRequest         bool `toml:"pull_request" json:"pullRequest"` // requires commit
	PullRequestDraft    bool `toml:"pull_request_draft" json:"pullRequestDraft"`
	SkipReview          bool `toml:"skip_review" json:"skipReview"`
	MaxStoryIterations  int  `toml:"max_story_iterations" json:"maxStoryIterations"`
	MaxReviewIterations int  `toml:"max_review_iterations" json:"maxReviewIterations"`
}

// Worktree controls dedicated-worktree runs.
type Worktree struct {
	Enabled     bool   `toml:"enabled" json:"enabled"`
	PathPattern string `toml:"path_pattern" json:"pathPattern"` // {repo} and {branch} placeholders
	Cleanup     bool   `toml:"cleanup" json:"cleanup"`          // destroy worktree on completed
}

// Claude configures the agent CLI subprocess.
type Claude struct {
	Cmd               string   `toml:"cmd" json:"cmd"`
	Args              []string `toml:"args" json:"args"`
	Model             string   `toml:"model" json:"model"`
	AllPermissions    bool     `toml:"all_permissions" json:"allPermissions"` // bypass the permission broker
	Runner            string   `toml:"runner" json:"runner"`                  // "headless" or "docker"
	DockerImage       string   `toml:"docker_image" json:"dockerImage"`
	KillGrace         Duration `toml:"kill_grace" json:"killGrace"` // SIGINT to SIGKILL window
	CostInputPerMtok  float64  `toml:"cost_input_per_mtok" json:"costInputPerMtok"`
	CostOutputPerMtok float64  `toml:"cost_output_per_mtok" json:"costOutputPerMtok"`
}

// ConfigHome returns the autom8 config root, honoring XDG_CONFIG_HOME.
func ConfigHome() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "autom8")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".autom8")
	}
	return filepath.Join(home, ".config", "autom8")
}

// ProjectDir returns the per-project directory under the config home.
func ProjectDir(configHome, project string) string {
	return filepath.Join(configHome, project)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Run: Run{
			Review:              true,
			Commit:              true,
			PullRequest:         true,
			MaxStoryIterations:  10,
			MaxReviewIterations: 3,
		},
		Worktree: Worktree{
			PathPattern: "{repo}-wt-{branch}",
		},
		Claude: Claude{
			Cmd:       "claude",
			Args:      []string{"-p", "--output-format=stream-json", "--verbose"},
			Runner:    "headless",
			KillGrace: Duration{5 * time.Second},
		},
	}
}

// Load reads the layered configuration for a project. Missing files are
// not errors; defaults apply underneath both layers.
func Load(configHome, project string) (*Config, error) {
	cfg := Default()

	globalPath := filepath.Join(configHome, "config.toml")
	if err := decodeInto(globalPath, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(project) != "" {
		projectPath := filepath.Join(ProjectDir(configHome, project), "config.toml")
		if err := decodeInto(projectPath, cfg); err != nil {
			return nil, err
		}
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeInto layers one TOML file over cfg. Fields absent from the file
// keep their current values, which is what gives field-wise override.
func decodeInto(path string, cfg *Config) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Run.MaxStoryIterations <= 0 {
		cfg.Run.MaxStoryIterations = 10
	}
	if cfg.Run.MaxReviewIterations <= 0 {
		cfg.Run.MaxReviewIterations = 3
	}
	if strings.TrimSpace(cfg.Worktree.PathPattern) == "" {
		cfg.Worktree.PathPattern = "{repo}-wt-{branch}"
	}
	if strings.TrimSpace(cfg.Claude.Cmd) == "" {
		cfg.Claude.Cmd = "claude"
	}
	if len(cfg.Claude.Args) == 0 {
		cfg.Claude.Args = []string{"-p", "--output-format=stream-json", "--verbose"}
	}
	if strings.TrimSpace(cfg.Claude.Runner) == "" {
		cfg.Claude.Runner = "headless"
	}
	if cfg.Claude.KillGrace.Duration <= 0 {
		cfg.Claude.KillGrace = Duration{5 * time.Second}
	}
}

func validate(cfg *Config) error {
	if cfg.Run.PullRequest && !cfg.Run.Commit {
		return fmt.Errorf("pull_request requires commit to be enabled")
	}
	switch cfg.Claude.Runner {
	case "headless", "docker":
	default:
		return fmt.Errorf("unknown runner %q (want headless or docker)", cfg.Claude.Runner)
	}
	if cfg.Claude.Runner == "docker" && strings.TrimSpace(cfg.Claude.DockerImage) == "" {
		return fmt.Errorf("docker runner requires docker_image")
	}
	return nil
}

// Clone returns a deep copy, used to freeze the config snapshot at run start.
func (cfg *Config) Clone() *Config {
	out := *cfg
	out.Claude.Args = append([]string(nil), cfg.Claude.Args...)
	return &out
}

// ExpandHome expands a leading ~/ in a path.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
