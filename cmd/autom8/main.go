package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/antigravity-dev/autom8/internal/claude"
	"github.com/antigravity-dev/autom8/internal/config"
	"github.com/antigravity-dev/autom8/internal/orchestrator"
	"github.com/antigravity-dev/autom8/internal/session"
	"github.com/antigravity-dev/autom8/internal/store"
)

func configureLogger(logLevel string, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	specPath := flag.String("spec", "", "feature spec to run (.md converts, .json runs directly; empty resumes)")
	project := flag.String("project", "", "project name (defaults to the repo directory name)")
	configHome := flag.String("config-home", "", "override the config home directory")
	skipReview := flag.Bool("skip-review", false, "skip the review phase")
	prune := flag.Bool("prune", false, "remove stale sessions and exit")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := configureLogger(*logLevel, *dev)
	slog.SetDefault(logger)

	code, err := run(*specPath, *project, *configHome, *skipReview, *prune)
	if err != nil {
		fmt.Fprintf(os.Stderr, "autom8: %v\n", err)
	}
	os.Exit(code)
}

func run(specPath, project, configHome string, skipReview, prune bool) (int, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return orchestrator.ExitFailed, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	if configHome == "" {
		configHome = config.ConfigHome()
	}
	if project == "" {
		project = filepath.Base(workDir)
	}

	cfg, err := config.Load(configHome, project)
	if err != nil {
		return orchestrator.ExitFailed, err
	}
	if skipReview {
		cfg.Run.SkipReview = true
	}

	projectDir := config.ProjectDir(configHome, project)
	if prune {
		pruned, err := session.NewRegistry(projectDir).Prune()
		if err != nil {
			return orchestrator.ExitFailed, err
		}
		fmt.Printf("pruned %d stale session(s)\n", len(pruned))
		return orchestrator.ExitCompleted, nil
	}

	runner, err := claude.NewRunner(cfg.Claude)
	if err != nil {
		return orchestrator.ExitFailed, err
	}

	if err := os.MkdirAll(projectDir, 0755); err != nil {
		return orchestrator.ExitFailed, fmt.Errorf("failed to create project dir: %w", err)
	}
	history, err := store.Open(filepath.Join(projectDir, "history.db"))
	if err != nil {
		slog.Warn("history store unavailable", "error", err)
		history = nil
	} else {
		defer history.Close()
	}

	// One interrupt starts graceful shutdown: the current state persists,
	// the child is stopped, and the run exits 130.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o, err := orchestrator.New(orchestrator.Options{
		Config:     cfg,
		ConfigHome: configHome,
		Project:    project,
		WorkDir:    workDir,
		SpecPath:   specPath,
		Runner:     runner,
		History:    history,
	})
	if err != nil {
		return orchestrator.ExitFailed, err
	}

	code, err := o.Run(ctx)
	if code == orchestrator.ExitCompleted && o.PRURL() != "" {
		fmt.Println(o.PRURL())
	}
	return code, err
}
