package claude

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerBackend runs the agent CLI inside a container with the workspace
// bind-mounted at /workspace.
type DockerBackend struct {
	image string
	cli   *client.Client
}

// NewDockerBackend connects to the local Docker daemon.
func NewDockerBackend(image string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker backend: init client: %w", err)
	}
	return &DockerBackend{image: image, cli: cli}, nil
}

func (b *DockerBackend) Name() string { return "docker" }

func (b *DockerBackend) Run(ctx context.Context, inv Invocation, grace time.Duration, onLine LineFn) (int, error) {
	if len(inv.Argv) == 0 {
		return -1, fmt.Errorf("docker backend: empty argv")
	}

	name := fmt.Sprintf("autom8-agent-%d", time.Now().UnixNano())
	ctxDir := filepath.Join(os.TempDir(), "autom8-ctx-"+name)
	if err := os.MkdirAll(ctxDir, 0755); err != nil {
		return -1, fmt.Errorf("docker backend: create context dir: %w", err)
	}
	defer os.RemoveAll(ctxDir)

	if err := os.WriteFile(filepath.Join(ctxDir, "prompt.txt"), []byte(inv.Prompt), 0644); err != nil {
		return -1, fmt.Errorf("docker backend: write prompt: %w", err)
	}

	shellCmd := shellJoin(inv.Argv) + " < /autom8-ctx/prompt.txt"
	env := append([]string{
		"ANTHROPIC_API_KEY=" + os.Getenv("ANTHROPIC_API_KEY"),
	}, inv.Env...)

	workDir, _ := filepath.Abs(inv.Dir)
	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: ctxDir, Target: "/autom8-ctx", ReadOnly: true},
		{Type: mount.TypeBind, Source: workDir, Target: "/workspace"},
	}
	if home, err := os.UserHomeDir(); err == nil {
		claudeDir := filepath.Join(home, ".claude")
		if _, err := os.Stat(claudeDir); err == nil {
			mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: claudeDir, Target: "/root/.claude"})
		}
	}

	resp, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image:      b.image,
		Cmd:        []string{"sh", "-c", shellCmd},
		WorkingDir: "/workspace",
		Env:        env,
	}, &container.HostConfig{
		Mounts:     mounts,
		AutoRemove: false,
	}, nil, nil, name)
	if err != nil {
		return -1, fmt.Errorf("docker backend: create container: %w", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	}()

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("docker backend: start container: %w", err)
	}

	// Stop on cancellation: SIGINT-equivalent stop with the grace window,
	// then the daemon kills.
	stopDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			graceSecs := int(grace.Seconds())
			stopCtx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
			defer cancel()
			b.cli.ContainerStop(stopCtx, resp.ID, container.StopOptions{Timeout: &graceSecs})
		case <-stopDone:
		}
	}()
	defer close(stopDone)

	logs, err := b.cli.ContainerLogs(context.Background(), resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return -1, fmt.Errorf("docker backend: attach logs: %w", err)
	}
	defer logs.Close()

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, io.Discard, logs)
		pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}

	waitCh, errCh := b.cli.ContainerWait(context.Background(), resp.ID, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return int(res.StatusCode), nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("docker backend: wait: %w", err)
	}
}

// shellJoin quotes argv for sh -c.
func shellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(parts, " ")
}
