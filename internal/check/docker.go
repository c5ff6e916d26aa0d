package check

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRunner executes the check command inside a throwaway container with
// the repository bind-mounted at the configured workdir. Used when the
// check needs a toolchain the host does not carry.
type DockerRunner struct {
	cli      *client.Client
	image    string
	command  string
	repoRoot string
	workdir  string
	env      []string
	timeout  time.Duration
	logger   *slog.Logger
}

func NewDockerRunner(image, command, repoRoot, workdir string, env []string, timeout time.Duration, logger *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("initialize docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRunner{
		cli:      cli,
		image:    image,
		command:  command,
		repoRoot: repoRoot,
		workdir:  workdir,
		env:      env,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

func (r *DockerRunner) Run(ctx context.Context) (Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	name := fmt.Sprintf("remedy-check-%d", time.Now().UnixNano())

	repoPath, err := filepath.Abs(r.repoRoot)
	if err != nil {
		return Result{}, fmt.Errorf("resolve repo root: %w", err)
	}

	containerConfig := &container.Config{
		Image:      r.image,
		Cmd:        []string{"sh", "-c", r.command},
		Env:        r.env,
		Tty:        false,
		WorkingDir: r.workdir,
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: repoPath, Target: r.workdir},
		},
		AutoRemove: false,
	}

	resp, err := r.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return Result{}, fmt.Errorf("create check container: %w", err)
	}
	defer r.remove(resp.ID)

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start check container: %w", err)
	}

	exitCode, err := r.waitForExit(ctx, resp.ID)
	if err != nil {
		return Result{}, err
	}

	output, err := r.captureOutput(resp.ID)
	if err != nil {
		r.logger.Warn("could not capture check container logs", "container", name, "error", err)
	}

	if exitCode == 127 || exitCode == 126 {
		return Result{}, fmt.Errorf("check command not runnable in image %s (exit %d): %s", r.image, exitCode, output)
	}

	return Result{
		Passed:   exitCode == 0,
		Output:   output,
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, nil
}

// waitForExit polls the container state until it stops running.
func (r *DockerRunner) waitForExit(ctx context.Context, id string) (int, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		inspect, err := r.cli.ContainerInspect(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("inspect check container: %w", err)
		}
		if !inspect.State.Running {
			if inspect.State.OOMKilled {
				return 0, fmt.Errorf("check container was killed out of memory")
			}
			return inspect.State.ExitCode, nil
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("check timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *DockerRunner) captureOutput(id string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logs, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", err
	}
	return truncateOutput(append(stdout.Bytes(), stderr.Bytes()...)), nil
}

// remove cleans the container up on a background context so a hit deadline
// does not leak it.
func (r *DockerRunner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		r.logger.Warn("could not remove check container", "container", id, "error", err)
	}
}
