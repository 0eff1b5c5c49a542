package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// OwnerLabel tags containers with the node that started them
const OwnerLabel = "farm.owner"

// DockerRunner runs each tool invocation in a fresh container of one image.
// The working directory is bind-mounted at the same path.
type DockerRunner struct {
	cli            *client.Client
	image          string
	defaultTimeout time.Duration
	log            *zap.Logger
	procs          *tracker
}

var _ port.ProcessRunner = (*DockerRunner)(nil)

// NewDockerRunner connects to the daemon from the environment and pulls image
func NewDockerRunner(ctx context.Context, image string, defaultTimeout time.Duration, log *zap.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	r := &DockerRunner{
		cli:            cli,
		image:          image,
		defaultTimeout: defaultTimeout,
		log:            log.With(zap.String("image", image)),
		procs:          newTracker(),
	}
	r.pull(ctx)
	return r, nil
}

func (r *DockerRunner) pull(ctx context.Context) {
	reader, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		r.log.Warn("Failed to pull image, relying on local copy", zap.Error(err))
		return
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	r.log.Info("Docker image is ready")
}

// Run creates, starts and waits for a container, then collects its logs and removes it
func (r *DockerRunner) Run(ctx context.Context, spec port.ProcessSpec) (*port.ProcessResult, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}

	name := spec.Name
	if name == "" {
		name = spec.Command
	}

	hostConfig := &container.HostConfig{}
	if spec.Dir != "" {
		hostConfig.Binds = []string{spec.Dir + ":" + spec.Dir}
	}

	resp, err := r.cli.ContainerCreate(runCtx, &container.Config{
		Image:      r.image,
		Cmd:        append([]string{spec.Command}, spec.Args...),
		Env:        spec.Env,
		WorkingDir: spec.Dir,
		Tty:        false,
		Labels:     map[string]string{OwnerLabel: spec.Owner},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container for %s: %w", name, err)
	}

	// removal must survive the cancellation that usually triggers it
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := r.cli.ContainerRemove(cleanupCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			r.log.Warn("Failed to remove container", zap.String("container_id", resp.ID), zap.Error(err))
		}
	}()

	id := r.procs.add(spec.Owner, func() {
		cancel()
		_ = r.cli.ContainerKill(cleanupCtx, resp.ID, "KILL")
	})

	started := time.Now()
	if err := r.cli.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		r.procs.done(spec.Owner, id)
		return nil, fmt.Errorf("start container for %s: %w", name, err)
	}

	result := &port.ProcessResult{ExitCode: -1}
	statusCh, errCh := r.cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	var waitErr error
	select {
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
		if status.Error != nil {
			waitErr = errors.New(status.Error.Message)
		}
	case waitErr = <-errCh:
	}
	result.Duration = time.Since(started)
	killed := r.procs.done(spec.Owner, id)

	var stdout, stderr bytes.Buffer
	if logs, err := r.cli.ContainerLogs(cleanupCtx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true}); err == nil {
		_, _ = stdcopy.StdCopy(&stdout, &stderr, logs)
		logs.Close()
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	switch {
	case killed:
		return result, ErrKilled
	case ctx.Err() != nil:
		return result, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return result, fmt.Errorf("%s timed out after %s", name, timeout)
	case waitErr != nil:
		return result, fmt.Errorf("wait for %s: %w", name, waitErr)
	case result.ExitCode != 0:
		return result, &ExitError{Name: name, Code: result.ExitCode, Stderr: tail(result.Stderr, 512)}
	}
	return result, nil
}

// Kill stops every container started for owner
func (r *DockerRunner) Kill(owner string) error {
	if n := r.procs.kill(owner); n > 0 {
		r.log.Info("Killed containers", zap.String("owner", owner), zap.Int("count", n))
	}
	return nil
}

// Close releases the docker client
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}
