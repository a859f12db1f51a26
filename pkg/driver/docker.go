package driver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// DockerDriver implements ContainerDriver against the Docker Engine API
// over its local socket.
type DockerDriver struct {
	cli *client.Client
}

// NewDockerDriver connects to the engine at host (e.g.
// "unix:///var/run/docker.sock"; empty uses the environment defaults) and
// verifies connectivity with up to maxRetries pings spaced by retryDelay.
// Individual RPCs after setup are not retried.
func NewDockerDriver(ctx context.Context, host string, maxRetries int, retryDelay time.Duration) (*DockerDriver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, lastErr = cli.Ping(pingCtx)
		cancel()
		if lastErr == nil {
			slog.Info("Connected to container engine", "host", cli.DaemonHost())
			return &DockerDriver{cli: cli}, nil
		}
		slog.Warn("Container engine ping failed",
			"attempt", attempt,
			"max_retries", maxRetries,
			"error", lastErr)
		if attempt < maxRetries {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				_ = cli.Close()
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
		}
	}
	_ = cli.Close()
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (d *DockerDriver) CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.Network),
		AutoRemove:  spec.AutoRemove,
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", mapEngineError("create container", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// AutoRemove cleans up the created-but-never-started container.
		return "", mapEngineError("start container", err)
	}
	return created.ID, nil
}

// Stop treats already-stopped and already-removed containers as success.
func (d *DockerDriver) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsNotModified(err) {
		return nil
	}
	return mapEngineError("stop container", err)
}

func (d *DockerDriver) ListRunning(ctx context.Context, filterLabels map[string]string) ([]Container, error) {
	args := filters.NewArgs(filters.Arg("status", "running"))
	for k, v := range filterLabels {
		args.Add("label", k+"="+v)
	}
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, mapEngineError("list containers", err)
	}

	containers := make([]Container, 0, len(summaries))
	for _, s := range summaries {
		name := ""
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		containers = append(containers, Container{
			ID:        s.ID,
			Name:      name,
			Labels:    s.Labels,
			CreatedAt: time.Unix(s.Created, 0).UTC(),
			Status:    s.Status,
		})
	}
	return containers, nil
}

func (d *DockerDriver) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, mapEngineError("inspect container", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (d *DockerDriver) Close() error {
	return d.cli.Close()
}

func mapEngineError(op string, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %v", op, ErrImageMissing, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
}

var _ ContainerDriver = (*DockerDriver)(nil)
