package render

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/manthysbr/jewelforge/internal/core/ports"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	managedLabel = "jewelforge.managed"
	jobLabel     = "jewelforge.job_id"
	unitLabel    = "jewelforge.unit"

	// exitMissingInput is the renderer image's exit code for absent assets.
	exitMissingInput = 3

	defaultHeartbeatInterval = 15 * time.Second
)

// containerAPI is the part of the Docker client the renderer uses.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// DockerRenderer renders each unit in a short-lived container. A container
// still running after timeout is removed and the unit fails.
type DockerRenderer struct {
	cli       containerAPI
	image     string
	timeout   time.Duration
	heartbeat time.Duration
	logger    *slog.Logger
}

var _ ports.GenerationOperation = (*DockerRenderer)(nil)

// NewDockerRenderer creates a renderer using the Docker daemon from the environment.
func NewDockerRenderer(logger *slog.Logger, cfg domain.RendererConfig) (*DockerRenderer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRenderer{
		cli:       cli,
		image:     cfg.Image,
		timeout:   cfg.Timeout,
		heartbeat: defaultHeartbeatInterval,
		logger:    logger,
	}, nil
}

func (d *DockerRenderer) Render(ctx context.Context, unit domain.WorkUnit) error {
	name := "jewelforge-render-" + uuid.New().String()
	parent := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	cfg, hostCfg := d.containerConfig(unit)

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
		if pullErr != nil {
			return fmt.Errorf("failed to pull image %s: %w", d.image, pullErr)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	// The container is removed even when ctx was cancelled mid-render.
	defer func() {
		if rmErr := d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil && !client.IsErrNotFound(rmErr) {
			d.logger.Warn("failed to remove render container", "container", resp.ID, "error", rmErr)
		}
	}()

	waitCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	beat := time.NewTicker(d.heartbeatInterval())
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			if parent.Err() == nil {
				return fmt.Errorf("render container for %s did not finish within %s", unit.Key(), d.timeout)
			}
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("waiting for render container: %w", err)
		case status := <-waitCh:
			return exitError(unit, status)
		case <-beat.C:
			domain.Beat(ctx)
		}
	}
}

func (d *DockerRenderer) heartbeatInterval() time.Duration {
	if d.heartbeat > 0 {
		return d.heartbeat
	}
	return defaultHeartbeatInterval
}

func (d *DockerRenderer) containerConfig(unit domain.WorkUnit) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image: d.image,
		Cmd: []string{
			"render",
			"--model", unit.ModelID,
			"--material", unit.Material,
			"--index", strconv.Itoa(unit.Index),
		},
		Env: []string{
			"JEWELFORGE_JOB_ID=" + string(unit.JobID),
		},
		Labels: map[string]string{
			managedLabel: "true",
			jobLabel:     string(unit.JobID),
			unitLabel:    unit.Key(),
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=256m",
		},
	}
	return cfg, hostCfg
}

func exitError(unit domain.WorkUnit, status container.WaitResponse) error {
	if status.Error != nil && status.Error.Message != "" {
		return fmt.Errorf("render container for %s: %s", unit.Key(), status.Error.Message)
	}
	switch status.StatusCode {
	case 0:
		return nil
	case exitMissingInput:
		return domain.NonRetryable(fmt.Errorf("%w: %s", domain.ErrMissingInput, unit.Key()))
	}
	return fmt.Errorf("render container for %s exited with code %d", unit.Key(), status.StatusCode)
}

// CleanupOrphans removes render containers left behind by a previous process.
func (d *DockerRenderer) CleanupOrphans(ctx context.Context) (int, error) {
	args := filters.NewArgs()
	args.Add("label", managedLabel+"=true")

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return 0, fmt.Errorf("list render containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		if err := d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			d.logger.Warn("failed to remove orphaned container", "container", c.ID, "job_id", c.Labels[jobLabel], "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		d.logger.Info("removed orphaned render containers", "count", removed)
	}
	return removed, nil
}
