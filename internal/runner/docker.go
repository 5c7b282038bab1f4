package runner

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
)

// ContainerSpec describes the sandbox container for one execution.
type ContainerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
	Mounts     []MountSpec
	Labels     map[string]string
}

// MountSpec is a bind mount.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerHandle identifies a created container.
type ContainerHandle struct {
	ID   string
	Name string
}

// DockerClient wraps the Docker SDK with the small surface the runner
// needs: sandboxed create/start, log streaming, wait, stop, discovery.
type DockerClient struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewDockerClient connects to the Docker daemon.
func NewDockerClient(cfg config.DockerConfig, log *logger.Logger) (*DockerClient, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerClient{cli: cli, logger: log.WithFields(zap.String("component", "docker"))}, nil
}

// Close releases the client connection.
func (d *DockerClient) Close() error { return d.cli.Close() }

// Ping checks daemon availability.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// CreateSandboxed creates a container hardened for untrusted subprocess
// execution: no-new-privileges, all capabilities dropped, auto-removed
// on exit.
func (d *DockerClient) CreateSandboxed(ctx context.Context, spec ContainerSpec) (ContainerHandle, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		User:       spec.User,
		Labels:     spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		AutoRemove:  true,
		SecurityOpt: []string{"no-new-privileges:true"},
		CapDrop:     []string{"ALL"},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return ContainerHandle{}, fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	d.logger.Info("container created", zap.String("id", resp.ID), zap.String("name", spec.Name))
	return ContainerHandle{ID: resp.ID, Name: spec.Name}, nil
}

// Start starts the container.
func (d *DockerClient) Start(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

// Stop sends SIGTERM and escalates to SIGKILL after the grace period.
func (d *DockerClient) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// StreamOutput follows the container's combined stdout/stderr, already
// demultiplexed from Docker's framed transport.
func (d *DockerClient) StreamOutput(ctx context.Context, containerID string) (io.ReadCloser, error) {
	raw, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs %s: %w", containerID, err)
	}
	pr, pw := io.Pipe()
	go func() {
		defer raw.Close()
		defer pw.Close()
		d.demultiplex(raw, pw)
	}()
	return pr, nil
}

// demultiplex reads Docker's 8-byte-header framed stream (Tty=false) and
// writes stdout and stderr payloads through in order.
func (d *DockerClient) demultiplex(reader io.Reader, writer io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err != io.EOF {
				d.logger.Debug("output stream ended", zap.Error(err))
			}
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			d.logger.Debug("truncated output frame", zap.Error(err))
			return
		}
		if streamType == 1 || streamType == 2 {
			_, _ = writer.Write(data)
		}
	}
}

// Wait blocks until the container exits and returns its exit code.
func (d *DockerClient) Wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("wait for container %s: %w", containerID, err)
		}
		return -1, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// FindByMountSource returns the first running container bind-mounting the
// given host path. Used for container discovery shortly after launch.
func (d *DockerClient) FindByMountSource(ctx context.Context, hostPath string) (*ContainerHandle, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	for _, ctr := range containers {
		for _, m := range ctr.Mounts {
			if m.Source != hostPath {
				continue
			}
			name := ""
			if len(ctr.Names) > 0 {
				name = strings.TrimPrefix(ctr.Names[0], "/")
			}
			return &ContainerHandle{ID: ctr.ID, Name: name}, nil
		}
	}
	return nil, nil
}
