package execution

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

const (
	containerNamePrefix = "job-"
	pidsLimit           = int64(256)
)

// DockerRuntime executes jobs in hardened Docker containers: memory ceiling
// with no swap, CPU and pids limits, network disabled, capabilities
// dropped, read-only input mount.
type DockerRuntime struct {
	cli *client.Client
	log *slog.Logger
}

func NewDockerRuntime(log *slog.Logger) (*DockerRuntime, error) {
	if log == nil {
		log = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, log: log}, nil
}

var _ Runtime = (*DockerRuntime)(nil)

func containerName(jobID uuid.UUID) string {
	return containerNamePrefix + jobID.String()
}

func (d *DockerRuntime) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	memBytes, err := units.RAMInBytes(spec.MemoryLimit)
	if err != nil {
		return "", fmt.Errorf("parse memory limit %q: %w", spec.MemoryLimit, err)
	}

	name := containerName(spec.JobID)
	// A crashed previous attempt may have left a unit with this name.
	d.removeByName(ctx, name)

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        []string{"python3", "/workspace/input/" + spec.ScriptName},
			WorkingDir: "/workspace",
			Env: []string{
				"JOB_ID=" + spec.JobID.String(),
				"OUTPUT_DIR=/workspace/output",
				"CUDA_VISIBLE_DEVICES=0",
			},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{
				{Type: mount.TypeBind, Source: spec.InputDir, Target: "/workspace/input", ReadOnly: true},
				{Type: mount.TypeBind, Source: spec.OutputDir, Target: "/workspace/output"},
			},
			Resources: container.Resources{
				Memory:     memBytes,
				MemorySwap: memBytes, // no swap: fast OOM instead of a slow one
				CPUCount:   int64(spec.CPUCount),
				PidsLimit:  ptr(pidsLimit),
			},
			NetworkMode: "none",
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
		},
		nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	d.log.Info("container started", "job_id", spec.JobID, "container_id", resp.ID[:12], "memory", spec.MemoryLimit, "cpus", spec.CPUCount)
	return resp.ID, nil
}

func (d *DockerRuntime) Status(ctx context.Context, containerID string) (*ContainerState, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &ContainerState{Running: false, ExitCode: -1}, nil
		}
		return nil, err
	}
	st := inspect.State
	return &ContainerState{
		Running:   st.Running,
		ExitCode:  st.ExitCode,
		OOMKilled: st.OOMKilled,
	}, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace.Seconds())
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (d *DockerRuntime) Cleanup(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (d *DockerRuntime) Logs(ctx context.Context, containerID string) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil
		}
		return "", err
	}
	defer rc.Close()
	var buf bytes.Buffer
	// Docker multiplexes stdout/stderr on one stream.
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), err
	}
	return buf.String(), nil
}

// ReconcileOrphans removes job containers left behind by a previous
// controller run, matched by name prefix.
func (d *DockerRuntime) ReconcileOrphans(ctx context.Context) error {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", containerNamePrefix)),
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range list {
		d.log.Warn("removing orphaned container", "container_id", c.ID[:12], "names", c.Names)
		if err := d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			d.log.Error("remove orphaned container failed", "container_id", c.ID[:12], "error", err)
		}
	}
	return nil
}

func (d *DockerRuntime) removeByName(ctx context.Context, name string) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return
	}
	for _, c := range list {
		_ = d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
	}
}

func ptr[T any](v T) *T { return &v }
