// Package execution runs GPU jobs in isolated containers on the worker
// node and meters them against the billing heartbeat.
package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ContainerState is a snapshot of an execution unit.
type ContainerState struct {
	Running   bool
	ExitCode  int
	OOMKilled bool
}

// LaunchSpec describes the container to create for one job.
type LaunchSpec struct {
	JobID       uuid.UUID
	Image       string
	ScriptName  string
	InputDir    string
	OutputDir   string
	MemoryLimit string
	CPUCount    int
	GPUCount    int
}

// Runtime abstracts the container backend so the monitor loop can run
// against real Docker or the in-memory simulator.
type Runtime interface {
	// Launch creates and starts the isolated unit; it does not block for
	// completion. Returns the container ID.
	Launch(ctx context.Context, spec LaunchSpec) (string, error)

	// Status is non-blocking and safe to call repeatedly.
	Status(ctx context.Context, containerID string) (*ContainerState, error)

	// Stop sends a graceful termination signal, force-killing after the
	// grace period. Idempotent.
	Stop(ctx context.Context, containerID string, grace time.Duration) error

	// Cleanup releases all resources for the unit. Idempotent.
	Cleanup(ctx context.Context, containerID string) error

	// Logs returns everything the unit wrote to stdout/stderr.
	Logs(ctx context.Context, containerID string) (string, error)

	// ReconcileOrphans removes units left behind by a previous controller
	// run, matched by the job container naming convention.
	ReconcileOrphans(ctx context.Context) error
}
