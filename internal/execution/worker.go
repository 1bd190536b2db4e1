package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/homegpucloud/backend/internal/storage"
)

// QueueGPU is the dedicated queue for job execution. It runs with a single
// worker per node because the GPU is an exclusive resource.
const QueueGPU = "gpu_jobs"

// RunJobArgs is the work item the orchestrator enqueues and the node worker
// dequeues. Delivery is at-least-once; the worker checks current job state
// before acting on a delivery.
type RunJobArgs struct {
	JobID          uuid.UUID `json:"job_id"`
	UserID         uuid.UUID `json:"user_id"`
	ScriptName     string    `json:"script_name"`
	Image          string    `json:"image"`
	MemoryLimit    string    `json:"memory_limit"`
	CPUCount       int       `json:"cpu_count"`
	TimeoutSeconds int       `json:"timeout_seconds"`
}

func (RunJobArgs) Kind() string { return "run_gpu_job" }

// InsertOpts deduplicates by args: while one delivery for a job is still
// queued or running, re-inserting the same work item (the recovery sweep
// does this for stuck PENDING jobs) is a no-op.
func (RunJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueGPU,
		MaxAttempts: 3,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// JobState is the worker's view of a job on the control plane.
type JobState struct {
	Status    string `json:"status"`
	Cancelled bool   `json:"cancelled"`
	Terminal  bool   `json:"terminal"`
}

// ControlPlane defines the contract the worker needs to report status,
// send billing heartbeats, and poll for cancellation. Implemented
// in-process by the jobs service and over HTTP by RemoteControlPlane.
//
// Mark* calls must be idempotent: reporting a state the job already reached
// (or already left) is not an error, so duplicate deliveries replay safely.
type ControlPlane interface {
	JobState(ctx context.Context, jobID uuid.UUID) (*JobState, error)
	MarkPreparing(ctx context.Context, jobID uuid.UUID) error
	MarkRunning(ctx context.Context, jobID uuid.UUID, containerID string) error
	MarkCompleted(ctx context.Context, jobID uuid.UUID, runtimeSeconds int) error
	MarkFailed(ctx context.Context, jobID uuid.UUID, reason string, runtimeSeconds int, exitCode *int) error
	MarkKilledNoCredits(ctx context.Context, jobID uuid.UUID, runtimeSeconds int) error

	// Heartbeat bills the wallet for observed runtime and reports whether
	// the job may keep running. False triggers the kill switch.
	Heartbeat(ctx context.Context, jobID uuid.UUID, runtimeMinutes int) (bool, error)
}

// WorkerConfig tunes the monitor loop.
type WorkerConfig struct {
	PollInterval    time.Duration
	BillingInterval time.Duration
	StopGrace       time.Duration
}

// RunJobWorker executes one GPU job end to end: launch the container,
// monitor it against the wall-clock deadline, cancellation, and the billing
// kill switch, then persist logs and report the terminal status.
type RunJobWorker struct {
	river.WorkerDefaults[RunJobArgs]
	runtime Runtime
	control ControlPlane
	store   storage.Store
	cfg     WorkerConfig
	log     *slog.Logger
}

func NewRunJobWorker(runtime Runtime, control ControlPlane, store storage.Store, cfg WorkerConfig, log *slog.Logger) *RunJobWorker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BillingInterval <= 0 {
		cfg.BillingInterval = 60 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &RunJobWorker{runtime: runtime, control: control, store: store, cfg: cfg, log: log}
}

func (w *RunJobWorker) Work(ctx context.Context, job *river.Job[RunJobArgs]) error {
	args := job.Args

	state, err := w.control.JobState(ctx, args.JobID)
	if err != nil {
		return fmt.Errorf("fetch job state: %w", err)
	}
	if state.Terminal {
		// Duplicate delivery of an already-finished job.
		w.log.Info("skipping finished job", "job_id", args.JobID, "status", state.Status)
		return nil
	}
	if job.Attempt <= 1 && state.Status != "PENDING" {
		// First delivery but the job is already in flight: another worker
		// holds it. Retries (attempt > 1) redeliver our own work item and
		// must proceed so a crashed attempt can relaunch.
		w.log.Info("skipping in-flight job", "job_id", args.JobID, "status", state.Status)
		return nil
	}

	if err := w.control.MarkPreparing(ctx, args.JobID); err != nil {
		return w.failInfra(ctx, job, fmt.Errorf("mark preparing: %w", err))
	}

	containerID, err := w.runtime.Launch(ctx, LaunchSpec{
		JobID:       args.JobID,
		Image:       args.Image,
		ScriptName:  args.ScriptName,
		InputDir:    w.store.InputDir(args.JobID),
		OutputDir:   w.store.OutputDir(args.JobID),
		MemoryLimit: args.MemoryLimit,
		CPUCount:    args.CPUCount,
	})
	if err != nil {
		return w.failInfra(ctx, job, fmt.Errorf("launch container: %w", err))
	}
	// Cleanup runs exactly once per launched container, whatever happens below.
	defer func() {
		if err := w.runtime.Cleanup(context.WithoutCancel(ctx), containerID); err != nil {
			w.log.Error("container cleanup failed", "job_id", args.JobID, "container_id", containerID, "error", err)
		}
	}()

	if err := w.control.MarkRunning(ctx, args.JobID, containerID); err != nil {
		w.log.Error("mark running failed", "job_id", args.JobID, "error", err)
	}

	start := time.Now()
	deadline := start.Add(time.Duration(args.TimeoutSeconds) * time.Second)
	lastBill := start

	for {
		st, err := w.runtime.Status(ctx, containerID)
		if err != nil {
			w.log.Warn("container status check failed", "job_id", args.JobID, "error", err)
		} else if !st.Running {
			break
		}

		// Hard wall-clock deadline, independent of billing.
		if time.Now().After(deadline) {
			w.log.Warn("job hit wall-clock timeout", "job_id", args.JobID)
			_ = w.runtime.Stop(ctx, containerID, w.cfg.StopGrace)
			w.saveLogs(ctx, args.JobID, containerID)
			return w.control.MarkFailed(ctx, args.JobID, "timeout exceeded", w.elapsedSeconds(start), nil)
		}

		// User cancellation races the monitor; the job record is already
		// terminal, so only the container needs stopping here.
		if cur, err := w.control.JobState(ctx, args.JobID); err == nil && cur.Cancelled {
			w.log.Info("job cancelled, stopping container", "job_id", args.JobID)
			_ = w.runtime.Stop(ctx, containerID, w.cfg.StopGrace)
			w.saveLogs(ctx, args.JobID, containerID)
			return nil
		}

		if time.Since(lastBill) >= w.cfg.BillingInterval {
			lastBill = time.Now()
			minutes := int(time.Since(start).Minutes())
			ok, err := w.control.Heartbeat(ctx, args.JobID, minutes)
			switch {
			case err != nil:
				// Fail open: a missed heartbeat defers billing to the next
				// interval, and the hard deadline bounds unbilled compute.
				w.log.Warn("billing heartbeat failed, continuing", "job_id", args.JobID, "error", err)
			case !ok:
				w.log.Warn("kill switch: insufficient credits", "job_id", args.JobID)
				_ = w.runtime.Stop(ctx, containerID, w.cfg.StopGrace)
				w.saveLogs(ctx, args.JobID, containerID)
				return w.control.MarkKilledNoCredits(ctx, args.JobID, w.elapsedSeconds(start))
			}
		}

		select {
		case <-ctx.Done():
			// Worker shutdown: the next delivery takes over the container.
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}

	// Container exited on its own.
	final, err := w.runtime.Status(ctx, containerID)
	if err != nil {
		return w.failInfra(ctx, job, fmt.Errorf("final container status: %w", err))
	}
	runtimeSeconds := w.elapsedSeconds(start)
	w.saveLogs(ctx, args.JobID, containerID)

	switch {
	case final.OOMKilled:
		return w.control.MarkFailed(ctx, args.JobID, "out of memory (OOM)", runtimeSeconds, nil)
	case final.ExitCode == 0:
		return w.control.MarkCompleted(ctx, args.JobID, runtimeSeconds)
	default:
		exit := final.ExitCode
		return w.control.MarkFailed(ctx, args.JobID, fmt.Sprintf("exit code: %d", exit), runtimeSeconds, &exit)
	}
}

func (w *RunJobWorker) elapsedSeconds(start time.Time) int {
	return int(time.Since(start).Seconds())
}

func (w *RunJobWorker) saveLogs(ctx context.Context, jobID uuid.UUID, containerID string) {
	logs, err := w.runtime.Logs(ctx, containerID)
	if err != nil {
		w.log.Error("collect container logs failed", "job_id", jobID, "error", err)
		return
	}
	if err := w.store.WriteLogs(ctx, jobID, logs); err != nil {
		w.log.Error("persist container logs failed", "job_id", jobID, "error", err)
	}
}

// failInfra handles failures before the container ran user code. River
// retries them; only the final attempt marks the job failed so a successful
// retry can still finish normally.
func (w *RunJobWorker) failInfra(ctx context.Context, job *river.Job[RunJobArgs], err error) error {
	w.log.Error("execution infrastructure error", "job_id", job.Args.JobID, "attempt", job.Attempt, "error", err)
	if job.Attempt >= job.MaxAttempts {
		if mErr := w.control.MarkFailed(ctx, job.Args.JobID, fmt.Sprintf("execution infrastructure error: %v", err), 0, nil); mErr != nil {
			w.log.Error("mark failed after infra error", "job_id", job.Args.JobID, "error", mErr)
		}
	}
	return err
}
