package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/homegpucloud/backend/internal/billing"
	"github.com/homegpucloud/backend/internal/execution"
	"github.com/homegpucloud/backend/internal/storage"
)

// Store is the persistence contract for jobs. Implemented by *Repository;
// tests substitute an in-memory version.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, j *Job) error
	GetByID(ctx context.Context, jobID uuid.UUID) (*Job, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*Job, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, j *Job) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Job, error)
	ListStuckPending(ctx context.Context, cutoff time.Time) ([]*Job, error)
	IncrementDispatchAttempts(ctx context.Context, jobID uuid.UUID) (int, error)
	Delete(ctx context.Context, jobID uuid.UUID) error
}

// Ledger is the jobs side of the billing contract.
type Ledger interface {
	GetWalletByUser(ctx context.Context, userID uuid.UUID) (*billing.Wallet, error)
	CanStartJob(ctx context.Context, userID uuid.UUID) (bool, error)
	ReserveStartHold(ctx context.Context, tx pgx.Tx, walletID, jobID uuid.UUID) error
	ReleaseForJob(ctx context.Context, jobID uuid.UUID) error
	CheckAndBill(ctx context.Context, jobID uuid.UUID, runtimeMinutes int) (*billing.HeartbeatDecision, error)
}

// EnqueueTxFunc enqueues a run within the given transaction. Provided by
// main as a closure over river.Client.InsertTx.
type EnqueueTxFunc func(ctx context.Context, tx pgx.Tx, args execution.RunJobArgs) error

// Submission is a new job request, parsed from the multipart upload.
type Submission struct {
	ScriptName  string
	Script      []byte
	DatasetName string
	Dataset     []byte
	RawConfig   []byte
	DockerImage string
}

// Defaults are the fallbacks and bounds applied to a submission.
type Defaults struct {
	Image             string
	Resources         ResourceConfig
	MaxTimeoutSeconds int
	PendingGrace      time.Duration
}

type Service interface {
	Submit(ctx context.Context, userID uuid.UUID, sub Submission) (*Job, error)
	Get(ctx context.Context, userID uuid.UUID, jobID uuid.UUID, admin bool) (*Job, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Job, error)
	Cancel(ctx context.Context, userID uuid.UUID, jobID uuid.UUID, admin bool) (*Job, error)
	Logs(ctx context.Context, userID uuid.UUID, jobID uuid.UUID, admin bool) (string, error)
	Outputs(ctx context.Context, userID uuid.UUID, jobID uuid.UUID, admin bool) ([]storage.OutputFile, error)
	Cleanup(ctx context.Context, jobID uuid.UUID) error
	UpdateStatus(ctx context.Context, report StatusReport) (*Job, error)
	RecoverStuck(ctx context.Context) (int, error)
}

var ErrValidation = errors.New("invalid submission")

type service struct {
	repo      Store
	ledger    Ledger
	files     storage.Store
	enqueue   EnqueueTxFunc
	defaults  Defaults
	validator *resourceValidator
	log       *slog.Logger
}

// NewService returns *service so it can also serve as the in-process
// execution.ControlPlane.
func NewService(repo Store, ledger Ledger, files storage.Store, enqueue EnqueueTxFunc, defaults Defaults, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	if defaults.PendingGrace <= 0 {
		defaults.PendingGrace = 5 * time.Minute
	}
	return &service{
		repo:      repo,
		ledger:    ledger,
		files:     files,
		enqueue:   enqueue,
		defaults:  defaults,
		validator: newResourceValidator(defaults.MaxTimeoutSeconds),
		log:       log,
	}
}

var (
	_ Service                = (*service)(nil)
	_ execution.ControlPlane = (*service)(nil)
)

// Submit validates the upload, writes the input files, then atomically
// creates the job row, places the start hold, and enqueues the run. The
// hold guarantees a freshly admitted job can afford its first minutes.
func (s *service) Submit(ctx context.Context, userID uuid.UUID, sub Submission) (*Job, error) {
	if sub.ScriptName == "" || len(sub.Script) == 0 {
		return nil, fmt.Errorf("%w: script file is required", ErrValidation)
	}
	resources, err := s.validator.Validate(sub.RawConfig, s.defaults.Resources)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	image := sub.DockerImage
	if image == "" {
		image = s.defaults.Image
	}

	ok, err := s.ledger.CanStartJob(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, billing.ErrInsufficientFunds
	}
	wallet, err := s.ledger.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	jobID := uuid.New()
	if err := s.files.MaterializeInput(ctx, jobID, sub.ScriptName, sub.Script, sub.DatasetName, sub.Dataset); err != nil {
		return nil, err
	}

	scriptPath := s.files.InputDir(jobID) + "/" + sub.ScriptName
	outputPath := s.files.OutputDir(jobID)
	logsPath := s.files.LogsFile(jobID)
	job := &Job{
		ID:          jobID,
		UserID:      userID,
		Status:      StatusPending,
		ScriptPath:  scriptPath,
		OutputPath:  &outputPath,
		LogsPath:    &logsPath,
		DockerImage: image,
		Resources:   resources,
		TotalCost:   decimal.Zero,
	}
	if sub.DatasetName != "" {
		datasetPath := s.files.InputDir(jobID) + "/data/" + sub.DatasetName
		job.DatasetPath = &datasetPath
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		s.discardFiles(ctx, jobID)
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.repo.CreateTx(ctx, tx, job); err != nil {
		s.discardFiles(ctx, jobID)
		return nil, err
	}
	if err := s.ledger.ReserveStartHold(ctx, tx, wallet.ID, jobID); err != nil {
		s.discardFiles(ctx, jobID)
		return nil, err
	}
	if err := s.enqueue(ctx, tx, s.runArgs(job)); err != nil {
		s.discardFiles(ctx, jobID)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		s.discardFiles(ctx, jobID)
		return nil, err
	}
	s.log.Info("job submitted", "job_id", jobID, "user_id", userID, "image", image)
	return job, nil
}

func (s *service) discardFiles(ctx context.Context, jobID uuid.UUID) {
	if err := s.files.Remove(ctx, jobID); err != nil {
		s.log.Error("discard job files failed", "job_id", jobID, "error", err)
	}
}

func (s *service) runArgs(job *Job) execution.RunJobArgs {
	return execution.RunJobArgs{
		JobID:          job.ID,
		UserID:         job.UserID,
		ScriptName:     filepath.Base(job.ScriptPath),
		Image:          job.DockerImage,
		MemoryLimit:    job.Resources.MemoryLimit,
		CPUCount:       job.Resources.CPUCount,
		TimeoutSeconds: job.Resources.TimeoutSeconds,
	}
}

func (s *service) authorize(job *Job, userID uuid.UUID, admin bool) error {
	if !admin && job.UserID != userID {
		// Hide other users' jobs entirely.
		return ErrJobNotFound
	}
	return nil
}

func (s *service) Get(ctx context.Context, userID uuid.UUID, jobID uuid.UUID, admin bool) (*Job, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(job, userID, admin); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *service) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

// Cancel marks the job CANCELLED and releases its hold. The node worker
// notices the cancelled state on its next poll and stops the container.
func (s *service) Cancel(ctx context.Context, userID uuid.UUID, jobID uuid.UUID, admin bool) (*Job, error) {
	if _, err := s.Get(ctx, userID, jobID, admin); err != nil {
		return nil, err
	}
	job, err := s.UpdateStatus(ctx, StatusReport{JobID: jobID, Status: StatusCancelled})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *service) Logs(ctx context.Context, userID uuid.UUID, jobID uuid.UUID, admin bool) (string, error) {
	if _, err := s.Get(ctx, userID, jobID, admin); err != nil {
		return "", err
	}
	return s.files.ReadLogs(ctx, jobID)
}

func (s *service) Outputs(ctx context.Context, userID uuid.UUID, jobID uuid.UUID, admin bool) ([]storage.OutputFile, error) {
	if _, err := s.Get(ctx, userID, jobID, admin); err != nil {
		return nil, err
	}
	return s.files.ListOutputs(ctx, jobID)
}

// Cleanup removes a finished job's artifacts and record. Admin only; the
// handler enforces the role.
func (s *service) Cleanup(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	if err := s.files.Remove(ctx, jobID); err != nil {
		return err
	}
	return s.repo.Delete(ctx, jobID)
}

// UpdateStatus applies one lifecycle transition under a row lock. Replaying
// the current status is a no-op so at-least-once reporters are safe; any
// transition out of a terminal state is rejected. Reaching a terminal state
// releases whatever remains of the start hold.
func (s *service) UpdateStatus(ctx context.Context, report StatusReport) (*Job, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.GetByIDForUpdate(ctx, tx, report.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status == report.Status {
		return job, nil
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminalState, job.Status)
	}
	if !canTransition(job.Status, report.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, report.Status)
	}

	now := time.Now().UTC()
	job.Status = report.Status
	if report.ContainerID != "" {
		job.ContainerID = &report.ContainerID
	}
	if report.Status == StatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if report.RuntimeSeconds > job.RuntimeSeconds {
		job.RuntimeSeconds = report.RuntimeSeconds
	}
	if report.ExitCode != nil {
		job.ExitCode = report.ExitCode
	}
	if report.ErrorMessage != "" {
		msg := report.ErrorMessage
		job.ErrorMessage = &msg
	}
	if report.Status.IsTerminal() {
		job.CompletedAt = &now
	}

	if err := s.repo.UpdateStatusTx(ctx, tx, job); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if job.Status.IsTerminal() {
		if err := s.ledger.ReleaseForJob(ctx, job.ID); err != nil {
			s.log.Error("release hold failed", "job_id", job.ID, "error", err)
		}
	}
	s.log.Info("job status updated", "job_id", job.ID, "status", job.Status)
	return job, nil
}

// maxDispatchAttempts bounds the recovery sweep per job; beyond it the job
// is failed instead of re-enqueued again.
const maxDispatchAttempts = 3

// RecoverStuck re-enqueues PENDING jobs whose queue entry was lost, e.g.
// after a crash between enqueue and pickup. Runs periodically from main.
func (s *service) RecoverStuck(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.defaults.PendingGrace)
	stuck, err := s.repo.ListStuckPending(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, job := range stuck {
		attempts, err := s.repo.IncrementDispatchAttempts(ctx, job.ID)
		if err != nil {
			return recovered, err
		}
		if attempts > maxDispatchAttempts {
			s.log.Error("giving up on stuck job", "job_id", job.ID, "attempts", attempts)
			if _, err := s.UpdateStatus(ctx, StatusReport{
				JobID:        job.ID,
				Status:       StatusFailed,
				ErrorMessage: "job could not be dispatched for execution",
			}); err != nil {
				s.log.Error("fail stuck job", "job_id", job.ID, "error", err)
			}
			continue
		}
		tx, err := s.repo.Begin(ctx)
		if err != nil {
			return recovered, err
		}
		if err := s.enqueue(ctx, tx, s.runArgs(job)); err != nil {
			tx.Rollback(ctx)
			s.log.Error("re-enqueue stuck job failed", "job_id", job.ID, "error", err)
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			return recovered, err
		}
		s.log.Warn("re-enqueued stuck job", "job_id", job.ID, "attempt", attempts)
		recovered++
	}
	return recovered, nil
}

// ---- execution.ControlPlane ----
//
// The in-process control plane for single-host deployments. Transition
// races with cancellation are swallowed: the worker's poll loop handles
// the cancelled state itself.

func (s *service) JobState(ctx context.Context, jobID uuid.UUID) (*execution.JobState, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &execution.JobState{
		Status:    string(job.Status),
		Cancelled: job.Status == StatusCancelled,
		Terminal:  job.Status.IsTerminal(),
	}, nil
}

func (s *service) markIgnoringRaces(ctx context.Context, report StatusReport) error {
	_, err := s.UpdateStatus(ctx, report)
	if errors.Is(err, ErrTerminalState) || errors.Is(err, ErrInvalidTransition) {
		s.log.Info("ignoring stale status report", "job_id", report.JobID, "status", report.Status, "error", err)
		return nil
	}
	return err
}

func (s *service) MarkPreparing(ctx context.Context, jobID uuid.UUID) error {
	return s.markIgnoringRaces(ctx, StatusReport{JobID: jobID, Status: StatusPreparing})
}

func (s *service) MarkRunning(ctx context.Context, jobID uuid.UUID, containerID string) error {
	return s.markIgnoringRaces(ctx, StatusReport{JobID: jobID, Status: StatusRunning, ContainerID: containerID})
}

func (s *service) MarkCompleted(ctx context.Context, jobID uuid.UUID, runtimeSeconds int) error {
	return s.markIgnoringRaces(ctx, StatusReport{JobID: jobID, Status: StatusCompleted, RuntimeSeconds: runtimeSeconds})
}

func (s *service) MarkFailed(ctx context.Context, jobID uuid.UUID, reason string, runtimeSeconds int, exitCode *int) error {
	return s.markIgnoringRaces(ctx, StatusReport{
		JobID:          jobID,
		Status:         StatusFailed,
		RuntimeSeconds: runtimeSeconds,
		ExitCode:       exitCode,
		ErrorMessage:   reason,
	})
}

func (s *service) MarkKilledNoCredits(ctx context.Context, jobID uuid.UUID, runtimeSeconds int) error {
	return s.markIgnoringRaces(ctx, StatusReport{
		JobID:          jobID,
		Status:         StatusKilledNoCredits,
		RuntimeSeconds: runtimeSeconds,
		ErrorMessage:   "insufficient credits",
	})
}

func (s *service) Heartbeat(ctx context.Context, jobID uuid.UUID, runtimeMinutes int) (bool, error) {
	decision, err := s.ledger.CheckAndBill(ctx, jobID, runtimeMinutes)
	if err != nil {
		return false, err
	}
	return decision.ShouldContinue, nil
}
