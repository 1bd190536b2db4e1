// Package webhooks exposes the control-plane endpoints execution nodes call
// back into: status reports, billing heartbeats, and state polls. Requests
// authenticate with the shared worker secret, not user tokens.
package webhooks

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/homegpucloud/backend/internal/billing"
	"github.com/homegpucloud/backend/internal/execution"
	"github.com/homegpucloud/backend/internal/jobs"
)

// ControlPlane is the slice of the jobs service the webhooks expose.
type ControlPlane interface {
	UpdateStatus(ctx context.Context, report jobs.StatusReport) (*jobs.Job, error)
	JobState(ctx context.Context, jobID uuid.UUID) (*execution.JobState, error)
}

// Biller runs the heartbeat billing check.
type Biller interface {
	CheckAndBill(ctx context.Context, jobID uuid.UUID, runtimeMinutes int) (*billing.HeartbeatDecision, error)
}

type StatusRequest struct {
	JobID          uuid.UUID `json:"job_id"`
	Status         string    `json:"status"`
	ContainerID    string    `json:"container_id"`
	RuntimeSeconds int       `json:"runtime_seconds"`
	ExitCode       *int      `json:"exit_code"`
	ErrorMessage   string    `json:"error_message"`
}

type HeartbeatRequest struct {
	JobID          uuid.UUID `json:"job_id"`
	RuntimeMinutes int       `json:"runtime_minutes"`
}

type Handler struct {
	control ControlPlane
	biller  Biller
	secret  []byte
	log     *slog.Logger
}

func NewHandler(control ControlPlane, biller Biller, workerSecret string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{control: control, biller: biller, secret: []byte(workerSecret), log: log}
}

func (h *Handler) authorized(r *http.Request) bool {
	got := []byte(r.Header.Get("X-Worker-Secret"))
	return len(h.secret) > 0 && subtle.ConstantTimeCompare(got, h.secret) == 1
}

// JobStatus applies a status report from an execution node. Cancellation is
// user-initiated only, so workers may not report it.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	status := jobs.Status(req.Status)
	if status == jobs.StatusCancelled || status == jobs.StatusPending {
		http.Error(w, "status not reportable by workers", http.StatusBadRequest)
		return
	}
	job, err := h.control.UpdateStatus(r.Context(), jobs.StatusReport{
		JobID:          req.JobID,
		Status:         status,
		ContainerID:    req.ContainerID,
		RuntimeSeconds: req.RuntimeSeconds,
		ExitCode:       req.ExitCode,
		ErrorMessage:   req.ErrorMessage,
	})
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrJobNotFound):
			http.Error(w, "job not found", http.StatusNotFound)
		case errors.Is(err, jobs.ErrTerminalState), errors.Is(err, jobs.ErrInvalidTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.log.Error("apply status report failed", "job_id", req.JobID, "error", err)
			http.Error(w, "apply status report failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID.String(), "status": string(job.Status)})
}

// BillingHeartbeat charges for observed runtime and answers whether the job
// may continue.
func (h *Handler) BillingHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.RuntimeMinutes < 0 {
		http.Error(w, "runtime_minutes must be non-negative", http.StatusBadRequest)
		return
	}
	decision, err := h.biller.CheckAndBill(r.Context(), req.JobID, req.RuntimeMinutes)
	if err != nil {
		h.log.Error("billing heartbeat failed", "job_id", req.JobID, "error", err)
		http.Error(w, "billing heartbeat failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// JobState reports the lifecycle state for the worker's cancellation poll.
func (h *Handler) JobState(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	state, err := h.control.JobState(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		h.log.Error("job state lookup failed", "job_id", jobID, "error", err)
		http.Error(w, "job state lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
