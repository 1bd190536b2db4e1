package jobs

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/homegpucloud/backend/internal/auth"
	"github.com/homegpucloud/backend/internal/billing"
	"github.com/homegpucloud/backend/internal/storage"
)

// Request/response structs use snake_case JSON.

type JobResponse struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	DockerImage    string          `json:"docker_image"`
	Resources      ResourceConfig  `json:"resource_config"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	RuntimeSeconds int             `json:"runtime_seconds"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ExitCode       *int            `json:"exit_code,omitempty"`
}

type LogsResponse struct {
	JobID string `json:"job_id"`
	Logs  string `json:"logs"`
}

type OutputsResponse struct {
	JobID string               `json:"job_id"`
	Files []storage.OutputFile `json:"files"`
}

type Handler struct {
	svc       Service
	authSvc   auth.Service
	maxUpload int64
	log       *slog.Logger

	// streamInterval is the log-tail poll period; zero means the default.
	streamInterval time.Duration
}

func NewHandler(svc Service, authSvc auth.Service, maxUploadBytes int64, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, authSvc: authSvc, maxUpload: maxUploadBytes, log: log}
}

// Submit accepts a multipart upload: "script" (required), "dataset"
// (optional), "config" (optional JSON resource config), "docker_image"
// (optional text field).
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	userID, _, err := h.identity(r)
	if err != nil || userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		http.Error(w, "upload too large or malformed", http.StatusRequestEntityTooLarge)
		return
	}

	sub := Submission{
		RawConfig:   []byte(r.FormValue("config")),
		DockerImage: r.FormValue("docker_image"),
	}
	script, scriptHeader, err := r.FormFile("script")
	if err != nil {
		http.Error(w, "script file is required", http.StatusBadRequest)
		return
	}
	defer script.Close()
	sub.ScriptName = scriptHeader.Filename
	if sub.Script, err = io.ReadAll(script); err != nil {
		http.Error(w, "read script failed", http.StatusBadRequest)
		return
	}
	if !strings.HasSuffix(sub.ScriptName, ".py") {
		http.Error(w, "script must be a .py file", http.StatusBadRequest)
		return
	}

	if dataset, datasetHeader, err := r.FormFile("dataset"); err == nil {
		defer dataset.Close()
		sub.DatasetName = datasetHeader.Filename
		if sub.Dataset, err = io.ReadAll(dataset); err != nil {
			http.Error(w, "read dataset failed", http.StatusBadRequest)
			return
		}
	}

	job, err := h.svc.Submit(r.Context(), userID, sub)
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, billing.ErrInsufficientFunds):
			http.Error(w, "insufficient credits to start a job", http.StatusPaymentRequired)
		case errors.Is(err, storage.ErrTooLarge):
			http.Error(w, "upload exceeds maximum size", http.StatusRequestEntityTooLarge)
		default:
			h.log.Error("submit job failed", "error", err)
			http.Error(w, "submit job failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, jobToResponse(job))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, _, err := h.identity(r)
	if err != nil || userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	list, err := h.svc.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.log.Error("list jobs failed", "error", err)
		http.Error(w, "list jobs failed", http.StatusInternalServerError)
		return
	}
	resp := make([]JobResponse, 0, len(list))
	for _, j := range list {
		resp = append(resp, jobToResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, role, jobID, ok := h.identityAndJobID(w, r)
	if !ok {
		return
	}
	job, err := h.svc.Get(r.Context(), userID, jobID, role == "admin")
	if err != nil {
		h.writeJobError(w, err, "get job")
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, role, jobID, ok := h.identityAndJobID(w, r)
	if !ok {
		return
	}
	job, err := h.svc.Cancel(r.Context(), userID, jobID, role == "admin")
	if err != nil {
		h.writeJobError(w, err, "cancel job")
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	userID, role, jobID, ok := h.identityAndJobID(w, r)
	if !ok {
		return
	}
	logs, err := h.svc.Logs(r.Context(), userID, jobID, role == "admin")
	if err != nil {
		h.writeJobError(w, err, "read logs")
		return
	}
	writeJSON(w, http.StatusOK, LogsResponse{JobID: jobID.String(), Logs: logs})
}

func (h *Handler) Outputs(w http.ResponseWriter, r *http.Request) {
	userID, role, jobID, ok := h.identityAndJobID(w, r)
	if !ok {
		return
	}
	files, err := h.svc.Outputs(r.Context(), userID, jobID, role == "admin")
	if err != nil {
		h.writeJobError(w, err, "list outputs")
		return
	}
	if files == nil {
		files = []storage.OutputFile{}
	}
	writeJSON(w, http.StatusOK, OutputsResponse{JobID: jobID.String(), Files: files})
}

// Cleanup removes a finished job and its artifacts. Admin only.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	userID, role, jobID, ok := h.identityAndJobID(w, r)
	if !ok {
		return
	}
	_ = userID
	if role != "admin" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err := h.svc.Cleanup(r.Context(), jobID); err != nil {
		h.writeJobError(w, err, "cleanup job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) identityAndJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, uuid.UUID, bool) {
	userID, role, err := h.identity(r)
	if err != nil || userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return uuid.Nil, "", uuid.Nil, false
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return uuid.Nil, "", uuid.Nil, false
	}
	return userID, role, jobID, true
}

func (h *Handler) identity(r *http.Request) (uuid.UUID, string, error) {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return uuid.Nil, "", nil
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return uuid.Nil, "", nil
	}
	return h.authSvc.ValidateToken(r.Context(), token)
}

func (h *Handler) writeJobError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrJobNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, ErrTerminalState), errors.Is(err, ErrInvalidTransition):
		http.Error(w, "job already finished", http.StatusConflict)
	default:
		h.log.Error(op+" failed", "error", err)
		http.Error(w, op+" failed", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jobToResponse(j *Job) JobResponse {
	return JobResponse{
		ID:             j.ID.String(),
		Status:         string(j.Status),
		DockerImage:    j.DockerImage,
		Resources:      j.Resources,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		RuntimeSeconds: j.RuntimeSeconds,
		TotalCost:      j.TotalCost,
		ErrorMessage:   j.ErrorMessage,
		ExitCode:       j.ExitCode,
	}
}
