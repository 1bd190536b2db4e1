package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RemoteControlPlane reports job status and billing heartbeats to the
// backend over its webhook endpoints. Used when the GPU node runs on a
// different host than the API server.
type RemoteControlPlane struct {
	baseURL      string
	workerSecret string
	httpClient   *http.Client
}

func NewRemoteControlPlane(baseURL, workerSecret string) *RemoteControlPlane {
	return &RemoteControlPlane{
		baseURL:      baseURL,
		workerSecret: workerSecret,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

type statusReport struct {
	JobID          uuid.UUID `json:"job_id"`
	Status         string    `json:"status"`
	ContainerID    string    `json:"container_id,omitempty"`
	RuntimeSeconds int       `json:"runtime_seconds,omitempty"`
	ExitCode       *int      `json:"exit_code,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

type heartbeatReport struct {
	JobID          uuid.UUID `json:"job_id"`
	RuntimeMinutes int       `json:"runtime_minutes"`
}

type heartbeatResponse struct {
	ShouldContinue bool   `json:"should_continue"`
	Message        string `json:"message"`
}

func (c *RemoteControlPlane) JobState(ctx context.Context, jobID uuid.UUID) (*JobState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/webhooks/jobs/%s/state", c.baseURL, jobID), nil)
	if err != nil {
		return nil, err
	}
	var state JobState
	if err := c.do(req, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *RemoteControlPlane) MarkPreparing(ctx context.Context, jobID uuid.UUID) error {
	return c.postStatus(ctx, statusReport{JobID: jobID, Status: "PREPARING"})
}

func (c *RemoteControlPlane) MarkRunning(ctx context.Context, jobID uuid.UUID, containerID string) error {
	return c.postStatus(ctx, statusReport{JobID: jobID, Status: "RUNNING", ContainerID: containerID})
}

func (c *RemoteControlPlane) MarkCompleted(ctx context.Context, jobID uuid.UUID, runtimeSeconds int) error {
	return c.postStatus(ctx, statusReport{JobID: jobID, Status: "COMPLETED", RuntimeSeconds: runtimeSeconds})
}

func (c *RemoteControlPlane) MarkFailed(ctx context.Context, jobID uuid.UUID, reason string, runtimeSeconds int, exitCode *int) error {
	return c.postStatus(ctx, statusReport{
		JobID:          jobID,
		Status:         "FAILED",
		RuntimeSeconds: runtimeSeconds,
		ExitCode:       exitCode,
		ErrorMessage:   reason,
	})
}

func (c *RemoteControlPlane) MarkKilledNoCredits(ctx context.Context, jobID uuid.UUID, runtimeSeconds int) error {
	return c.postStatus(ctx, statusReport{JobID: jobID, Status: "KILLED_NO_CREDITS", RuntimeSeconds: runtimeSeconds})
}

func (c *RemoteControlPlane) Heartbeat(ctx context.Context, jobID uuid.UUID, runtimeMinutes int) (bool, error) {
	req, err := c.jsonRequest(ctx, c.baseURL+"/api/webhooks/billing-heartbeat", heartbeatReport{JobID: jobID, RuntimeMinutes: runtimeMinutes})
	if err != nil {
		return false, err
	}
	var resp heartbeatResponse
	if err := c.do(req, &resp); err != nil {
		return false, err
	}
	return resp.ShouldContinue, nil
}

func (c *RemoteControlPlane) postStatus(ctx context.Context, report statusReport) error {
	req, err := c.jsonRequest(ctx, c.baseURL+"/api/webhooks/job-status", report)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *RemoteControlPlane) jsonRequest(ctx context.Context, url string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *RemoteControlPlane) do(req *http.Request, out any) error {
	req.Header.Set("X-Worker-Secret", c.workerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control plane request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("control plane returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode control plane response: %w", err)
	}
	return nil
}
