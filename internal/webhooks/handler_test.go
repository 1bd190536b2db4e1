package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/homegpucloud/backend/internal/billing"
	"github.com/homegpucloud/backend/internal/execution"
	"github.com/homegpucloud/backend/internal/jobs"
)

const testSecret = "test-worker-secret"

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockControl struct {
	reports  []jobs.StatusReport
	applyErr error
	state    *execution.JobState
}

func (m *mockControl) UpdateStatus(_ context.Context, report jobs.StatusReport) (*jobs.Job, error) {
	if m.applyErr != nil {
		return nil, m.applyErr
	}
	m.reports = append(m.reports, report)
	return &jobs.Job{ID: report.JobID, Status: report.Status}, nil
}

func (m *mockControl) JobState(_ context.Context, jobID uuid.UUID) (*execution.JobState, error) {
	if m.state == nil {
		return nil, jobs.ErrJobNotFound
	}
	return m.state, nil
}

type mockBiller struct {
	decision *billing.HeartbeatDecision
	minutes  []int
}

func (m *mockBiller) CheckAndBill(_ context.Context, _ uuid.UUID, runtimeMinutes int) (*billing.HeartbeatDecision, error) {
	m.minutes = append(m.minutes, runtimeMinutes)
	return m.decision, nil
}

func post(h http.HandlerFunc, path, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Worker-Secret", secret)
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestJobStatus_RequiresWorkerSecret(t *testing.T) {
	control := &mockControl{}
	h := NewHandler(control, &mockBiller{}, testSecret, nil)

	body := `{"job_id":"` + uuid.NewString() + `","status":"RUNNING"}`

	if w := post(h.JobStatus, "/api/webhooks/job-status", "", body); w.Code != http.StatusUnauthorized {
		t.Errorf("missing secret: got %d, want 401", w.Code)
	}
	if w := post(h.JobStatus, "/api/webhooks/job-status", "wrong", body); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: got %d, want 401", w.Code)
	}
	if len(control.reports) != 0 {
		t.Error("unauthorized requests must not reach the control plane")
	}

	if w := post(h.JobStatus, "/api/webhooks/job-status", testSecret, body); w.Code != http.StatusOK {
		t.Errorf("valid secret: got %d, want 200", w.Code)
	}
	if len(control.reports) != 1 {
		t.Fatalf("applied reports: got %d, want 1", len(control.reports))
	}
}

func TestJobStatus_RejectsWorkerCancellation(t *testing.T) {
	control := &mockControl{}
	h := NewHandler(control, &mockBiller{}, testSecret, nil)

	for _, status := range []string{"CANCELLED", "PENDING"} {
		body := `{"job_id":"` + uuid.NewString() + `","status":"` + status + `"}`
		if w := post(h.JobStatus, "/api/webhooks/job-status", testSecret, body); w.Code != http.StatusBadRequest {
			t.Errorf("worker-reported %s: got %d, want 400", status, w.Code)
		}
	}
	if len(control.reports) != 0 {
		t.Error("rejected statuses must not reach the control plane")
	}
}

func TestJobStatus_ConflictOnTerminal(t *testing.T) {
	control := &mockControl{applyErr: jobs.ErrTerminalState}
	h := NewHandler(control, &mockBiller{}, testSecret, nil)

	body := `{"job_id":"` + uuid.NewString() + `","status":"FAILED"}`
	if w := post(h.JobStatus, "/api/webhooks/job-status", testSecret, body); w.Code != http.StatusConflict {
		t.Errorf("terminal conflict: got %d, want 409", w.Code)
	}
}

func TestBillingHeartbeat(t *testing.T) {
	biller := &mockBiller{decision: &billing.HeartbeatDecision{
		ShouldContinue: false,
		CurrentBalance: decimal.RequireFromString("0.00"),
		Message:        "insufficient credits - kill switch activated",
	}}
	h := NewHandler(&mockControl{}, biller, testSecret, nil)

	body := `{"job_id":"` + uuid.NewString() + `","runtime_minutes":3}`
	w := post(h.BillingHeartbeat, "/api/webhooks/billing-heartbeat", testSecret, body)
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat: got %d, want 200", w.Code)
	}

	var decision billing.HeartbeatDecision
	if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decision.ShouldContinue {
		t.Error("kill decision must round-trip as should_continue=false")
	}
	if len(biller.minutes) != 1 || biller.minutes[0] != 3 {
		t.Errorf("billed minutes: %v", biller.minutes)
	}

	// Negative runtime never reaches the biller.
	bad := `{"job_id":"` + uuid.NewString() + `","runtime_minutes":-1}`
	if w := post(h.BillingHeartbeat, "/api/webhooks/billing-heartbeat", testSecret, bad); w.Code != http.StatusBadRequest {
		t.Errorf("negative minutes: got %d, want 400", w.Code)
	}
}

func TestJobState(t *testing.T) {
	jobID := uuid.New()
	control := &mockControl{state: &execution.JobState{Status: "CANCELLED", Cancelled: true, Terminal: true}}
	h := NewHandler(control, &mockBiller{}, testSecret, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/webhooks/jobs/"+jobID.String()+"/state", nil)
	req.SetPathValue("id", jobID.String())
	req.Header.Set("X-Worker-Secret", testSecret)
	w := httptest.NewRecorder()
	h.JobState(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("job state: got %d, want 200", w.Code)
	}
	var state execution.JobState
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !state.Cancelled || !state.Terminal {
		t.Errorf("state round-trip: %+v", state)
	}
}
