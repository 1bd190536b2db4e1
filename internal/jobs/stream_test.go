package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/homegpucloud/backend/internal/auth"
	"github.com/homegpucloud/backend/internal/storage"
)

// ---------------------------------------------------------------------------
// Mocks for the streaming handler: a Service with mutable job state and an
// auth.Service that accepts a single fixed token.
// ---------------------------------------------------------------------------

type streamSvc struct {
	mu     sync.Mutex
	job    Job
	logs   string
	userID uuid.UUID
}

func (s *streamSvc) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.Status = st
}

func (s *streamSvc) appendLogs(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs += text
}

func (s *streamSvc) Get(_ context.Context, userID uuid.UUID, jobID uuid.UUID, admin bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobID != s.job.ID || (!admin && userID != s.userID) {
		return nil, ErrJobNotFound
	}
	cp := s.job
	return &cp, nil
}

func (s *streamSvc) Logs(_ context.Context, userID uuid.UUID, jobID uuid.UUID, admin bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobID != s.job.ID || (!admin && userID != s.userID) {
		return "", ErrJobNotFound
	}
	return s.logs, nil
}

func (s *streamSvc) Submit(context.Context, uuid.UUID, Submission) (*Job, error) { return nil, nil }
func (s *streamSvc) ListByUser(context.Context, uuid.UUID, int, int) ([]*Job, error) {
	return nil, nil
}
func (s *streamSvc) Cancel(context.Context, uuid.UUID, uuid.UUID, bool) (*Job, error) {
	return nil, nil
}
func (s *streamSvc) Outputs(context.Context, uuid.UUID, uuid.UUID, bool) ([]storage.OutputFile, error) {
	return nil, nil
}
func (s *streamSvc) Cleanup(context.Context, uuid.UUID) error               { return nil }
func (s *streamSvc) UpdateStatus(context.Context, StatusReport) (*Job, error) { return nil, nil }
func (s *streamSvc) RecoverStuck(context.Context) (int, error)              { return 0, nil }

type streamAuth struct {
	token  string
	userID uuid.UUID
}

func (a *streamAuth) ValidateToken(_ context.Context, token string) (uuid.UUID, string, error) {
	if token != a.token {
		return uuid.Nil, "", errors.New("token is malformed")
	}
	return a.userID, "user", nil
}

func (a *streamAuth) Register(context.Context, string, string, string) (*auth.User, error) {
	return nil, nil
}
func (a *streamAuth) Login(context.Context, string, string) (string, error) { return "", nil }
func (a *streamAuth) GetUser(context.Context, uuid.UUID) (*auth.User, error) {
	return nil, nil
}

func newStreamServer(t *testing.T, svc *streamSvc, authSvc auth.Service) *httptest.Server {
	t.Helper()
	h := NewHandler(svc, authSvc, 1<<20, nil)
	h.streamInterval = 2 * time.Millisecond
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/jobs/{id}/logs/stream", h.StreamLogs)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func streamURL(srv *httptest.Server, jobID uuid.UUID, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/api/jobs/" + jobID.String() + "/logs/stream?token=" + token
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) StreamMessage {
	t.Helper()
	var msg StreamMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

// ---------------------------------------------------------------------------
// 1. A client sees accumulated logs, then new log and status frames as the
//    job progresses, and the socket closes normally on completion.
// ---------------------------------------------------------------------------

func TestStreamLogs_TailsUntilTerminal(t *testing.T) {
	userID := uuid.New()
	svc := &streamSvc{
		job:    Job{ID: uuid.New(), UserID: userID, Status: StatusRunning},
		logs:   "booting\n",
		userID: userID,
	}
	authSvc := &streamAuth{token: "stream-token", userID: userID}
	srv := newStreamServer(t, svc, authSvc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, streamURL(srv, svc.job.ID, "stream-token"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if msg := readFrame(t, ctx, conn); msg.Type != "status" || msg.Status != string(StatusRunning) {
		t.Fatalf("first frame = %+v, want status RUNNING", msg)
	}
	if msg := readFrame(t, ctx, conn); msg.Type != "log" || msg.Content != "booting\n" {
		t.Fatalf("second frame = %+v, want accumulated logs", msg)
	}

	svc.appendLogs("epoch 1 done\n")
	if msg := readFrame(t, ctx, conn); msg.Type != "log" || msg.Content != "epoch 1 done\n" {
		t.Fatalf("after append, frame = %+v, want the new suffix only", msg)
	}

	svc.setStatus(StatusCompleted)
	if msg := readFrame(t, ctx, conn); msg.Type != "status" || msg.Status != string(StatusCompleted) {
		t.Fatalf("terminal frame = %+v, want status COMPLETED", msg)
	}

	var msg StreamMessage
	err = wsjson.Read(ctx, conn, &msg)
	if err == nil {
		t.Fatalf("expected close after terminal status, got frame %+v", msg)
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v, want normal closure", got)
	}
}

// ---------------------------------------------------------------------------
// 2. A bad token is rejected before the upgrade.
// ---------------------------------------------------------------------------

func TestStreamLogs_RejectsBadToken(t *testing.T) {
	userID := uuid.New()
	svc := &streamSvc{
		job:    Job{ID: uuid.New(), UserID: userID, Status: StatusRunning},
		userID: userID,
	}
	srv := newStreamServer(t, svc, &streamAuth{token: "stream-token", userID: userID})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, streamURL(srv, svc.job.ID, "wrong"), nil)
	if err == nil {
		conn.CloseNow()
		t.Fatal("dial succeeded with an invalid token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
}

// ---------------------------------------------------------------------------
// 3. A job owned by someone else streams nothing.
// ---------------------------------------------------------------------------

func TestStreamLogs_ForeignJobNotFound(t *testing.T) {
	owner := uuid.New()
	svc := &streamSvc{
		job:    Job{ID: uuid.New(), UserID: owner, Status: StatusRunning},
		userID: owner,
	}
	// The token authenticates a different user than the job's owner.
	srv := newStreamServer(t, svc, &streamAuth{token: "stream-token", userID: uuid.New()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, streamURL(srv, svc.job.ID, "stream-token"), nil)
	if err == nil {
		conn.CloseNow()
		t.Fatal("dial succeeded for a foreign job")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before upgrade, got %+v", resp)
	}
}
