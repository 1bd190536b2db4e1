package jobs

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// StreamMessage is one frame on the log-streaming socket.
type StreamMessage struct {
	Type    string `json:"type"` // "status" or "log"
	JobID   string `json:"job_id"`
	Status  string `json:"status,omitempty"`
	Content string `json:"content,omitempty"`
}

const defaultStreamInterval = 2 * time.Second

// StreamLogs upgrades to a WebSocket and tails the job's logs: accumulated
// logs first, then new content as the container produces it, with a status
// frame on every state change. The socket closes normally once the job is
// terminal. Browsers cannot set headers on WebSocket dials, so the token
// may also arrive as a query parameter.
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	userID, role, err := h.streamIdentity(r)
	if err != nil || userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	admin := role == "admin"
	job, err := h.svc.Get(r.Context(), userID, jobID, admin)
	if err != nil {
		h.writeJobError(w, err, "get job")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:3000"},
	})
	if err != nil {
		h.log.Error("websocket accept failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	// We never expect client frames; CloseRead cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())

	if err := h.streamJob(ctx, conn, userID, job, admin); err != nil {
		h.log.Info("log stream ended", "job_id", jobID, "error", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "job finished")
}

// streamJob returns nil once the job is terminal and fully flushed.
func (h *Handler) streamJob(ctx context.Context, conn *websocket.Conn, userID uuid.UUID, job *Job, admin bool) error {
	send := func(msg StreamMessage) error {
		msg.JobID = job.ID.String()
		return wsjson.Write(ctx, conn, msg)
	}

	status := job.Status
	if err := send(StreamMessage{Type: "status", Status: string(status)}); err != nil {
		return err
	}

	interval := h.streamInterval
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	sent := 0
	for {
		logs, err := h.svc.Logs(ctx, userID, job.ID, admin)
		if err != nil {
			return err
		}
		if len(logs) > sent {
			if err := send(StreamMessage{Type: "log", Content: logs[sent:]}); err != nil {
				return err
			}
			sent = len(logs)
		}

		cur, err := h.svc.Get(ctx, userID, job.ID, admin)
		if err != nil {
			return err
		}
		if cur.Status != status {
			status = cur.Status
			if err := send(StreamMessage{Type: "status", Status: string(status)}); err != nil {
				return err
			}
		}
		if status.IsTerminal() {
			// Final flush: logs written between the read above and the
			// terminal transition.
			if logs, err := h.svc.Logs(ctx, userID, job.ID, admin); err == nil && len(logs) > sent {
				if err := send(StreamMessage{Type: "log", Content: logs[sent:]}); err != nil {
					return err
				}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (h *Handler) streamIdentity(r *http.Request) (uuid.UUID, string, error) {
	if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		return h.identity(r)
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		return uuid.Nil, "", errors.New("missing token")
	}
	return h.authSvc.ValidateToken(r.Context(), token)
}
