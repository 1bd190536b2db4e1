package payments

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TokenValidator resolves a bearer token to a user identity. Satisfied by
// the auth service.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

type CheckoutRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type CaptureRequest struct {
	OrderID string `json:"order_id"`
}

type Handler struct {
	svc    Service
	tokens TokenValidator
	log    *slog.Logger
}

func NewHandler(svc Service, tokens TokenValidator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, tokens: tokens, log: log}
}

func (h *Handler) identity(r *http.Request) (uuid.UUID, error) {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return uuid.Nil, nil
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return uuid.Nil, nil
	}
	id, _, err := h.tokens.ValidateToken(r.Context(), token)
	return id, err
}

func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, err := h.identity(r)
	if err != nil || userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	checkout, err := h.svc.CreateCheckout(r.Context(), userID, req.Amount)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error("create checkout failed", "error", err)
		http.Error(w, "create checkout failed", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(checkout)
}

func (h *Handler) CapturePayment(w http.ResponseWriter, r *http.Request) {
	userID, err := h.identity(r)
	if err != nil || userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.OrderID == "" {
		http.Error(w, "missing order_id", http.StatusBadRequest)
		return
	}
	txn, err := h.svc.CompletePayment(r.Context(), userID, req.OrderID)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			http.Error(w, "order not found or expired", http.StatusNotFound)
		case errors.Is(err, ErrNotOrderOwner):
			http.Error(w, "forbidden", http.StatusForbidden)
		default:
			h.log.Error("capture payment failed", "order_id", req.OrderID, "error", err)
			http.Error(w, "capture payment failed", http.StatusBadGateway)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(txn)
}
