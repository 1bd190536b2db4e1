package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TokenValidator resolves a bearer token to a user identity. Satisfied by
// the auth service.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

type WalletResponse struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
}

type CreditRequest struct {
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
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
	return h.tokens.ValidateToken(r.Context(), token)
}

// GetWallet returns the caller's wallet, creating it on first access.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, _, err := h.identity(r)
	if err != nil || userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	wallet, err := h.svc.GetOrCreateWallet(r.Context(), userID)
	if err != nil {
		h.log.Error("get wallet failed", "error", err)
		http.Error(w, "get wallet failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, walletToResponse(wallet))
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, _, err := h.identity(r)
	if err != nil || userID == uuid.Nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	wallet, err := h.svc.GetWalletByUser(r.Context(), userID)
	if errors.Is(err, ErrWalletNotFound) {
		writeJSON(w, http.StatusOK, []*Transaction{})
		return
	}
	if err != nil {
		h.log.Error("get wallet failed", "error", err)
		http.Error(w, "get wallet failed", http.StatusInternalServerError)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	txns, err := h.svc.ListTransactions(r.Context(), wallet.ID, limit, offset)
	if err != nil {
		h.log.Error("list transactions failed", "error", err)
		http.Error(w, "list transactions failed", http.StatusInternalServerError)
		return
	}
	if txns == nil {
		txns = []*Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// AddCredits grants credits to a user's wallet. Admin only; self-serve
// top-ups go through the payments checkout instead.
func (h *Handler) AddCredits(w http.ResponseWriter, r *http.Request) {
	_, role, err := h.identity(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if role != "admin" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	targetID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}
	wallet, err := h.svc.GetOrCreateWallet(r.Context(), targetID)
	if err != nil {
		h.log.Error("get wallet failed", "error", err)
		http.Error(w, "get wallet failed", http.StatusInternalServerError)
		return
	}
	txn, err := h.svc.Credit(r.Context(), wallet.ID, req.Amount, req.Description)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error("credit wallet failed", "error", err)
		http.Error(w, "credit wallet failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// Pricing reports the per-minute rate and admission threshold. Public, so
// the frontend can show costs before signup.
func (h *Handler) Pricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"credits_per_minute":       h.svc.PerMinuteCost(),
		"minimum_balance_to_start": h.svc.MinimumToStart(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func walletToResponse(wallet *Wallet) WalletResponse {
	return WalletResponse{
		ID:        wallet.ID.String(),
		Balance:   wallet.Balance,
		Reserved:  wallet.Reserved,
		Available: wallet.AvailableBalance(),
	}
}
