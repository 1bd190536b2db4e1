// Package payments handles prepaid credit purchases through an external
// checkout gateway. One currency unit buys one credit.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/homegpucloud/backend/internal/billing"
)

var (
	ErrOrderNotFound = errors.New("order not found or expired")
	ErrNotOrderOwner = errors.New("order belongs to another user")
	ErrInvalidAmount = errors.New("purchase amount must be positive with at most 2 decimal places")
)

const currency = "USD"

// Ledger credits wallets once a capture succeeds.
type Ledger interface {
	GetOrCreateWallet(ctx context.Context, userID uuid.UUID) (*billing.Wallet, error)
	Credit(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, description string) (*billing.Transaction, error)
}

type Checkout struct {
	OrderID    string `json:"order_id"`
	ApproveURL string `json:"approve_url"`
}

type Service interface {
	CreateCheckout(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*Checkout, error)
	CompletePayment(ctx context.Context, userID uuid.UUID, orderID string) (*billing.Transaction, error)
}

type service struct {
	provider Provider
	ledger   Ledger
	pending  *pendingOrders
	log      *slog.Logger
}

func NewService(provider Provider, ledger Ledger, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{
		provider: provider,
		ledger:   ledger,
		pending:  newPendingOrders(time.Hour),
		log:      log,
	}
}

func (s *service) CreateCheckout(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*Checkout, error) {
	if !amount.IsPositive() || amount.Exponent() < -2 {
		return nil, ErrInvalidAmount
	}
	orderID, approveURL, err := s.provider.CreateOrder(ctx, amount, currency)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	s.pending.Put(orderID, userID, amount)
	s.log.Info("checkout created", "user_id", userID, "order_id", orderID, "amount", amount)
	return &Checkout{OrderID: orderID, ApproveURL: approveURL}, nil
}

// CompletePayment captures the approved order and credits the wallet. The
// pending entry is consumed before capture so a double-submit cannot credit
// twice; a failed capture re-registers it for retry.
func (s *service) CompletePayment(ctx context.Context, userID uuid.UUID, orderID string) (*billing.Transaction, error) {
	ownerID, amount, ok := s.pending.Consume(orderID)
	if !ok {
		return nil, ErrOrderNotFound
	}
	if ownerID != userID {
		s.pending.Put(orderID, ownerID, amount)
		return nil, ErrNotOrderOwner
	}
	if err := s.provider.CaptureOrder(ctx, orderID); err != nil {
		s.pending.Put(orderID, ownerID, amount)
		return nil, fmt.Errorf("capture order: %w", err)
	}
	wallet, err := s.ledger.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	txn, err := s.ledger.Credit(ctx, wallet.ID, amount, fmt.Sprintf("Credit purchase (order %s)", orderID))
	if err != nil {
		// Captured but not credited: surface loudly, this needs an operator.
		s.log.Error("credit after capture failed", "user_id", userID, "order_id", orderID, "amount", amount, "error", err)
		return nil, err
	}
	s.log.Info("payment completed", "user_id", userID, "order_id", orderID, "amount", amount)
	return txn, nil
}
