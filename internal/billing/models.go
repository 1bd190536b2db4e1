package billing

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when the available balance cannot
	// cover a debit or reservation. No side effects occur.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWalletNotFound is returned when the referenced wallet does not exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrInvalidAmount is returned for non-positive amounts or amounts
	// with more than 2 fractional digits.
	ErrInvalidAmount = errors.New("amount must be positive with at most 2 decimal places")

	// ErrConflict is returned after bounded retries of a wallet mutation
	// keep losing to concurrent writers.
	ErrConflict = errors.New("concurrent wallet update conflict")
)

// TransactionType values for the immutable audit log.
const (
	TransactionCredit      = "credit"
	TransactionDebit       = "debit"
	TransactionRefund      = "refund"
	TransactionReservation = "reservation"
	TransactionRelease     = "release"
)

// Wallet holds a user's prepaid credit balance. The version field is an
// optimistic-concurrency token bumped on every successful mutation.
type Wallet struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Reserved  decimal.Decimal `json:"reserved"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AvailableBalance is what admission checks and debits may spend:
// total balance minus credits reserved against active jobs.
func (w *Wallet) AvailableBalance() decimal.Decimal {
	return w.Balance.Sub(w.Reserved)
}

// Transaction is an immutable audit record. Amount is signed: positive for
// credit/refund/release, negative for debit/reservation. Reservations and
// releases move funds between available and reserved without changing the
// balance, so their before/after snapshots are equal.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	WalletID      uuid.UUID       `json:"wallet_id"`
	JobID         *uuid.UUID      `json:"job_id,omitempty"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// HeartbeatDecision is the control plane's answer to a billing heartbeat.
type HeartbeatDecision struct {
	ShouldContinue bool            `json:"should_continue"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	Message        string          `json:"message,omitempty"`
}

// JobInfo is the ledger's view of a job, provided by the job store.
type JobInfo struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Billable       bool
	RuntimeSeconds int
}
