package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Store is the persistence contract for wallet mutations. Implemented by
// *Repository; tests substitute an in-memory version.
type Store interface {
	GetOrCreateWallet(ctx context.Context, userID uuid.UUID) (*Wallet, error)
	GetWallet(ctx context.Context, walletID uuid.UUID) (*Wallet, error)
	GetWalletByUser(ctx context.Context, userID uuid.UUID) (*Wallet, error)
	Credit(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, description string) (*Transaction, error)
	Debit(ctx context.Context, walletID, jobID uuid.UUID, amount decimal.Decimal, description string) (*Transaction, error)
	Refund(ctx context.Context, walletID, jobID uuid.UUID, amount decimal.Decimal, description string) (*Transaction, error)
	ReserveTx(ctx context.Context, tx pgx.Tx, walletID, jobID uuid.UUID, amount decimal.Decimal) error
	ReleaseForJob(ctx context.Context, jobID uuid.UUID) (*Transaction, error)
	ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*Transaction, error)
}

// JobStore is the ledger's narrow view of the job record store. Implemented
// by the jobs repository.
type JobStore interface {
	// BillingInfo returns (nil, nil) when the job does not exist.
	BillingInfo(ctx context.Context, jobID uuid.UUID) (*JobInfo, error)
	AddUsage(ctx context.Context, jobID uuid.UUID, cost decimal.Decimal, runtimeSeconds int) error
}

type Service interface {
	GetOrCreateWallet(ctx context.Context, userID uuid.UUID) (*Wallet, error)
	GetWalletByUser(ctx context.Context, userID uuid.UUID) (*Wallet, error)
	Credit(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, description string) (*Transaction, error)
	Debit(ctx context.Context, walletID, jobID uuid.UUID, amount decimal.Decimal, description string) (*Transaction, error)
	Refund(ctx context.Context, walletID, jobID uuid.UUID, amount decimal.Decimal, description string) (*Transaction, error)
	ReserveStartHold(ctx context.Context, tx pgx.Tx, walletID, jobID uuid.UUID) error
	ReleaseForJob(ctx context.Context, jobID uuid.UUID) error
	CheckAndBill(ctx context.Context, jobID uuid.UUID, runtimeMinutes int) (*HeartbeatDecision, error)
	CanStartJob(ctx context.Context, userID uuid.UUID) (bool, error)
	ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*Transaction, error)
	PerMinuteCost() decimal.Decimal
	MinimumToStart() decimal.Decimal
}

type service struct {
	store     Store
	jobs      JobStore
	perMinute decimal.Decimal
	minimum   decimal.Decimal
	log       *slog.Logger
}

func NewService(store Store, jobs JobStore, perMinute, minimumToStart decimal.Decimal, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, jobs: jobs, perMinute: perMinute, minimum: minimumToStart, log: log}
}

var _ Service = (*service)(nil)

// validateAmount enforces the fixed-point contract: positive, at most
// 2 fractional digits.
func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.Exponent() < -2 {
		return ErrInvalidAmount
	}
	return nil
}

func (s *service) GetOrCreateWallet(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	return s.store.GetOrCreateWallet(ctx, userID)
}

func (s *service) GetWalletByUser(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	return s.store.GetWalletByUser(ctx, userID)
}

func (s *service) Credit(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, description string) (*Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if description == "" {
		description = "Credit top-up"
	}
	return s.store.Credit(ctx, walletID, amount, description)
}

func (s *service) Debit(ctx context.Context, walletID, jobID uuid.UUID, amount decimal.Decimal, description string) (*Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if description == "" {
		description = "GPU usage charge"
	}
	return s.store.Debit(ctx, walletID, jobID, amount, description)
}

func (s *service) Refund(ctx context.Context, walletID, jobID uuid.UUID, amount decimal.Decimal, description string) (*Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return s.store.Refund(ctx, walletID, jobID, amount, description)
}

// ReserveStartHold reserves the minimum starting balance against the job,
// inside the caller's transaction.
func (s *service) ReserveStartHold(ctx context.Context, tx pgx.Tx, walletID, jobID uuid.UUID) error {
	return s.store.ReserveTx(ctx, tx, walletID, jobID, s.minimum)
}

func (s *service) ReleaseForJob(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.store.ReleaseForJob(ctx, jobID)
	return err
}

// CheckAndBill is the billing heartbeat: it charges the wallet for the
// minutes elapsed since the last successful heartbeat, then decides whether
// the job may keep running.
//
// The kill-switch rule: always attempt the debit; after a successful debit
// the job is stopped iff the post-debit available balance is <= 0. A job
// exactly at the threshold finishes the minute it already paid for.
func (s *service) CheckAndBill(ctx context.Context, jobID uuid.UUID, runtimeMinutes int) (*HeartbeatDecision, error) {
	stop := func(balance decimal.Decimal, msg string) *HeartbeatDecision {
		return &HeartbeatDecision{ShouldContinue: false, CurrentBalance: balance, Message: msg}
	}

	job, err := s.jobs.BillingInfo(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("resolve job %s: %w", jobID, err)
	}
	if job == nil {
		return stop(decimal.Zero, "job not found"), nil
	}
	if !job.Billable {
		return stop(decimal.Zero, "job is not billable"), nil
	}

	wallet, err := s.store.GetWalletByUser(ctx, job.UserID)
	if errors.Is(err, ErrWalletNotFound) {
		// A job without a resolvable wallet must never keep running.
		return stop(decimal.Zero, "wallet not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve wallet: %w", err)
	}

	// The start hold has served its purpose once billing begins.
	if _, err := s.store.ReleaseForJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("release start hold: %w", err)
	}

	// Back-charge only the minutes not billed yet, per the controller's
	// own clock. A heartbeat that observed no new whole minute is free.
	newMinutes := runtimeMinutes - job.RuntimeSeconds/60
	if newMinutes <= 0 {
		return &HeartbeatDecision{ShouldContinue: true, CurrentBalance: wallet.Balance}, nil
	}
	cost := s.perMinute.Mul(decimal.NewFromInt(int64(newMinutes)))

	txn, err := s.store.Debit(ctx, wallet.ID, jobID, cost, fmt.Sprintf("GPU usage through minute %d", runtimeMinutes))
	if errors.Is(err, ErrInsufficientFunds) {
		return stop(wallet.Balance, "insufficient credits - kill switch activated"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("debit wallet %s: %w", wallet.ID, err)
	}

	if err := s.jobs.AddUsage(ctx, jobID, cost, runtimeMinutes*60); err != nil {
		s.log.Error("update job usage failed", "job_id", jobID, "error", err)
	}

	updated, err := s.store.GetWallet(ctx, wallet.ID)
	if err != nil {
		return nil, fmt.Errorf("reload wallet: %w", err)
	}
	if !updated.AvailableBalance().IsPositive() {
		// Last minute paid for, but no further ones.
		return stop(txn.BalanceAfter, "insufficient credits - kill switch activated"), nil
	}
	return &HeartbeatDecision{ShouldContinue: true, CurrentBalance: txn.BalanceAfter}, nil
}

// CanStartJob checks the admission threshold for new jobs.
func (s *service) CanStartJob(ctx context.Context, userID uuid.UUID) (bool, error) {
	wallet, err := s.store.GetWalletByUser(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return wallet.AvailableBalance().GreaterThanOrEqual(s.minimum), nil
}

func (s *service) ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListTransactions(ctx, walletID, limit, offset)
}

func (s *service) PerMinuteCost() decimal.Decimal  { return s.perMinute }
func (s *service) MinimumToStart() decimal.Decimal { return s.minimum }
