package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// maxMutationRetries bounds the retry loop for wallet mutations that lose
// to concurrent writers (serialization failure or deadlock).
const maxMutationRetries = 3

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const walletColumns = `id, user_id, balance, reserved, version, created_at, updated_at`

func scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.Balance, &w.Reserved, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetOrCreateWallet is idempotent: it creates a zero-balance wallet on
// first use and returns the existing one afterwards.
func (r *Repository) GetOrCreateWallet(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO wallets (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return r.GetWalletByUser(ctx, userID)
}

func (r *Repository) GetWallet(ctx context.Context, walletID uuid.UUID) (*Wallet, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID)
	return scanWallet(row)
}

func (r *Repository) GetWalletByUser(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	return scanWallet(row)
}

// lockWallet acquires the row-level exclusive lock that serializes all
// mutations of a single wallet.
func lockWallet(ctx context.Context, tx pgx.Tx, walletID uuid.UUID) (*Wallet, error) {
	row := tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, walletID)
	return scanWallet(row)
}

// insertTransaction appends the audit record inside the caller's
// transaction, so balance mutation and record are one atomic unit.
func insertTransaction(ctx context.Context, tx pgx.Tx, t *Transaction) error {
	row := tx.QueryRow(ctx, `
		INSERT INTO transactions (wallet_id, job_id, type, amount, balance_before, balance_after, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, t.WalletID, t.JobID, t.Type, t.Amount, t.BalanceBefore, t.BalanceAfter, t.Description)
	return row.Scan(&t.ID, &t.CreatedAt)
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// mutate runs fn in its own transaction, retrying a bounded number of
// times when the transaction loses to a concurrent writer.
func (r *Repository) mutate(ctx context.Context, fn func(tx pgx.Tx) (*Transaction, error)) (*Transaction, error) {
	var lastErr error
	for attempt := 0; attempt < maxMutationRetries; attempt++ {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return nil, err
		}
		t, err := fn(tx)
		if err != nil {
			_ = tx.Rollback(ctx)
			if retryable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			if retryable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

// Credit increments the balance and appends a credit transaction.
func (r *Repository) Credit(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, description string) (*Transaction, error) {
	return r.mutate(ctx, func(tx pgx.Tx) (*Transaction, error) {
		w, err := lockWallet(ctx, tx, walletID)
		if err != nil {
			return nil, err
		}
		after := w.Balance.Add(amount)
		if _, err := tx.Exec(ctx, `
			UPDATE wallets SET balance = $1, version = version + 1, updated_at = now() WHERE id = $2
		`, after, walletID); err != nil {
			return nil, err
		}
		t := &Transaction{
			WalletID:      walletID,
			Type:          TransactionCredit,
			Amount:        amount,
			BalanceBefore: w.Balance,
			BalanceAfter:  after,
			Description:   description,
		}
		return t, insertTransaction(ctx, tx, t)
	})
}

// Debit decrements the balance if the available balance covers the amount,
// or fails with ErrInsufficientFunds leaving no side effects.
func (r *Repository) Debit(ctx context.Context, walletID, jobID uuid.UUID, amount decimal.Decimal, description string) (*Transaction, error) {
	return r.mutate(ctx, func(tx pgx.Tx) (*Transaction, error) {
		w, err := lockWallet(ctx, tx, walletID)
		if err != nil {
			return nil, err
		}
		if w.AvailableBalance().LessThan(amount) {
			return nil, ErrInsufficientFunds
		}
		after := w.Balance.Sub(amount)
		if _, err := tx.Exec(ctx, `
			UPDATE wallets SET balance = $1, version = version + 1, updated_at = now() WHERE id = $2
		`, after, walletID); err != nil {
			return nil, err
		}
		t := &Transaction{
			WalletID:      walletID,
			JobID:         &jobID,
			Type:          TransactionDebit,
			Amount:        amount.Neg(),
			BalanceBefore: w.Balance,
			BalanceAfter:  after,
			Description:   description,
		}
		return t, insertTransaction(ctx, tx, t)
	})
}

// Refund returns previously debited credits (infrastructure failures).
func (r *Repository) Refund(ctx context.Context, walletID, jobID uuid.UUID, amount decimal.Decimal, description string) (*Transaction, error) {
	return r.mutate(ctx, func(tx pgx.Tx) (*Transaction, error) {
		w, err := lockWallet(ctx, tx, walletID)
		if err != nil {
			return nil, err
		}
		after := w.Balance.Add(amount)
		if _, err := tx.Exec(ctx, `
			UPDATE wallets SET balance = $1, version = version + 1, updated_at = now() WHERE id = $2
		`, after, walletID); err != nil {
			return nil, err
		}
		t := &Transaction{
			WalletID:      walletID,
			JobID:         &jobID,
			Type:          TransactionRefund,
			Amount:        amount,
			BalanceBefore: w.Balance,
			BalanceAfter:  after,
			Description:   description,
		}
		return t, insertTransaction(ctx, tx, t)
	})
}

// ReserveTx holds amount against the wallet inside the caller's transaction,
// so a job row and its reservation commit or roll back together.
func (r *Repository) ReserveTx(ctx context.Context, tx pgx.Tx, walletID, jobID uuid.UUID, amount decimal.Decimal) error {
	w, err := lockWallet(ctx, tx, walletID)
	if err != nil {
		return err
	}
	if w.AvailableBalance().LessThan(amount) {
		return ErrInsufficientFunds
	}
	if _, err := tx.Exec(ctx, `
		UPDATE wallets SET reserved = reserved + $1, version = version + 1, updated_at = now() WHERE id = $2
	`, amount, walletID); err != nil {
		return err
	}
	t := &Transaction{
		WalletID:      walletID,
		JobID:         &jobID,
		Type:          TransactionReservation,
		Amount:        amount.Neg(),
		BalanceBefore: w.Balance,
		BalanceAfter:  w.Balance,
	}
	return insertTransaction(ctx, tx, t)
}

// ReleaseForJob releases whatever reservation is still outstanding for the
// job. Idempotent: returns (nil, nil) when nothing is held.
func (r *Repository) ReleaseForJob(ctx context.Context, jobID uuid.UUID) (*Transaction, error) {
	return r.mutate(ctx, func(tx pgx.Tx) (*Transaction, error) {
		var walletID uuid.UUID
		var outstanding decimal.Decimal
		row := tx.QueryRow(ctx, `
			SELECT wallet_id, COALESCE(-SUM(amount), 0)
			FROM transactions
			WHERE job_id = $1 AND type IN ('reservation', 'release')
			GROUP BY wallet_id
		`, jobID)
		if err := row.Scan(&walletID, &outstanding); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		if !outstanding.IsPositive() {
			return nil, nil
		}
		w, err := lockWallet(ctx, tx, walletID)
		if err != nil {
			return nil, err
		}
		if outstanding.GreaterThan(w.Reserved) {
			outstanding = w.Reserved
		}
		if _, err := tx.Exec(ctx, `
			UPDATE wallets SET reserved = reserved - $1, version = version + 1, updated_at = now() WHERE id = $2
		`, outstanding, walletID); err != nil {
			return nil, err
		}
		t := &Transaction{
			WalletID:      walletID,
			JobID:         &jobID,
			Type:          TransactionRelease,
			Amount:        outstanding,
			BalanceBefore: w.Balance,
			BalanceAfter:  w.Balance,
		}
		return t, insertTransaction(ctx, tx, t)
	})
}

func (r *Repository) ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, wallet_id, job_id, type, amount, balance_before, balance_after, description, created_at
		FROM transactions WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Transaction
	for rows.Next() {
		var t Transaction
		var desc *string
		err := rows.Scan(&t.ID, &t.WalletID, &t.JobID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &desc, &t.CreatedAt)
		if err != nil {
			return nil, err
		}
		if desc != nil {
			t.Description = *desc
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
