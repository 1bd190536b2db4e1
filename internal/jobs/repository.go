package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/homegpucloud/backend/internal/billing"
)

const jobColumns = `id, user_id, status, script_path, dataset_path, output_path, logs_path,
	container_id, docker_image, resource_config, created_at, queued_at, started_at,
	completed_at, runtime_seconds, total_cost, error_message, exit_code`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var resources []byte
	err := row.Scan(&j.ID, &j.UserID, &j.Status, &j.ScriptPath, &j.DatasetPath, &j.OutputPath,
		&j.LogsPath, &j.ContainerID, &j.DockerImage, &resources, &j.CreatedAt, &j.QueuedAt,
		&j.StartedAt, &j.CompletedAt, &j.RuntimeSeconds, &j.TotalCost, &j.ErrorMessage, &j.ExitCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resources, &j.Resources); err != nil {
		return nil, fmt.Errorf("decode resource config: %w", err)
	}
	return &j, nil
}

// CreateTx inserts a job inside the caller's transaction so the row commits
// together with the wallet hold and the queue insert.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, j *Job) error {
	resources, err := json.Marshal(j.Resources)
	if err != nil {
		return fmt.Errorf("encode resource config: %w", err)
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO jobs (id, user_id, status, script_path, dataset_path, output_path, logs_path, docker_image, resource_config, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		RETURNING created_at, queued_at
	`, j.ID, j.UserID, j.Status, j.ScriptPath, j.DatasetPath, j.OutputPath, j.LogsPath, j.DockerImage, resources)
	return row.Scan(&j.CreatedAt, &j.QueuedAt)
}

func (r *Repository) GetByID(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
}

// GetByIDForUpdate row-locks the job so concurrent status reports serialize.
func (r *Repository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*Job, error) {
	return scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
}

// UpdateStatusTx writes the mutable lifecycle fields under the caller's lock.
func (r *Repository) UpdateStatusTx(ctx context.Context, tx pgx.Tx, j *Job) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $1, container_id = $2, started_at = $3, completed_at = $4,
			runtime_seconds = $5, error_message = $6, exit_code = $7, logs_path = $8, output_path = $9
		WHERE id = $10
	`, j.Status, j.ContainerID, j.StartedAt, j.CompletedAt, j.RuntimeSeconds, j.ErrorMessage, j.ExitCode, j.LogsPath, j.OutputPath, j.ID)
	return err
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// ListStuckPending returns PENDING jobs queued before the cutoff, for the
// recovery sweep that re-enqueues work lost to a crash.
func (r *Repository) ListStuckPending(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND queued_at < $2 ORDER BY queued_at ASC
	`, StatusPending, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// IncrementDispatchAttempts bumps the sweep counter and returns the new
// value, so the sweep can stop retrying a job that never dispatches.
func (r *Repository) IncrementDispatchAttempts(ctx context.Context, jobID uuid.UUID) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, `
		UPDATE jobs SET dispatch_attempts = dispatch_attempts + 1
		WHERE id = $1 RETURNING dispatch_attempts
	`, jobID).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrJobNotFound
	}
	return attempts, err
}

func (r *Repository) Delete(ctx context.Context, jobID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// BillingInfo implements billing.JobStore. A missing job yields (nil, nil)
// so the heartbeat can stop the container instead of erroring.
func (r *Repository) BillingInfo(ctx context.Context, jobID uuid.UUID) (*billing.JobInfo, error) {
	j, err := r.GetByID(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &billing.JobInfo{
		ID:             j.ID,
		UserID:         j.UserID,
		Billable:       j.Status.IsBillable(),
		RuntimeSeconds: j.RuntimeSeconds,
	}, nil
}

// AddUsage implements billing.JobStore: accumulate cost and advance the
// billed runtime watermark, never moving it backwards.
func (r *Repository) AddUsage(ctx context.Context, jobID uuid.UUID, cost decimal.Decimal, runtimeSeconds int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET total_cost = total_cost + $1, runtime_seconds = GREATEST(runtime_seconds, $2)
		WHERE id = $3
	`, cost, runtimeSeconds, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}
