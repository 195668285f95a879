package escrow

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const txColumns = `id, job_id, idempotency_key, amount_cents, fee_cents, vat_cents, net_cents,
	direction, status, gateway_ref, fail_reason, retry_count, created_at, updated_at, released_at`

func scanTx(row pgx.Row) (*models.PaymentTransaction, error) {
	var t models.PaymentTransaction
	err := row.Scan(&t.ID, &t.JobID, &t.IdempotencyKey, &t.AmountCents, &t.FeeCents, &t.VATCents, &t.NetCents,
		&t.Direction, &t.Status, &t.GatewayRef, &t.FailReason, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt, &t.ReleasedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, t *models.PaymentTransaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO payment_transactions (id, job_id, idempotency_key, amount_cents, fee_cents, vat_cents, net_cents, direction, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, t.ID, t.JobID, t.IdempotencyKey, t.AmountCents, t.FeeCents, t.VATCents, t.NetCents, t.Direction, t.Status).
		Scan(&t.CreatedAt, &t.UpdatedAt)
}

// OpenCollectionForJob returns the job's non-terminal customer_to_escrow
// transaction with its row locked, or nil if there is none. This is the
// payment-initiation idempotency check.
func (r *Repository) OpenCollectionForJob(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.PaymentTransaction, error) {
	t, err := scanTx(tx.QueryRow(ctx, `
		SELECT `+txColumns+` FROM payment_transactions
		WHERE job_id = $1 AND direction = $2 AND status IN ($3, $4, $5)
		FOR UPDATE
	`, jobID, models.DirectionCustomerToEscrow,
		models.TxStatusInitiated, models.TxStatusProcessing, models.TxStatusHeldEscrow))
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return t, err
}

func (r *Repository) GetTxByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PaymentTransaction, error) {
	return scanTx(tx.QueryRow(ctx, `
		SELECT `+txColumns+` FROM payment_transactions WHERE id = $1 FOR UPDATE
	`, id))
}

// HeldForJobForUpdate locks and returns the job's held-escrow
// transaction, or nil if payment never completed or was already settled.
func (r *Repository) HeldForJobForUpdate(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.PaymentTransaction, error) {
	t, err := scanTx(tx.QueryRow(ctx, `
		SELECT `+txColumns+` FROM payment_transactions
		WHERE job_id = $1 AND direction = $2 AND status = $3
		FOR UPDATE
	`, jobID, models.DirectionCustomerToEscrow, models.TxStatusHeldEscrow))
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// MarkProcessing advances initiated → processing after gateway acceptance.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID, gatewayRef string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payment_transactions SET status = $2, gateway_ref = $3, updated_at = now()
		WHERE id = $1 AND status = $4
	`, id, models.TxStatusProcessing, gatewayRef, models.TxStatusInitiated)
	return err
}

// MarkFailed records a gateway rejection during initiation. Status-guarded.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payment_transactions SET status = $2, fail_reason = $3, updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.TxStatusFailed, reason, models.TxStatusInitiated, models.TxStatusProcessing)
	return err
}

func (r *Repository) MarkHeldTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, gatewayRef string) error {
	_, err := tx.Exec(ctx, `
		UPDATE payment_transactions SET status = $2, gateway_ref = COALESCE(NULLIF($3, ''), gateway_ref), updated_at = now()
		WHERE id = $1
	`, id, models.TxStatusHeldEscrow, gatewayRef)
	return err
}

func (r *Repository) MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error {
	_, err := tx.Exec(ctx, `
		UPDATE payment_transactions SET status = $2, fail_reason = $3, retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1
	`, id, models.TxStatusFailed, reason)
	return err
}

func (r *Repository) MarkReleasedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE payment_transactions SET status = $2, released_at = now(), updated_at = now() WHERE id = $1
	`, id, models.TxStatusReleased)
	return err
}

func (r *Repository) MarkRefundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE payment_transactions SET status = $2, updated_at = now() WHERE id = $1
	`, id, models.TxStatusRefunded)
	return err
}

func (r *Repository) ListTxByJob(ctx context.Context, jobID uuid.UUID) ([]*models.PaymentTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+` FROM payment_transactions WHERE job_id = $1 ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.PaymentTransaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
