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

type PayoutRepository struct {
	pool *pgxpool.Pool
}

func NewPayoutRepository(pool *pgxpool.Pool) *PayoutRepository {
	return &PayoutRepository{pool: pool}
}

const payoutColumns = `id, fundi_id, amount_cents, network, number, status, fail_reason, created_at, completed_at`

func scanPayout(row pgx.Row) (*models.Payout, error) {
	var p models.Payout
	err := row.Scan(&p.ID, &p.FundiID, &p.AmountCents, &p.Network, &p.Number, &p.Status, &p.FailReason, &p.CreatedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PayoutRepository) Create(ctx context.Context, tx pgx.Tx, p *models.Payout) error {
	return tx.QueryRow(ctx, `
		INSERT INTO payouts (id, fundi_id, amount_cents, network, number, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, p.ID, p.FundiID, p.AmountCents, p.Network, p.Number, p.Status).Scan(&p.CreatedAt)
}

func (r *PayoutRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	return scanPayout(r.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id))
}

func (r *PayoutRepository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payout, error) {
	return scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id))
}

func (r *PayoutRepository) MarkCompleted(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE payouts SET status = $2, completed_at = now() WHERE id = $1
	`, id, models.PayoutStatusCompleted)
	return err
}

func (r *PayoutRepository) MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error {
	_, err := tx.Exec(ctx, `
		UPDATE payouts SET status = $2, fail_reason = $3, completed_at = now() WHERE id = $1
	`, id, models.PayoutStatusFailed, reason)
	return err
}
