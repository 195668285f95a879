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

// WalletRepository is the only place wallet balances are written.
type WalletRepository struct {
	pool *pgxpool.Pool
}

func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{pool: pool}
}

// Get returns the fundi's wallet, zero-valued if none exists yet.
func (r *WalletRepository) Get(ctx context.Context, fundiID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	err := r.pool.QueryRow(ctx, `
		SELECT fundi_id, balance_cents, pending_cents, total_earned_cents, updated_at
		FROM wallets WHERE fundi_id = $1
	`, fundiID).Scan(&w.FundiID, &w.BalanceCents, &w.PendingCents, &w.TotalEarnedCents, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.Wallet{FundiID: fundiID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetForUpdate locks the wallet row. Call within a transaction.
func (r *WalletRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, fundiID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	err := tx.QueryRow(ctx, `
		SELECT fundi_id, balance_cents, pending_cents, total_earned_cents, updated_at
		FROM wallets WHERE fundi_id = $1 FOR UPDATE
	`, fundiID).Scan(&w.FundiID, &w.BalanceCents, &w.PendingCents, &w.TotalEarnedCents, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Credit adds an escrow release or tip to the wallet, creating it on
// first credit.
func (r *WalletRepository) Credit(ctx context.Context, tx pgx.Tx, fundiID uuid.UUID, amountCents int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (fundi_id, balance_cents, pending_cents, total_earned_cents)
		VALUES ($1, $2, 0, $2)
		ON CONFLICT (fundi_id) DO UPDATE SET
			balance_cents = wallets.balance_cents + $2,
			total_earned_cents = wallets.total_earned_cents + $2,
			updated_at = now()
	`, fundiID, amountCents)
	return err
}

// DebitForPayout moves amount from available to pending. The balance
// condition makes the no-negative-balance rule atomic: zero rows
// affected means insufficient funds and nothing was mutated.
func (r *WalletRepository) DebitForPayout(ctx context.Context, tx pgx.Tx, fundiID uuid.UUID, amountCents int64) error {
	res, err := tx.Exec(ctx, `
		UPDATE wallets SET balance_cents = balance_cents - $2, pending_cents = pending_cents + $2, updated_at = now()
		WHERE fundi_id = $1 AND balance_cents >= $2
	`, fundiID, amountCents)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return apperrors.ErrInsufficientBalance
	}
	return nil
}

// SettlePayout clears the pending amount after a successful transfer.
func (r *WalletRepository) SettlePayout(ctx context.Context, tx pgx.Tx, fundiID uuid.UUID, amountCents int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE wallets SET pending_cents = pending_cents - $2, updated_at = now() WHERE fundi_id = $1
	`, fundiID, amountCents)
	return err
}

// ReversePayout restores a failed payout's amount to the balance.
func (r *WalletRepository) ReversePayout(ctx context.Context, tx pgx.Tx, fundiID uuid.UUID, amountCents int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE wallets SET balance_cents = balance_cents + $2, pending_cents = pending_cents - $2, updated_at = now()
		WHERE fundi_id = $1
	`, fundiID, amountCents)
	return err
}
