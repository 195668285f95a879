package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
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

func (r *Repository) Create(ctx context.Context, acc *models.Account) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (id, phone, email, name, role, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		acc.ID, acc.Phone, acc.Email, acc.Name, acc.Role, acc.PasswordHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicatePhone
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *Repository) GetByPhone(ctx context.Context, phone string) (*models.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, phone, email, name, role, password_hash, created_at, updated_at
		FROM accounts WHERE phone = $1`, phone)
	return scanAccount(row)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, phone, email, name, role, password_hash, created_at, updated_at
		FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Phone, &a.Email, &a.Name, &a.Role, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}
