// Package store centralizes the transaction discipline: every
// read-then-write path over money or job status runs inside Run with the
// relevant rows locked FOR UPDATE by the repositories it calls.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxFunc runs inside a transaction. Returning an error rolls it back.
type TxFunc func(ctx context.Context, tx pgx.Tx) error

// UnitOfWork runs a function inside a single atomic transaction.
type UnitOfWork interface {
	Run(ctx context.Context, fn TxFunc) error
}

type PgxUnitOfWork struct {
	pool *pgxpool.Pool
}

func NewUnitOfWork(pool *pgxpool.Pool) *PgxUnitOfWork {
	return &PgxUnitOfWork{pool: pool}
}

var _ UnitOfWork = (*PgxUnitOfWork)(nil)

func (u *PgxUnitOfWork) Run(ctx context.Context, fn TxFunc) error {
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
