package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/models"
)

// TransitionUpdate carries the column writes for one status change.
type TransitionUpdate struct {
	Status             string
	Now                time.Time
	FundiID            *uuid.UUID
	CancelledBy        *uuid.UUID
	CancelReason       *string
	CompletionPhotos   []string
	EscrowReleaseAt    *time.Time
	ClearEscrowRelease bool
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Repo = (*Repository)(nil)

const jobColumns = `id, customer_id, fundi_id, category, service_lines, lat, lng, address, scheduled_for,
	status, quoted_amount_cents, platform_fee_cents, vat_cents, net_to_fundi_cents,
	completion_photos, cancelled_by, cancel_reason, escrow_release_at,
	accepted_at, en_route_at, arrived_at, started_at, completed_at, cancelled_at, disputed_at,
	created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.CustomerID, &j.FundiID, &j.Category, &j.ServiceLines, &j.Lat, &j.Lng, &j.Address, &j.ScheduledFor,
		&j.Status, &j.QuotedAmountCents, &j.PlatformFeeCents, &j.VATCents, &j.NetToFundiCents,
		&j.CompletionPhotos, &j.CancelledBy, &j.CancelReason, &j.EscrowReleaseAt,
		&j.AcceptedAt, &j.EnRouteAt, &j.ArrivedAt, &j.StartedAt, &j.CompletedAt, &j.CancelledAt, &j.DisputedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repository) Create(ctx context.Context, j *models.Job) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, customer_id, category, service_lines, lat, lng, address, scheduled_for,
			status, quoted_amount_cents, platform_fee_cents, vat_cents, net_to_fundi_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`, j.ID, j.CustomerID, j.Category, j.ServiceLines, j.Lat, j.Lng, j.Address, j.ScheduledFor,
		j.Status, j.QuotedAmountCents, j.PlatformFeeCents, j.VATCents, j.NetToFundiCents).
		Scan(&j.CreatedAt, &j.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// GetByIDForUpdate locks the job row. Call within a transaction.
func (r *Repository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error) {
	return scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
}

// ApplyTransition persists one status change, stamping the timestamp
// column dedicated to the target state.
func (r *Repository) ApplyTransition(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, upd TransitionUpdate) error {
	var err error
	switch upd.Status {
	case models.JobStatusAccepted:
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, fundi_id = $3, accepted_at = now(), updated_at = now() WHERE id = $1
		`, jobID, upd.Status, upd.FundiID)
	case models.JobStatusEnRoute:
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, en_route_at = now(), updated_at = now() WHERE id = $1
		`, jobID, upd.Status)
	case models.JobStatusArrived:
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, arrived_at = now(), updated_at = now() WHERE id = $1
		`, jobID, upd.Status)
	case models.JobStatusInProgress:
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, started_at = now(), updated_at = now() WHERE id = $1
		`, jobID, upd.Status)
	case models.JobStatusCompleted:
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, completion_photos = $3, escrow_release_at = $4,
				completed_at = now(), updated_at = now()
			WHERE id = $1
		`, jobID, upd.Status, upd.CompletionPhotos, upd.EscrowReleaseAt)
	case models.JobStatusCancelled:
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, cancelled_by = $3, cancel_reason = $4,
				cancelled_at = now(), updated_at = now()
			WHERE id = $1
		`, jobID, upd.Status, upd.CancelledBy, upd.CancelReason)
	case models.JobStatusDisputed:
		// Entering disputed also freezes any scheduled release.
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, escrow_release_at = NULL, disputed_at = now(), updated_at = now()
			WHERE id = $1
		`, jobID, upd.Status)
	default:
		err = fmt.Errorf("unknown status %q", upd.Status)
	}
	return err
}

func (r *Repository) UpdateAmounts(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, quoted, fee, vat, net int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET quoted_amount_cents = $2, platform_fee_cents = $3, vat_cents = $4,
			net_to_fundi_cents = $5, updated_at = now()
		WHERE id = $1
	`, jobID, quoted, fee, vat, net)
	return err
}

func (r *Repository) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]*models.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE customer_id = $1 ORDER BY created_at DESC`, customerID)
}

func (r *Repository) ListByFundi(ctx context.Context, fundiID uuid.UUID) ([]*models.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE fundi_id = $1 ORDER BY created_at DESC`, fundiID)
}

func (r *Repository) list(ctx context.Context, query string, arg any) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func (r *Repository) CreateScopeChange(ctx context.Context, tx pgx.Tx, sc *models.ScopeChange) error {
	return tx.QueryRow(ctx, `
		INSERT INTO scope_changes (id, job_id, proposed_by, amount_cents, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, sc.ID, sc.JobID, sc.ProposedBy, sc.AmountCents, sc.Reason, sc.Status).Scan(&sc.CreatedAt)
}

// PendingScopeChange returns the job's pending scope change, or nil.
func (r *Repository) PendingScopeChange(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.ScopeChange, error) {
	sc, err := scanScopeChange(tx.QueryRow(ctx, `
		SELECT id, job_id, proposed_by, amount_cents, reason, status, created_at, decided_at
		FROM scope_changes WHERE job_id = $1 AND status = $2
	`, jobID, models.ScopeChangePending))
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return sc, err
}

func (r *Repository) GetScopeChangeForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.ScopeChange, error) {
	return scanScopeChange(tx.QueryRow(ctx, `
		SELECT id, job_id, proposed_by, amount_cents, reason, status, created_at, decided_at
		FROM scope_changes WHERE id = $1 FOR UPDATE
	`, id))
}

func (r *Repository) DecideScopeChange(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error {
	_, err := tx.Exec(ctx, `
		UPDATE scope_changes SET status = $2, decided_at = now() WHERE id = $1
	`, id, status)
	return err
}

func (r *Repository) FundiAccountID(ctx context.Context, fundiID uuid.UUID) (uuid.UUID, error) {
	var accountID uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT account_id FROM fundi_profiles WHERE id = $1`, fundiID).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, apperrors.ErrNotFound
	}
	return accountID, err
}

func scanScopeChange(row pgx.Row) (*models.ScopeChange, error) {
	var sc models.ScopeChange
	err := row.Scan(&sc.ID, &sc.JobID, &sc.ProposedBy, &sc.AmountCents, &sc.Reason, &sc.Status, &sc.CreatedAt, &sc.DecidedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}
