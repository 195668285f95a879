package disputes

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

const disputeColumns = `id, job_id, raised_by, status, statement, evidence,
	response_statement, response_evidence, decision, resolution_notes, resolved_by,
	customer_amount_cents, fundi_amount_cents, created_at, resolved_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanDispute(row pgx.Row) (*models.Dispute, error) {
	var d models.Dispute
	err := row.Scan(
		&d.ID, &d.JobID, &d.RaisedBy, &d.Status, &d.Statement, &d.Evidence,
		&d.ResponseStatement, &d.ResponseEvidence, &d.Decision, &d.ResolutionNotes,
		&d.ResolvedBy, &d.CustomerAmountCents, &d.FundiAmountCents,
		&d.CreatedAt, &d.ResolvedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	return &d, nil
}

// Create inserts the dispute. The unique index on job_id makes a second
// dispute for the same job fail as a duplicate request.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO disputes (id, job_id, raised_by, statement, evidence, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.JobID, d.RaisedBy, d.Statement, d.Evidence, d.Status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrDuplicateRequest
		}
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (r *Repository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error) {
	row := tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id)
	return scanDispute(row)
}

func (r *Repository) GetByJobID(ctx context.Context, jobID uuid.UUID) (*models.Dispute, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE job_id = $1`, jobID)
	return scanDispute(row)
}

// SetResponse records the other party's statement on an open dispute.
func (r *Repository) SetResponse(ctx context.Context, id uuid.UUID, statement string, evidence []string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE disputes SET response_statement = $2, response_evidence = $3
		WHERE id = $1 AND status IN ($4, $5)`,
		id, statement, evidence, models.DisputeStatusOpen, models.DisputeStatusUnderReview,
	)
	if err != nil {
		return fmt.Errorf("set dispute response: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrAlreadyResolved
	}
	return nil
}

func (r *Repository) MarkUnderReview(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE disputes SET status = $2
		WHERE id = $1 AND status = $3`,
		id, models.DisputeStatusUnderReview, models.DisputeStatusOpen,
	)
	if err != nil {
		return fmt.Errorf("mark dispute under review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrAlreadyResolved
	}
	return nil
}

// Resolve stamps the final decision. The caller holds the row lock and
// has already verified the dispute is still resolvable.
func (r *Repository) Resolve(ctx context.Context, tx pgx.Tx, id uuid.UUID, status, decision, notes string, resolvedBy uuid.UUID, customerCents, fundiCents int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE disputes
		SET status = $2, decision = $3, resolution_notes = $4, resolved_by = $5,
		    customer_amount_cents = $6, fundi_amount_cents = $7, resolved_at = now()
		WHERE id = $1`,
		id, status, decision, notes, resolvedBy, customerCents, fundiCents,
	)
	if err != nil {
		return fmt.Errorf("resolve dispute: %w", err)
	}
	return nil
}

// ListOpen returns disputes awaiting admin action, oldest first.
func (r *Repository) ListOpen(ctx context.Context) ([]*models.Dispute, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC`,
		models.DisputeStatusOpen, models.DisputeStatusUnderReview,
	)
	if err != nil {
		return nil, fmt.Errorf("list open disputes: %w", err)
	}
	defer rows.Close()

	var out []*models.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
