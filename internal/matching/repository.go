package matching

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/models"
)

// NearbyFundi is a profile plus its distance to the job location, as
// returned by the storage layer's proximity query.
type NearbyFundi struct {
	Profile    models.FundiProfile
	DistanceKm float64
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindNearby returns online, ID-verified fundi offering the category and
// not on holiday, within radiusKm of the point, with haversine distances.
func (r *Repository) FindNearby(ctx context.Context, category string, lat, lng, radiusKm float64) ([]NearbyFundi, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, categories, online, holiday_mode, verification_tier,
			service_radius_km, lat, lng, rating, acceptance_rate, completion_rate, distance_km
		FROM (
			SELECT fp.*, (6371 * acos(least(1.0,
				cos(radians($2)) * cos(radians(fp.lat)) * cos(radians(fp.lng) - radians($3))
				+ sin(radians($2)) * sin(radians(fp.lat))))) AS distance_km
			FROM fundi_profiles fp
			WHERE fp.online = TRUE
			  AND fp.holiday_mode = FALSE
			  AND fp.verification_tier >= $4
			  AND $1 = ANY(fp.categories)
		) ranked
		WHERE distance_km <= $5
		ORDER BY distance_km ASC
	`, category, lat, lng, models.VerificationIDVerified, radiusKm)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NearbyFundi
	for rows.Next() {
		var n NearbyFundi
		p := &n.Profile
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Categories, &p.Online, &p.HolidayMode, &p.VerificationTier,
			&p.ServiceRadiusKm, &p.Lat, &p.Lng, &p.Rating, &p.AcceptanceRate, &p.CompletionRate, &n.DistanceKm); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *Repository) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.FundiProfile, error) {
	var p models.FundiProfile
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, categories, online, holiday_mode, verification_tier,
			service_radius_km, lat, lng, rating, acceptance_rate, completion_rate, created_at, updated_at
		FROM fundi_profiles WHERE account_id = $1
	`, accountID).Scan(&p.ID, &p.AccountID, &p.Categories, &p.Online, &p.HolidayMode, &p.VerificationTier,
		&p.ServiceRadiusKm, &p.Lat, &p.Lng, &p.Rating, &p.AcceptanceRate, &p.CompletionRate, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) CreateProfile(ctx context.Context, p *models.FundiProfile) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO fundi_profiles (id, account_id, categories, online, holiday_mode,
			verification_tier, service_radius_km, lat, lng, rating, acceptance_rate, completion_rate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`, p.ID, p.AccountID, p.Categories, p.Online, p.HolidayMode,
		p.VerificationTier, p.ServiceRadiusKm, p.Lat, p.Lng, p.Rating, p.AcceptanceRate, p.CompletionRate,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *Repository) UpdateProfile(ctx context.Context, p *models.FundiProfile) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE fundi_profiles
		SET categories = $2, service_radius_km = $3, lat = $4, lng = $5, updated_at = now()
		WHERE id = $1
	`, p.ID, p.Categories, p.ServiceRadiusKm, p.Lat, p.Lng)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// SetAvailability flips the online and holiday flags.
func (r *Repository) SetAvailability(ctx context.Context, fundiID uuid.UUID, online, holiday bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE fundi_profiles SET online = $2, holiday_mode = $3, updated_at = now()
		WHERE id = $1
	`, fundiID, online, holiday)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// AttemptedFundiIDs returns every fundi that already has an offer row for
// the job, however that offer closed.
func (r *Repository) AttemptedFundiIDs(ctx context.Context, jobID uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := r.pool.Query(ctx, `SELECT fundi_id FROM job_offers WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// HasOpenOffer reports whether the job has an offer still awaiting a
// response.
func (r *Repository) HasOpenOffer(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var open bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM job_offers WHERE job_id = $1 AND declined_at IS NULL)
	`, jobID).Scan(&open)
	return open, err
}

func (r *Repository) CountOffers(ctx context.Context, jobID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM job_offers WHERE job_id = $1`, jobID).Scan(&n)
	return n, err
}

func (r *Repository) CreateOffer(ctx context.Context, tx pgx.Tx, o *models.JobOffer) error {
	return tx.QueryRow(ctx, `
		INSERT INTO job_offers (id, job_id, fundi_id, distance_km, score)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING offered_at
	`, o.ID, o.JobID, o.FundiID, o.DistanceKm, o.Score).Scan(&o.OfferedAt)
}

// MarkOfferDeclined closes an open offer. Returns false when the offer is
// already closed, so duplicate timeout deliveries are no-ops.
func (r *Repository) MarkOfferDeclined(ctx context.Context, tx pgx.Tx, jobID, fundiID uuid.UUID, reason string) (bool, error) {
	res, err := tx.Exec(ctx, `
		UPDATE job_offers SET declined_at = now(), decline_reason = $3
		WHERE job_id = $1 AND fundi_id = $2 AND declined_at IS NULL
	`, jobID, fundiID, reason)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}
