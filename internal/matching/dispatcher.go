package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/models"
	"github.com/fundilink/backend/internal/notify"
	"github.com/fundilink/backend/internal/scheduler"
	"github.com/fundilink/backend/internal/store"
)

// Candidate is one ranked fundi for a dispatch attempt. Ephemeral; only
// the resulting offer row is persisted.
type Candidate struct {
	Profile    models.FundiProfile
	DistanceKm float64
	Score      float64
}

// FundiRepo is the candidate-lookup interface used by the dispatcher.
type FundiRepo interface {
	FindNearby(ctx context.Context, category string, lat, lng, radiusKm float64) ([]NearbyFundi, error)
	AttemptedFundiIDs(ctx context.Context, jobID uuid.UUID) (map[uuid.UUID]bool, error)
	HasOpenOffer(ctx context.Context, jobID uuid.UUID) (bool, error)
	CountOffers(ctx context.Context, jobID uuid.UUID) (int, error)
	CreateOffer(ctx context.Context, tx pgx.Tx, o *models.JobOffer) error
	MarkOfferDeclined(ctx context.Context, tx pgx.Tx, jobID, fundiID uuid.UUID, reason string) (bool, error)
}

// JobRepo is the minimal job access the dispatcher needs.
type JobRepo interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error)
}

// Dispatcher ranks eligible fundi and offers the job to one at a time,
// escalating through the candidate list on timeout or explicit decline.
// It never commits an acceptance; that is the state machine's job.
type Dispatcher struct {
	uow      store.UnitOfWork
	fundis   FundiRepo
	jobs     JobRepo
	sched    scheduler.Scheduler
	notifier notify.Sink
	log      *slog.Logger

	offerTimeout   time.Duration
	maxAttempts    int
	searchRadiusKm float64
}

func NewDispatcher(
	uow store.UnitOfWork,
	fundis FundiRepo,
	jobs JobRepo,
	sched scheduler.Scheduler,
	notifier notify.Sink,
	log *slog.Logger,
	offerTimeout time.Duration,
	maxAttempts int,
	searchRadiusKm float64,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		uow:            uow,
		fundis:         fundis,
		jobs:           jobs,
		sched:          sched,
		notifier:       notifier,
		log:            log,
		offerTimeout:   offerTimeout,
		maxAttempts:    maxAttempts,
		searchRadiusKm: searchRadiusKm,
	}
}

// Dispatch offers the job to the top-ranked candidate not yet attempted.
// A nil candidate with nil error means no offer was made: either an
// earlier offer is still awaiting a response, or no fundi is available
// (reported to the customer, not retried). The open-offer check, the
// attempt count and the offer insert all run under the job row lock so
// concurrent dispatches for the same job serialize instead of racing
// past the gates and offering to two fundi at once.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID uuid.UUID) (*Candidate, error) {
	var job *models.Job
	var best *Candidate
	var attempts int
	alreadyOffered := false
	err := d.uow.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		j, err := d.jobs.GetByIDForUpdate(ctx, tx, jobID)
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		if j.Status != models.JobStatusPending {
			return apperrors.ErrInvalidTransition
		}
		job = j

		open, err := d.fundis.HasOpenOffer(ctx, jobID)
		if err != nil {
			return fmt.Errorf("check open offer: %w", err)
		}
		if open {
			alreadyOffered = true
			return nil
		}

		attempts, err = d.fundis.CountOffers(ctx, jobID)
		if err != nil {
			return fmt.Errorf("count offers: %w", err)
		}
		if attempts >= d.maxAttempts {
			return nil
		}

		candidates, err := d.rankCandidates(ctx, job)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		best = &candidates[0]

		offer := &models.JobOffer{
			ID:         uuid.New(),
			JobID:      job.ID,
			FundiID:    best.Profile.ID,
			DistanceKm: best.DistanceKm,
			Score:      best.Score,
		}
		if err := d.fundis.CreateOffer(ctx, tx, offer); err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		return d.sched.RunAt(ctx, tx, OfferTimeoutArgs{JobID: job.ID, FundiID: best.Profile.ID},
			time.Now().Add(d.offerTimeout))
	})
	if err != nil {
		return nil, err
	}
	if alreadyOffered {
		return nil, nil
	}
	if best == nil {
		return d.giveUp(ctx, job)
	}

	d.notifier.Enqueue(ctx, notify.Intent{
		UserID:      best.Profile.AccountID,
		TemplateKey: "job_offer",
		Variables:   map[string]string{"job_id": job.ID.String(), "category": job.Category},
		Channels:    []string{notify.ChannelPush, notify.ChannelSMS},
		Priority:    notify.PriorityHigh,
	})
	d.log.Info("job offered", "job_id", job.ID, "fundi_id", best.Profile.ID,
		"score", best.Score, "distance_km", best.DistanceKm, "attempt", attempts+1)
	return best, nil
}

// rankCandidates applies the eligibility filter and sorts by score,
// best first. The proximity query pre-filters online + category +
// verification; the fundi's own service radius and the per-job decline
// exclusion are applied here.
func (d *Dispatcher) rankCandidates(ctx context.Context, job *models.Job) ([]Candidate, error) {
	nearby, err := d.fundis.FindNearby(ctx, job.Category, job.Lat, job.Lng, d.searchRadiusKm)
	if err != nil {
		return nil, fmt.Errorf("find nearby fundi: %w", err)
	}
	attempted, err := d.fundis.AttemptedFundiIDs(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("load attempted fundi: %w", err)
	}

	var candidates []Candidate
	for _, n := range nearby {
		if attempted[n.Profile.ID] {
			continue
		}
		if n.DistanceKm > n.Profile.ServiceRadiusKm {
			continue
		}
		candidates = append(candidates, Candidate{
			Profile:    n.Profile,
			DistanceKm: n.DistanceKm,
			Score:      Score(n.Profile.Rating, n.Profile.AcceptanceRate, n.Profile.CompletionRate, n.DistanceKm),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates, nil
}

// giveUp surfaces "no fundi available" to the customer. The job stays
// pending so the customer can retry later or cancel.
func (d *Dispatcher) giveUp(ctx context.Context, job *models.Job) (*Candidate, error) {
	d.log.Warn("no fundi available", "job_id", job.ID, "category", job.Category)
	d.notifier.Enqueue(ctx, notify.Intent{
		UserID:      job.CustomerID,
		TemplateKey: "no_fundi_available",
		Variables:   map[string]string{"job_id": job.ID.String()},
		Channels:    []string{notify.ChannelPush},
		Priority:    notify.PriorityNormal,
	})
	return nil, nil
}

// HandleOfferTimeout runs when an offer's response window elapses. The
// offer is recorded as declined (timeout) and the next candidate is
// tried. Idempotent: a job no longer pending, or an offer already
// closed, is a no-op.
func (d *Dispatcher) HandleOfferTimeout(ctx context.Context, jobID, fundiID uuid.UUID) error {
	expired := false
	err := d.uow.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		job, err := d.jobs.GetByIDForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusPending {
			return nil
		}
		expired, err = d.fundis.MarkOfferDeclined(ctx, tx, jobID, fundiID, models.OfferDeclineTimeout)
		return err
	})
	if err != nil {
		return err
	}
	if !expired {
		return nil
	}
	d.log.Info("offer timed out", "job_id", jobID, "fundi_id", fundiID)
	_, err = d.Dispatch(ctx, jobID)
	return err
}

// Decline records an explicit decline by the offered fundi and moves on
// to the next candidate immediately.
func (d *Dispatcher) Decline(ctx context.Context, jobID, fundiID uuid.UUID) error {
	declined := false
	err := d.uow.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		job, err := d.jobs.GetByIDForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusPending {
			return apperrors.ErrInvalidTransition
		}
		declined, err = d.fundis.MarkOfferDeclined(ctx, tx, jobID, fundiID, models.OfferDeclineExplicit)
		return err
	})
	if err != nil {
		return err
	}
	if !declined {
		return apperrors.ErrDuplicateRequest
	}
	d.log.Info("offer declined", "job_id", jobID, "fundi_id", fundiID)
	_, err = d.Dispatch(ctx, jobID)
	return err
}
