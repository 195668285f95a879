// Package jobs owns the booking state machine: the legal status graph,
// role-based transition authorization, per-transition timestamps, and the
// side effects that fire once a transition has committed.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/fees"
	"github.com/fundilink/backend/internal/models"
	"github.com/fundilink/backend/internal/notify"
	"github.com/fundilink/backend/internal/store"
)

// transitions is the total, fixed status graph. Any (from, to) pair not
// listed fails with ErrInvalidTransition.
var transitions = map[string]map[string]bool{
	models.JobStatusPending:    {models.JobStatusAccepted: true, models.JobStatusCancelled: true},
	models.JobStatusAccepted:   {models.JobStatusEnRoute: true, models.JobStatusCancelled: true},
	models.JobStatusEnRoute:    {models.JobStatusArrived: true, models.JobStatusCancelled: true},
	models.JobStatusArrived:    {models.JobStatusInProgress: true, models.JobStatusCancelled: true},
	models.JobStatusInProgress: {models.JobStatusCompleted: true, models.JobStatusDisputed: true},
	models.JobStatusCompleted:  {models.JobStatusDisputed: true},
}

func transitionAllowed(from, to string) bool {
	return transitions[from][to]
}

// fundiTransitions are the forward transitions a fundi may drive.
var fundiTransitions = map[string]bool{
	models.JobStatusAccepted:   true,
	models.JobStatusEnRoute:    true,
	models.JobStatusArrived:    true,
	models.JobStatusInProgress: true,
	models.JobStatusCompleted:  true,
}

// Actor identifies who is requesting a transition. FundiID is the fundi
// profile ID and is set only for the fundi role.
type Actor struct {
	AccountID uuid.UUID
	FundiID   *uuid.UUID
	Role      string
}

const roleSystem = "system"

// SystemActor bypasses role checks; used by internal flows (dispute
// handler) that have already done their own authorization.
var SystemActor = Actor{Role: roleSystem}

// TransitionRequest carries the optional payload of a transition.
type TransitionRequest struct {
	Reason string
	Photos []string
}

// Repo is the persistence interface the state machine drives.
type Repo interface {
	Create(ctx context.Context, j *models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error)
	ApplyTransition(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, upd TransitionUpdate) error
	UpdateAmounts(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, quoted, fee, vat, net int64) error
	ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]*models.Job, error)
	ListByFundi(ctx context.Context, fundiID uuid.UUID) ([]*models.Job, error)
	CreateScopeChange(ctx context.Context, tx pgx.Tx, sc *models.ScopeChange) error
	PendingScopeChange(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.ScopeChange, error)
	GetScopeChangeForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.ScopeChange, error)
	DecideScopeChange(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error
	FundiAccountID(ctx context.Context, fundiID uuid.UUID) (uuid.UUID, error)
}

// ReleaseScheduler registers the delayed escrow release for a completed
// job, inside the completing transaction.
type ReleaseScheduler interface {
	ScheduleRelease(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, at time.Time) error
}

type Service struct {
	uow      store.UnitOfWork
	repo     Repo
	release  ReleaseScheduler
	notifier notify.Sink
	log      *slog.Logger

	feePercent int
	vatPercent int
	escrowHold time.Duration
}

func NewService(
	uow store.UnitOfWork,
	repo Repo,
	release ReleaseScheduler,
	notifier notify.Sink,
	log *slog.Logger,
	feePercent, vatPercent int,
	escrowHold time.Duration,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		uow:        uow,
		repo:       repo,
		release:    release,
		notifier:   notifier,
		log:        log,
		feePercent: feePercent,
		vatPercent: vatPercent,
		escrowHold: escrowHold,
	}
}

type CreateJobInput struct {
	Category          string
	ServiceLines      json.RawMessage
	Lat               float64
	Lng               float64
	Address           string
	ScheduledFor      *time.Time
	QuotedAmountCents int64
}

// Create books a new job in pending with its fee split precomputed.
func (s *Service) Create(ctx context.Context, customerID uuid.UUID, in CreateJobInput) (*models.Job, error) {
	if in.QuotedAmountCents <= 0 {
		return nil, apperrors.ErrInvalidAmount
	}
	b, err := fees.Compute(in.QuotedAmountCents, s.feePercent, s.vatPercent)
	if err != nil {
		return nil, err
	}
	job := &models.Job{
		ID:                uuid.New(),
		CustomerID:        customerID,
		Category:          in.Category,
		ServiceLines:      in.ServiceLines,
		Lat:               in.Lat,
		Lng:               in.Lng,
		Address:           in.Address,
		ScheduledFor:      in.ScheduledFor,
		Status:            models.JobStatusPending,
		QuotedAmountCents: b.GrossCents,
		PlatformFeeCents:  b.FeeCents,
		VATCents:          b.VATCents,
		NetToFundiCents:   b.NetCents,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Transition moves the job to next on behalf of actor. The job row is
// locked for the duration so concurrent transitions serialize; side
// effects (notifications, escrow scheduling) happen only if the
// transition commits.
func (s *Service) Transition(ctx context.Context, jobID uuid.UUID, actor Actor, next string, req TransitionRequest) (*models.Job, error) {
	var job *models.Job
	err := s.uow.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		j, err := s.repo.GetByIDForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !transitionAllowed(j.Status, next) {
			return apperrors.ErrInvalidTransition
		}
		if err := s.authorize(j, actor, next); err != nil {
			return err
		}

		now := time.Now()
		upd := TransitionUpdate{Status: next, Now: now}
		switch next {
		case models.JobStatusAccepted:
			upd.FundiID = actor.FundiID
		case models.JobStatusCompleted:
			upd.CompletionPhotos = req.Photos
			at := now.Add(s.escrowHold)
			upd.EscrowReleaseAt = &at
		case models.JobStatusCancelled:
			upd.CancelledBy = &actor.AccountID
			reason := req.Reason
			upd.CancelReason = &reason
		case models.JobStatusDisputed:
			upd.ClearEscrowRelease = true
		}
		if err := s.repo.ApplyTransition(ctx, tx, jobID, upd); err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}
		if next == models.JobStatusCompleted {
			if err := s.release.ScheduleRelease(ctx, tx, jobID, *upd.EscrowReleaseAt); err != nil {
				return fmt.Errorf("schedule escrow release: %w", err)
			}
		}
		job = applyLocal(j, upd)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyTransition(ctx, job, actor, next)
	s.log.Info("job transition", "job_id", jobID, "to", next, "by", actor.Role)
	return job, nil
}

// MarkDisputed performs the disputed transition inside the caller's
// transaction. Used by the dispute handler so the dispute row and the
// status change commit atomically.
func (s *Service) MarkDisputed(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.Job, error) {
	j, err := s.repo.GetByIDForUpdate(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(j.Status, models.JobStatusDisputed) {
		return nil, apperrors.ErrInvalidTransition
	}
	upd := TransitionUpdate{Status: models.JobStatusDisputed, Now: time.Now(), ClearEscrowRelease: true}
	if err := s.repo.ApplyTransition(ctx, tx, jobID, upd); err != nil {
		return nil, fmt.Errorf("apply disputed: %w", err)
	}
	return applyLocal(j, upd), nil
}

func (s *Service) authorize(j *models.Job, actor Actor, next string) error {
	switch actor.Role {
	case roleSystem:
		return nil
	case models.RoleAdmin:
		if next == models.JobStatusCancelled {
			return nil
		}
		return apperrors.ErrForbidden
	case models.RoleCustomer:
		if j.CustomerID != actor.AccountID {
			return apperrors.ErrForbidden
		}
		if next != models.JobStatusCompleted && next != models.JobStatusCancelled {
			return apperrors.ErrForbidden
		}
		return nil
	case models.RoleFundi:
		if !fundiTransitions[next] || actor.FundiID == nil {
			return apperrors.ErrForbidden
		}
		// accepted performs the assignment; every later transition
		// requires it.
		if next == models.JobStatusAccepted {
			return nil
		}
		if j.FundiID == nil || *j.FundiID != *actor.FundiID {
			return apperrors.ErrNotAssigned
		}
		return nil
	default:
		return apperrors.ErrForbidden
	}
}

// notifyTransition enqueues the per-transition notification intents.
// Runs strictly after the commit.
func (s *Service) notifyTransition(ctx context.Context, j *models.Job, actor Actor, next string) {
	vars := map[string]string{"job_id": j.ID.String()}
	switch next {
	case models.JobStatusAccepted:
		s.notifier.Enqueue(ctx, notify.Intent{
			UserID: j.CustomerID, TemplateKey: "job_accepted", Variables: vars,
			Channels: []string{notify.ChannelPush, notify.ChannelSMS}, Priority: notify.PriorityHigh,
		})
	case models.JobStatusEnRoute:
		s.notifier.Enqueue(ctx, notify.Intent{
			UserID: j.CustomerID, TemplateKey: "fundi_en_route", Variables: vars,
			Channels: []string{notify.ChannelPush}, Priority: notify.PriorityNormal,
		})
	case models.JobStatusArrived:
		s.notifier.Enqueue(ctx, notify.Intent{
			UserID: j.CustomerID, TemplateKey: "fundi_arrived", Variables: vars,
			Channels: []string{notify.ChannelPush}, Priority: notify.PriorityNormal,
		})
	case models.JobStatusCompleted:
		s.notifier.Enqueue(ctx, notify.Intent{
			UserID: j.CustomerID, TemplateKey: "job_completed_rate", Variables: vars,
			Channels: []string{notify.ChannelPush}, Priority: notify.PriorityNormal,
		})
	case models.JobStatusCancelled:
		// Notify the non-cancelling party.
		target := j.CustomerID
		if actor.AccountID == j.CustomerID && j.FundiID != nil {
			target = s.fundiAccount(ctx, *j.FundiID)
		}
		if target == uuid.Nil {
			return
		}
		s.notifier.Enqueue(ctx, notify.Intent{
			UserID: target, TemplateKey: "job_cancelled", Variables: vars,
			Channels: []string{notify.ChannelPush, notify.ChannelSMS}, Priority: notify.PriorityHigh,
		})
	}
}

// fundiAccount resolves a fundi profile to its account for notification
// targeting. Lookup failure only costs the notification.
func (s *Service) fundiAccount(ctx context.Context, fundiID uuid.UUID) uuid.UUID {
	accountID, err := s.repo.FundiAccountID(ctx, fundiID)
	if err != nil {
		s.log.Warn("fundi account lookup failed", "fundi_id", fundiID, "error", err)
		return uuid.Nil
	}
	return accountID
}

// FundiAccount resolves a fundi profile ID to the owning account ID.
func (s *Service) FundiAccount(ctx context.Context, fundiID uuid.UUID) (uuid.UUID, error) {
	return s.repo.FundiAccountID(ctx, fundiID)
}

// ProposeScopeChange lets the assigned fundi request an additive amount
// while the job is in progress. No financial effect until approved.
func (s *Service) ProposeScopeChange(ctx context.Context, jobID uuid.UUID, actor Actor, amountCents int64, reason string) (*models.ScopeChange, error) {
	if amountCents <= 0 {
		return nil, apperrors.ErrInvalidAmount
	}
	if actor.Role != models.RoleFundi || actor.FundiID == nil {
		return nil, apperrors.ErrForbidden
	}
	sc := &models.ScopeChange{
		ID:          uuid.New(),
		JobID:       jobID,
		ProposedBy:  *actor.FundiID,
		AmountCents: amountCents,
		Reason:      reason,
		Status:      models.ScopeChangePending,
	}
	err := s.uow.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		j, err := s.repo.GetByIDForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if j.Status != models.JobStatusInProgress {
			return apperrors.ErrInvalidTransition
		}
		if j.FundiID == nil || *j.FundiID != *actor.FundiID {
			return apperrors.ErrNotAssigned
		}
		pending, err := s.repo.PendingScopeChange(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if pending != nil {
			return apperrors.ErrDuplicateRequest
		}
		return s.repo.CreateScopeChange(ctx, tx, sc)
	})
	if err != nil {
		return nil, err
	}
	job, _ := s.repo.GetByID(ctx, jobID)
	if job != nil {
		s.notifier.Enqueue(ctx, notify.Intent{
			UserID:      job.CustomerID,
			TemplateKey: "scope_change_proposed",
			Variables:   map[string]string{"job_id": jobID.String(), "amount_cents": fmt.Sprint(amountCents)},
			Channels:    []string{notify.ChannelPush},
			Priority:    notify.PriorityHigh,
		})
	}
	return sc, nil
}

// DecideScopeChange approves or rejects a pending scope change. Only the
// customer who owns the job may decide. Approval re-runs the fee
// calculator against the new total and overwrites the job's fee fields.
func (s *Service) DecideScopeChange(ctx context.Context, jobID, scopeID uuid.UUID, actor Actor, approve bool) (*models.Job, error) {
	if actor.Role != models.RoleCustomer {
		return nil, apperrors.ErrForbidden
	}
	var job *models.Job
	err := s.uow.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		j, err := s.repo.GetByIDForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if j.CustomerID != actor.AccountID {
			return apperrors.ErrForbidden
		}
		sc, err := s.repo.GetScopeChangeForUpdate(ctx, tx, scopeID)
		if err != nil {
			return err
		}
		if sc.JobID != jobID {
			return apperrors.ErrNotFound
		}
		if sc.Status != models.ScopeChangePending {
			return apperrors.ErrDuplicateRequest
		}
		if !approve {
			job = j
			return s.repo.DecideScopeChange(ctx, tx, scopeID, models.ScopeChangeRejected)
		}
		b, err := fees.Compute(j.QuotedAmountCents+sc.AmountCents, s.feePercent, s.vatPercent)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateAmounts(ctx, tx, jobID, b.GrossCents, b.FeeCents, b.VATCents, b.NetCents); err != nil {
			return err
		}
		if err := s.repo.DecideScopeChange(ctx, tx, scopeID, models.ScopeChangeApproved); err != nil {
			return err
		}
		cp := *j
		cp.QuotedAmountCents = b.GrossCents
		cp.PlatformFeeCents = b.FeeCents
		cp.VATCents = b.VATCents
		cp.NetToFundiCents = b.NetCents
		job = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job.FundiID != nil {
		key := "scope_change_rejected"
		if approve {
			key = "scope_change_approved"
		}
		target := s.fundiAccount(ctx, *job.FundiID)
		if target == uuid.Nil {
			return job, nil
		}
		s.notifier.Enqueue(ctx, notify.Intent{
			UserID:      target,
			TemplateKey: key,
			Variables:   map[string]string{"job_id": jobID.String()},
			Channels:    []string{notify.ChannelPush},
			Priority:    notify.PriorityNormal,
		})
	}
	return job, nil
}

func (s *Service) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return s.repo.GetByID(ctx, jobID)
}

func (s *Service) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]*models.Job, error) {
	return s.repo.ListByCustomer(ctx, customerID)
}

func (s *Service) ListByFundi(ctx context.Context, fundiID uuid.UUID) ([]*models.Job, error) {
	return s.repo.ListByFundi(ctx, fundiID)
}

// applyLocal mirrors ApplyTransition on an in-memory copy so callers get
// the post-transition job without a re-read.
func applyLocal(j *models.Job, upd TransitionUpdate) *models.Job {
	cp := *j
	cp.Status = upd.Status
	cp.UpdatedAt = upd.Now
	now := upd.Now
	switch upd.Status {
	case models.JobStatusAccepted:
		cp.FundiID = upd.FundiID
		cp.AcceptedAt = &now
	case models.JobStatusEnRoute:
		cp.EnRouteAt = &now
	case models.JobStatusArrived:
		cp.ArrivedAt = &now
	case models.JobStatusInProgress:
		cp.StartedAt = &now
	case models.JobStatusCompleted:
		cp.CompletedAt = &now
		cp.CompletionPhotos = upd.CompletionPhotos
		cp.EscrowReleaseAt = upd.EscrowReleaseAt
	case models.JobStatusCancelled:
		cp.CancelledAt = &now
		cp.CancelledBy = upd.CancelledBy
		cp.CancelReason = upd.CancelReason
	case models.JobStatusDisputed:
		cp.DisputedAt = &now
		cp.EscrowReleaseAt = nil
	}
	return &cp
}
