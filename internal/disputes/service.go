// Package disputes freezes a job's escrow and settles it by admin
// decision. Raising a dispute and flipping the job to disputed commit in
// one transaction; resolving moves funds exactly once.
package disputes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/models"
	"github.com/fundilink/backend/internal/notify"
	"github.com/fundilink/backend/internal/store"
)

// Repo is the dispute persistence interface.
type Repo interface {
	Create(ctx context.Context, tx pgx.Tx, d *models.Dispute) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error)
	GetByJobID(ctx context.Context, jobID uuid.UUID) (*models.Dispute, error)
	SetResponse(ctx context.Context, id uuid.UUID, statement string, evidence []string) error
	MarkUnderReview(ctx context.Context, id uuid.UUID) error
	Resolve(ctx context.Context, tx pgx.Tx, id uuid.UUID, status, decision, notes string, resolvedBy uuid.UUID, customerCents, fundiCents int64) error
	ListOpen(ctx context.Context) ([]*models.Dispute, error)
}

// JobMarker applies the disputed transition inside the caller's
// transaction and resolves fundi account IDs for notifications.
type JobMarker interface {
	MarkDisputed(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.Job, error)
	Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	FundiAccount(ctx context.Context, fundiID uuid.UUID) (uuid.UUID, error)
}

// Settler moves the frozen escrow during resolution. All three methods
// run inside the resolution transaction with the held row locked.
type Settler interface {
	HeldNet(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (int64, bool, error)
	ReleaseHeld(ctx context.Context, tx pgx.Tx, job *models.Job, creditCents int64) (bool, error)
	RefundHeld(ctx context.Context, tx pgx.Tx, job *models.Job) (bool, error)
}

type Service struct {
	uow      store.UnitOfWork
	repo     Repo
	jobs     JobMarker
	settler  Settler
	notifier notify.Sink
	log      *slog.Logger
}

func NewService(uow store.UnitOfWork, repo Repo, jobs JobMarker, settler Settler, notifier notify.Sink, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{uow: uow, repo: repo, jobs: jobs, settler: settler, notifier: notifier, log: log}
}

// Raise opens a dispute on a job the caller is party to. The dispute row
// and the disputed job transition commit together. A job can carry at
// most one dispute: an existing row is reported as a duplicate request,
// and the unique job_id index backstops the race between two raisers.
func (s *Service) Raise(ctx context.Context, raisedBy uuid.UUID, jobID uuid.UUID, statement string, evidence []string) (*models.Dispute, error) {
	if statement == "" {
		return nil, fmt.Errorf("%w: statement required", apperrors.ErrInvalidAmount)
	}
	if _, err := s.repo.GetByJobID(ctx, jobID); err == nil {
		return nil, apperrors.ErrDuplicateRequest
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	d := &models.Dispute{
		ID:        uuid.New(),
		JobID:     jobID,
		RaisedBy:  raisedBy,
		Status:    models.DisputeStatusOpen,
		Statement: statement,
		Evidence:  evidence,
	}
	var job *models.Job
	err := s.uow.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		j, err := s.jobs.MarkDisputed(ctx, tx, jobID)
		if err != nil {
			return err
		}
		ok, err := s.isParty(ctx, j, raisedBy)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.ErrForbidden
		}
		job = j
		return s.repo.Create(ctx, tx, d)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("dispute raised", "dispute_id", d.ID, "job_id", jobID, "raised_by", raisedBy)
	s.notifyParties(ctx, job, raisedBy, "dispute_raised", map[string]string{"job_id": jobID.String()})
	return d, nil
}

// Respond records the counterparty's statement on an open dispute.
func (s *Service) Respond(ctx context.Context, accountID, disputeID uuid.UUID, statement string, evidence []string) error {
	d, err := s.repo.GetByID(ctx, disputeID)
	if err != nil {
		return err
	}
	job, err := s.jobs.Get(ctx, d.JobID)
	if err != nil {
		return err
	}
	ok, err := s.isParty(ctx, job, accountID)
	if err != nil {
		return err
	}
	if !ok || accountID == d.RaisedBy {
		return apperrors.ErrForbidden
	}
	return s.repo.SetResponse(ctx, disputeID, statement, evidence)
}

// StartReview flags an open dispute as being worked by an admin.
func (s *Service) StartReview(ctx context.Context, disputeID uuid.UUID) error {
	return s.repo.MarkUnderReview(ctx, disputeID)
}

// ResolveInput is the admin's decision.
type ResolveInput struct {
	Decision            string
	Notes               string
	CustomerAmountCents int64
	FundiAmountCents    int64
}

// Resolve applies the admin decision to a resolvable dispute. Exactly
// one fund movement happens per dispute: the row lock plus the terminal
// status guard make a second resolution fail, and escalation moves
// nothing. Split amounts may not exceed the held net; allocating less
// than the full net leaves the remainder with the platform.
func (s *Service) Resolve(ctx context.Context, adminID, disputeID uuid.UUID, in ResolveInput) (*models.Dispute, error) {
	status, err := statusFor(in)
	if err != nil {
		return nil, err
	}

	var job *models.Job
	err = s.uow.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		d, err := s.repo.GetByIDForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if models.DisputeTerminal(d.Status) {
			return apperrors.ErrAlreadyResolved
		}
		j, err := s.jobs.Get(ctx, d.JobID)
		if err != nil {
			return err
		}
		job = j

		customerCents, fundiCents := in.CustomerAmountCents, in.FundiAmountCents
		switch in.Decision {
		case models.DecisionRefundCustomer:
			net, held, err := s.settler.HeldNet(ctx, tx, j.ID)
			if err != nil {
				return err
			}
			if held {
				if _, err := s.settler.RefundHeld(ctx, tx, j); err != nil {
					return err
				}
				customerCents, fundiCents = net, 0
			}
		case models.DecisionReleaseToWorker:
			net, held, err := s.settler.HeldNet(ctx, tx, j.ID)
			if err != nil {
				return err
			}
			if held {
				if _, err := s.settler.ReleaseHeld(ctx, tx, j, net); err != nil {
					return err
				}
				customerCents, fundiCents = 0, net
			}
		case models.DecisionSplit:
			if customerCents < 0 || fundiCents < 0 {
				return apperrors.ErrInvalidAmount
			}
			net, held, err := s.settler.HeldNet(ctx, tx, j.ID)
			if err != nil {
				return err
			}
			if !held {
				return apperrors.ErrInvalidTransition
			}
			if customerCents+fundiCents > net {
				return apperrors.ErrInvalidAmount
			}
			if _, err := s.settler.ReleaseHeld(ctx, tx, j, fundiCents); err != nil {
				return err
			}
		case models.DecisionEscalate:
			customerCents, fundiCents = 0, 0
		}

		return s.repo.Resolve(ctx, tx, disputeID, status, in.Decision, in.Notes, adminID, customerCents, fundiCents)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("dispute resolved",
		"dispute_id", disputeID, "decision", in.Decision, "status", status, "admin_id", adminID)
	s.notifyParties(ctx, job, uuid.Nil, "dispute_resolved", map[string]string{
		"job_id":   job.ID.String(),
		"decision": in.Decision,
	})
	return s.repo.GetByID(ctx, disputeID)
}

func (s *Service) Get(ctx context.Context, disputeID uuid.UUID) (*models.Dispute, error) {
	return s.repo.GetByID(ctx, disputeID)
}

func (s *Service) ListOpen(ctx context.Context) ([]*models.Dispute, error) {
	return s.repo.ListOpen(ctx)
}

func statusFor(in ResolveInput) (string, error) {
	switch in.Decision {
	case models.DecisionRefundCustomer:
		return models.DisputeStatusResolvedCustomer, nil
	case models.DecisionReleaseToWorker:
		return models.DisputeStatusResolvedFundi, nil
	case models.DecisionSplit:
		if in.CustomerAmountCents >= in.FundiAmountCents {
			return models.DisputeStatusResolvedCustomer, nil
		}
		return models.DisputeStatusResolvedFundi, nil
	case models.DecisionEscalate:
		return models.DisputeStatusEscalated, nil
	default:
		return "", fmt.Errorf("%w: unknown decision %q", apperrors.ErrInvalidTransition, in.Decision)
	}
}

// isParty reports whether the account is the job's customer or its
// assigned fundi.
func (s *Service) isParty(ctx context.Context, j *models.Job, accountID uuid.UUID) (bool, error) {
	if j.CustomerID == accountID {
		return true, nil
	}
	if j.FundiID == nil {
		return false, nil
	}
	fundiAccount, err := s.jobs.FundiAccount(ctx, *j.FundiID)
	if err != nil {
		return false, err
	}
	return fundiAccount == accountID, nil
}

// notifyParties informs both sides except the excluded account.
func (s *Service) notifyParties(ctx context.Context, j *models.Job, except uuid.UUID, template string, vars map[string]string) {
	if j == nil {
		return
	}
	if j.CustomerID != except {
		s.notifier.Enqueue(ctx, notify.Intent{
			UserID:      j.CustomerID,
			TemplateKey: template,
			Variables:   vars,
			Channels:    []string{notify.ChannelPush},
			Priority:    notify.PriorityHigh,
		})
	}
	if j.FundiID != nil {
		if accountID, err := s.jobs.FundiAccount(ctx, *j.FundiID); err == nil && accountID != except {
			s.notifier.Enqueue(ctx, notify.Intent{
				UserID:      accountID,
				TemplateKey: template,
				Variables:   vars,
				Channels:    []string{notify.ChannelPush},
				Priority:    notify.PriorityHigh,
			})
		}
	}
}
