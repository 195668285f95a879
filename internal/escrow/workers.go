package escrow

import (
	"context"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// ReleaseEscrowArgs is the one-shot delayed release scheduled when a job
// completes.
type ReleaseEscrowArgs struct {
	JobID uuid.UUID `json:"job_id"`
}

func (ReleaseEscrowArgs) Kind() string { return "escrow_release" }

type ReleaseWorker struct {
	river.WorkerDefaults[ReleaseEscrowArgs]
	svc *Service
}

func NewReleaseWorker(svc *Service) *ReleaseWorker {
	return &ReleaseWorker{svc: svc}
}

func (w *ReleaseWorker) Work(ctx context.Context, job *river.Job[ReleaseEscrowArgs]) error {
	return w.svc.Release(ctx, job.Args.JobID)
}

// PayoutArgs drives the reliable external transfer for one payout.
type PayoutArgs struct {
	PayoutID uuid.UUID `json:"payout_id"`
}

func (PayoutArgs) Kind() string { return "payout_transfer" }

type PayoutWorker struct {
	river.WorkerDefaults[PayoutArgs]
	svc *Service
}

func NewPayoutWorker(svc *Service) *PayoutWorker {
	return &PayoutWorker{svc: svc}
}

func (w *PayoutWorker) Work(ctx context.Context, job *river.Job[PayoutArgs]) error {
	finalAttempt := job.Attempt >= job.MaxAttempts
	return w.svc.ProcessPayout(ctx, job.Args.PayoutID, finalAttempt)
}
