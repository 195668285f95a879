package matching

import (
	"context"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type OfferTimeoutArgs struct {
	JobID   uuid.UUID `json:"job_id"`
	FundiID uuid.UUID `json:"fundi_id"`
}

func (OfferTimeoutArgs) Kind() string { return "offer_timeout" }

// OfferTimeoutWorker fires when an offer's 90-second response window
// elapses without an acceptance.
type OfferTimeoutWorker struct {
	river.WorkerDefaults[OfferTimeoutArgs]
	dispatcher *Dispatcher
}

func NewOfferTimeoutWorker(d *Dispatcher) *OfferTimeoutWorker {
	return &OfferTimeoutWorker{dispatcher: d}
}

func (w *OfferTimeoutWorker) Work(ctx context.Context, job *river.Job[OfferTimeoutArgs]) error {
	return w.dispatcher.HandleOfferTimeout(ctx, job.Args.JobID, job.Args.FundiID)
}
