package models

import (
	"time"

	"github.com/google/uuid"
)

// Dispute statuses. Anything past under_review is terminal.
const (
	DisputeStatusOpen             = "open"
	DisputeStatusUnderReview      = "under_review"
	DisputeStatusResolvedCustomer = "resolved_customer"
	DisputeStatusResolvedFundi    = "resolved_fundi"
	DisputeStatusEscalated        = "escalated"
)

// Admin resolution decisions.
const (
	DecisionRefundCustomer  = "refund_customer"
	DecisionReleaseToWorker = "release_to_worker"
	DecisionSplit           = "split"
	DecisionEscalate        = "escalate"
)

// Dispute is one-to-one with a job (unique constraint on job_id).
type Dispute struct {
	ID                  uuid.UUID  `json:"id"`
	JobID               uuid.UUID  `json:"job_id"`
	RaisedBy            uuid.UUID  `json:"raised_by"`
	Status              string     `json:"status"`
	Statement           string     `json:"statement"`
	Evidence            []string   `json:"evidence,omitempty"`
	ResponseStatement   *string    `json:"response_statement,omitempty"`
	ResponseEvidence    []string   `json:"response_evidence,omitempty"`
	Decision            *string    `json:"decision,omitempty"`
	ResolutionNotes     *string    `json:"resolution_notes,omitempty"`
	ResolvedBy          *uuid.UUID `json:"resolved_by,omitempty"`
	CustomerAmountCents *int64     `json:"customer_amount_cents,omitempty"`
	FundiAmountCents    *int64     `json:"fundi_amount_cents,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
}

// DisputeTerminal reports whether a dispute can still be resolved.
func DisputeTerminal(status string) bool {
	return status != DisputeStatusOpen && status != DisputeStatusUnderReview
}
