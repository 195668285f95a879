package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job status enum. cancelled and disputed are absorbing.
const (
	JobStatusPending    = "pending"
	JobStatusAccepted   = "accepted"
	JobStatusEnRoute    = "en_route"
	JobStatusArrived    = "arrived"
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusCancelled  = "cancelled"
	JobStatusDisputed   = "disputed"
)

// Job is a booking. All monetary fields are integer minor units (TZS cents).
// Invariant: NetToFundiCents = QuotedAmountCents - PlatformFeeCents.
type Job struct {
	ID                uuid.UUID       `json:"id"`
	CustomerID        uuid.UUID       `json:"customer_id"`
	FundiID           *uuid.UUID      `json:"fundi_id,omitempty"`
	Category          string          `json:"category"`
	ServiceLines      json.RawMessage `json:"service_lines"`
	Lat               float64         `json:"lat"`
	Lng               float64         `json:"lng"`
	Address           string          `json:"address"`
	ScheduledFor      *time.Time      `json:"scheduled_for,omitempty"`
	Status            string          `json:"status"`
	QuotedAmountCents int64           `json:"quoted_amount_cents"`
	PlatformFeeCents  int64           `json:"platform_fee_cents"`
	VATCents          int64           `json:"vat_cents"`
	NetToFundiCents   int64           `json:"net_to_fundi_cents"`
	CompletionPhotos  []string        `json:"completion_photos,omitempty"`
	CancelledBy       *uuid.UUID      `json:"cancelled_by,omitempty"`
	CancelReason      *string         `json:"cancel_reason,omitempty"`
	EscrowReleaseAt   *time.Time      `json:"escrow_release_at,omitempty"`
	AcceptedAt        *time.Time      `json:"accepted_at,omitempty"`
	EnRouteAt         *time.Time      `json:"en_route_at,omitempty"`
	ArrivedAt         *time.Time      `json:"arrived_at,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	DisputedAt        *time.Time      `json:"disputed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// JobOffer records one dispatch attempt. A fundi with an offer row for a
// job is never offered the same job again, however the offer closed.
const (
	OfferDeclineTimeout  = "timeout"
	OfferDeclineExplicit = "declined"
)

type JobOffer struct {
	ID            uuid.UUID  `json:"id"`
	JobID         uuid.UUID  `json:"job_id"`
	FundiID       uuid.UUID  `json:"fundi_id"`
	DistanceKm    float64    `json:"distance_km"`
	Score         float64    `json:"score"`
	OfferedAt     time.Time  `json:"offered_at"`
	DeclinedAt    *time.Time `json:"declined_at,omitempty"`
	DeclineReason *string    `json:"decline_reason,omitempty"`
}

// Scope change: mid-job price renegotiation, proposed by the fundi while
// in_progress, decided by the customer.
const (
	ScopeChangePending  = "pending"
	ScopeChangeApproved = "approved"
	ScopeChangeRejected = "rejected"
)

type ScopeChange struct {
	ID          uuid.UUID  `json:"id"`
	JobID       uuid.UUID  `json:"job_id"`
	ProposedBy  uuid.UUID  `json:"proposed_by"`
	AmountCents int64      `json:"amount_cents"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}
