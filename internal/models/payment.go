package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction directions.
const (
	DirectionCustomerToEscrow = "customer_to_escrow"
	DirectionEscrowToFundi    = "escrow_to_fundi"
	DirectionPlatformFee      = "platform_fee"
	DirectionTip              = "tip"
	DirectionRefund           = "refund"
)

// Transaction statuses. released, refunded and failed are terminal.
const (
	TxStatusInitiated  = "initiated"
	TxStatusProcessing = "processing"
	TxStatusHeldEscrow = "held_escrow"
	TxStatusReleased   = "released"
	TxStatusRefunded   = "refunded"
	TxStatusFailed     = "failed"
)

// PaymentTransaction is an immutable ledger entry for one fund movement.
// At most one customer_to_escrow transaction per job may be non-terminal.
type PaymentTransaction struct {
	ID             uuid.UUID  `json:"id"`
	JobID          uuid.UUID  `json:"job_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	AmountCents    int64      `json:"amount_cents"`
	FeeCents       int64      `json:"fee_cents"`
	VATCents       int64      `json:"vat_cents"`
	NetCents       int64      `json:"net_cents"`
	Direction      string     `json:"direction"`
	Status         string     `json:"status"`
	GatewayRef     *string    `json:"gateway_ref,omitempty"`
	FailReason     *string    `json:"fail_reason,omitempty"`
	RetryCount     int        `json:"retry_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
}

// TxTerminal reports whether a transaction status can no longer advance.
func TxTerminal(status string) bool {
	return status == TxStatusReleased || status == TxStatusRefunded || status == TxStatusFailed
}

// Payout statuses.
const (
	PayoutStatusPending   = "pending"
	PayoutStatusCompleted = "completed"
	PayoutStatusFailed    = "failed"
)

// Payout is a fundi withdrawal to a mobile-money account. The amount is
// debited from the wallet when the request is created and restored if the
// external transfer ultimately fails.
type Payout struct {
	ID          uuid.UUID  `json:"id"`
	FundiID     uuid.UUID  `json:"fundi_id"`
	AmountCents int64      `json:"amount_cents"`
	Network     string     `json:"network"`
	Number      string     `json:"number"`
	Status      string     `json:"status"`
	FailReason  *string    `json:"fail_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
