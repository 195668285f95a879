package models

import (
	"time"

	"github.com/google/uuid"
)

// Wallet is the per-fundi balance. BalanceCents never goes negative:
// payouts that would overdraw are rejected before any mutation.
type Wallet struct {
	FundiID          uuid.UUID `json:"fundi_id"`
	BalanceCents     int64     `json:"balance_cents"`
	PendingCents     int64     `json:"pending_cents"`
	TotalEarnedCents int64     `json:"total_earned_cents"`
	UpdatedAt        time.Time `json:"updated_at"`
}
