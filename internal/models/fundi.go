package models

import (
	"time"

	"github.com/google/uuid"
)

// Fundi verification tiers, ordered. Dispatch requires at least ID-verified.
const (
	VerificationNone       = 0
	VerificationIDVerified = 1
	VerificationVetted     = 2
)

// FundiProfile is the dispatchable worker profile. Rating is 0–5;
// acceptance and completion rates are 0–1.
type FundiProfile struct {
	ID               uuid.UUID `json:"id"`
	AccountID        uuid.UUID `json:"account_id"`
	Categories       []string  `json:"categories"`
	Online           bool      `json:"online"`
	HolidayMode      bool      `json:"holiday_mode"`
	VerificationTier int       `json:"verification_tier"`
	ServiceRadiusKm  float64   `json:"service_radius_km"`
	Lat              float64   `json:"lat"`
	Lng              float64   `json:"lng"`
	Rating           float64   `json:"rating"`
	AcceptanceRate   float64   `json:"acceptance_rate"`
	CompletionRate   float64   `json:"completion_rate"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
