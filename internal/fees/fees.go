// Package fees converts a gross booking amount into the platform fee,
// VAT and net-to-fundi split. Pure integer arithmetic in minor units.
package fees

import "github.com/fundilink/backend/internal/apperrors"

type Breakdown struct {
	GrossCents int64 `json:"gross_cents"`
	FeeCents   int64 `json:"fee_cents"`
	VATCents   int64 `json:"vat_cents"`
	NetCents   int64 `json:"net_cents"`
}

// Compute splits gross into fee, VAT and net. VAT is charged on the
// platform's fee, not on the gross. Rounding is always upward so the
// platform never under-collects by a fractional unit; the fundi may
// receive one unit less than a naive proportional split.
func Compute(grossCents int64, feePercent, vatPercent int) (Breakdown, error) {
	if grossCents < 0 || feePercent < 0 || feePercent > 100 || vatPercent < 0 || vatPercent > 100 {
		return Breakdown{}, apperrors.ErrInvalidAmount
	}
	fee := ceilPercent(grossCents, feePercent)
	vat := ceilPercent(fee, vatPercent)
	return Breakdown{
		GrossCents: grossCents,
		FeeCents:   fee,
		VATCents:   vat,
		NetCents:   grossCents - fee,
	}, nil
}

// ceilPercent returns ceil(amount * pct / 100) for non-negative inputs.
func ceilPercent(amount int64, pct int) int64 {
	return (amount*int64(pct) + 99) / 100
}
