// Package apperrors defines the error taxonomy shared across the job
// lifecycle engine. Every error that crosses a handler boundary maps to a
// stable machine-readable code and an HTTP status.
package apperrors

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrForbidden           = errors.New("forbidden")
	ErrNotAssigned         = errors.New("job not assigned to this fundi")
	ErrNotFound            = errors.New("not found")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrGatewayError        = errors.New("payment gateway error")
	ErrInvalidSignature    = errors.New("invalid callback signature")
	ErrAlreadyResolved     = errors.New("dispute already resolved")
)

// Code returns the stable machine-readable code for err, or "internal".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotAssigned):
		return "not_assigned"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrGatewayError):
		return "gateway_error"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	default:
		return "internal"
	}
}

// HTTPStatus maps err to the status code handlers should write.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotAssigned):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateRequest), errors.Is(err, ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrGatewayError):
		return http.StatusBadGateway
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
