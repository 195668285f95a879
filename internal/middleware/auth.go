// Package middleware authenticates requests and places the caller's
// principal in request context for the handlers.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/models"
)

type contextKey string

const ctxPrincipalKey contextKey = "principal"

// Principal is the authenticated caller. FundiID is set only for fundi
// accounts that have a worker profile.
type Principal struct {
	AccountID uuid.UUID
	Role      string
	FundiID   *uuid.UUID
}

// TokenValidator verifies a bearer token and returns the account ID and
// role embedded in it.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// FundiResolver maps an account to its worker profile.
type FundiResolver interface {
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.FundiProfile, error)
}

// JWTAuth authenticates the Bearer token and sets the principal. Fundi
// callers additionally get their profile ID resolved so handlers can
// authorize assignment checks without another lookup.
func JWTAuth(tokens TokenValidator, fundis FundiResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			accountID, role, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			p := &Principal{AccountID: accountID, Role: role}
			if role == models.RoleFundi {
				profile, err := fundis.GetByAccountID(r.Context(), accountID)
				if err == nil {
					p.FundiID = &profile.ID
				} else if !errors.Is(err, apperrors.ErrNotFound) {
					http.Error(w, `{"error":"profile lookup failed"}`, http.StatusInternalServerError)
					return
				}
			}

			ctx := context.WithValue(r.Context(), ctxPrincipalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects principals whose role is not in the allowed set.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromCtx(r.Context())
			if p == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if !allowed[p.Role] {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromCtx returns the authenticated principal or nil.
func PrincipalFromCtx(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxPrincipalKey).(*Principal)
	return p
}

// WithPrincipal returns a context carrying the given principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey, p)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
