// Package router assembles the /v1 HTTP surface: route patterns, the
// auth middleware chain, and role gates.
package router

import (
	"net/http"

	"github.com/fundilink/backend/internal/auth"
	"github.com/fundilink/backend/internal/disputes"
	"github.com/fundilink/backend/internal/escrow"
	"github.com/fundilink/backend/internal/jobs"
	"github.com/fundilink/backend/internal/matching"
	"github.com/fundilink/backend/internal/middleware"
	"github.com/fundilink/backend/internal/models"
)

type Handlers struct {
	Auth     *auth.Handler
	Profiles *matching.ProfileHandler
	Jobs     *jobs.Handler
	Payments *escrow.Handler
	Disputes *disputes.Handler
}

// New builds the full route table. The gateway callback and the auth
// endpoints are the only unauthenticated routes.
func New(h Handlers, tokens middleware.TokenValidator, fundis middleware.FundiResolver) http.Handler {
	mux := http.NewServeMux()

	authn := middleware.JWTAuth(tokens, fundis)
	adminOnly := middleware.RequireRole(models.RoleAdmin)
	fundiOnly := middleware.RequireRole(models.RoleFundi)
	customerOnly := middleware.RequireRole(models.RoleCustomer)

	// Public.
	mux.HandleFunc("POST /v1/auth/register", h.Auth.Register)
	mux.HandleFunc("POST /v1/auth/login", h.Auth.Login)
	mux.HandleFunc("POST /v1/payments/callback", h.Payments.GatewayCallback)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Fundi profile.
	mux.Handle("POST /v1/fundi/profile", authn(fundiOnly(http.HandlerFunc(h.Profiles.CreateProfile))))
	mux.Handle("GET /v1/fundi/profile", authn(fundiOnly(http.HandlerFunc(h.Profiles.GetProfile))))
	mux.Handle("PATCH /v1/fundi/profile", authn(fundiOnly(http.HandlerFunc(h.Profiles.UpdateProfile))))
	mux.Handle("PUT /v1/fundi/availability", authn(fundiOnly(http.HandlerFunc(h.Profiles.SetAvailability))))

	// Jobs.
	mux.Handle("POST /v1/jobs", authn(customerOnly(http.HandlerFunc(h.Jobs.CreateJob))))
	mux.Handle("GET /v1/jobs", authn(http.HandlerFunc(h.Jobs.ListJobs)))
	mux.Handle("GET /v1/jobs/{id}", authn(http.HandlerFunc(h.Jobs.GetJob)))
	mux.Handle("POST /v1/jobs/{id}/transition", authn(http.HandlerFunc(h.Jobs.TransitionJob)))
	mux.Handle("POST /v1/jobs/{id}/decline", authn(fundiOnly(http.HandlerFunc(h.Jobs.DeclineJob))))
	mux.Handle("POST /v1/jobs/{id}/scope-changes", authn(fundiOnly(http.HandlerFunc(h.Jobs.ProposeScopeChange))))
	mux.Handle("POST /v1/jobs/{id}/scope-changes/{scopeID}/decision", authn(customerOnly(http.HandlerFunc(h.Jobs.DecideScopeChange))))

	// Payments.
	mux.Handle("POST /v1/jobs/{id}/payment", authn(customerOnly(http.HandlerFunc(h.Payments.InitiatePayment))))
	mux.Handle("POST /v1/jobs/{id}/tip", authn(customerOnly(http.HandlerFunc(h.Payments.SendTip))))
	mux.Handle("GET /v1/jobs/{id}/payments", authn(http.HandlerFunc(h.Payments.ListJobTransactions)))
	mux.Handle("GET /v1/wallet", authn(fundiOnly(http.HandlerFunc(h.Payments.GetWallet))))
	mux.Handle("POST /v1/payouts", authn(fundiOnly(http.HandlerFunc(h.Payments.RequestPayout))))

	// Disputes.
	mux.Handle("POST /v1/disputes", authn(http.HandlerFunc(h.Disputes.Raise)))
	mux.Handle("GET /v1/disputes/{id}", authn(http.HandlerFunc(h.Disputes.Get)))
	mux.Handle("POST /v1/disputes/{id}/response", authn(http.HandlerFunc(h.Disputes.Respond)))
	mux.Handle("GET /v1/admin/disputes", authn(adminOnly(http.HandlerFunc(h.Disputes.ListOpen))))
	mux.Handle("POST /v1/admin/disputes/{id}/review", authn(adminOnly(http.HandlerFunc(h.Disputes.StartReview))))
	mux.Handle("POST /v1/admin/disputes/{id}/resolve", authn(adminOnly(http.HandlerFunc(h.Disputes.Resolve))))

	return mux
}
