package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/matching"
	"github.com/fundilink/backend/internal/middleware"
	"github.com/fundilink/backend/internal/models"
)

// JobDispatcher drives fundi matching for new bookings and records
// explicit offer declines.
type JobDispatcher interface {
	Dispatch(ctx context.Context, jobID uuid.UUID) (*matching.Candidate, error)
	Decline(ctx context.Context, jobID, fundiID uuid.UUID) error
}

type Handler struct {
	svc        *Service
	dispatcher JobDispatcher
	log        *slog.Logger
}

func NewHandler(svc *Service, dispatcher JobDispatcher, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, dispatcher: dispatcher, log: log}
}

type createJobRequest struct {
	Category          string          `json:"category"`
	ServiceLines      json.RawMessage `json:"service_lines"`
	Lat               float64         `json:"lat"`
	Lng               float64         `json:"lng"`
	Address           string          `json:"address"`
	ScheduledFor      *time.Time      `json:"scheduled_for,omitempty"`
	QuotedAmountCents int64           `json:"quoted_amount_cents"`
}

// CreateJob handles POST /v1/jobs. The booking is persisted first;
// dispatch runs in the background so the customer gets an immediate ack.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Category == "" {
		http.Error(w, `{"error":"category is required"}`, http.StatusBadRequest)
		return
	}
	job, err := h.svc.Create(r.Context(), p.AccountID, CreateJobInput{
		Category:          req.Category,
		ServiceLines:      req.ServiceLines,
		Lat:               req.Lat,
		Lng:               req.Lng,
		Address:           req.Address,
		ScheduledFor:      req.ScheduledFor,
		QuotedAmountCents: req.QuotedAmountCents,
	})
	if err != nil {
		h.log.Error("create job", "error", err)
		writeError(w, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := h.dispatcher.Dispatch(ctx, job.ID); err != nil {
			h.log.Error("dispatch after create failed", "job_id", job.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusCreated, job)
}

// GetJob handles GET /v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	job, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.canView(p, job) {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /v1/jobs: the caller's own bookings (customer) or
// assignments (fundi).
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	var (
		list []*models.Job
		err  error
	)
	if p.Role == models.RoleFundi && p.FundiID != nil {
		list, err = h.svc.ListByFundi(r.Context(), *p.FundiID)
	} else {
		list, err = h.svc.ListByCustomer(r.Context(), p.AccountID)
	}
	if err != nil {
		h.log.Error("list jobs", "error", err)
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

type transitionRequest struct {
	Status string   `json:"status"`
	Reason string   `json:"reason,omitempty"`
	Photos []string `json:"photos,omitempty"`
}

// TransitionJob handles POST /v1/jobs/{id}/transition.
func (h *Handler) TransitionJob(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	job, err := h.svc.Transition(r.Context(), jobID, actorFrom(p), req.Status, TransitionRequest{
		Reason: req.Reason,
		Photos: req.Photos,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// DeclineJob handles POST /v1/jobs/{id}/decline: the offered fundi turns
// the job down and dispatch moves to the next candidate.
func (h *Handler) DeclineJob(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil || p.Role != models.RoleFundi || p.FundiID == nil {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	if err := h.dispatcher.Decline(r.Context(), jobID, *p.FundiID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
}

type scopeChangeRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

// ProposeScopeChange handles POST /v1/jobs/{id}/scope-changes.
func (h *Handler) ProposeScopeChange(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	var req scopeChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	sc, err := h.svc.ProposeScopeChange(r.Context(), jobID, actorFrom(p), req.AmountCents, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

type scopeDecisionRequest struct {
	Approve bool `json:"approve"`
}

// DecideScopeChange handles POST /v1/jobs/{id}/scope-changes/{scopeID}/decision.
func (h *Handler) DecideScopeChange(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	scopeID, err := uuid.Parse(r.PathValue("scopeID"))
	if err != nil {
		http.Error(w, `{"error":"invalid scope change id"}`, http.StatusBadRequest)
		return
	}
	var req scopeDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	job, err := h.svc.DecideScopeChange(r.Context(), jobID, scopeID, actorFrom(p), req.Approve)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) canView(p *middleware.Principal, job *models.Job) bool {
	if p == nil {
		return false
	}
	switch p.Role {
	case models.RoleAdmin:
		return true
	case models.RoleFundi:
		return p.FundiID != nil && job.FundiID != nil && *p.FundiID == *job.FundiID
	default:
		return job.CustomerID == p.AccountID
	}
}

func actorFrom(p *middleware.Principal) Actor {
	return Actor{AccountID: p.AccountID, FundiID: p.FundiID, Role: p.Role}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.HTTPStatus(err), map[string]string{
		"error": err.Error(),
		"code":  apperrors.Code(err),
	})
}
