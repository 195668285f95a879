package disputes

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/middleware"
	"github.com/fundilink/backend/internal/models"
)

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

type raiseRequest struct {
	JobID     uuid.UUID `json:"job_id"`
	Statement string    `json:"statement"`
	Evidence  []string  `json:"evidence,omitempty"`
}

// Raise handles POST /v1/disputes.
func (h *Handler) Raise(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	var req raiseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.JobID == uuid.Nil || req.Statement == "" {
		http.Error(w, `{"error":"job_id and statement are required"}`, http.StatusBadRequest)
		return
	}
	d, err := h.svc.Raise(r.Context(), p.AccountID, req.JobID, req.Statement, req.Evidence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type respondRequest struct {
	Statement string   `json:"statement"`
	Evidence  []string `json:"evidence,omitempty"`
}

// Respond handles POST /v1/disputes/{id}/response.
func (h *Handler) Respond(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	disputeID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid dispute id"}`, http.StatusBadRequest)
		return
	}
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Statement == "" {
		http.Error(w, `{"error":"statement is required"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.Respond(r.Context(), p.AccountID, disputeID, req.Statement, req.Evidence); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// Get handles GET /v1/disputes/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	disputeID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid dispute id"}`, http.StatusBadRequest)
		return
	}
	d, err := h.svc.Get(r.Context(), disputeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ListOpen handles GET /v1/admin/disputes.
func (h *Handler) ListOpen(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListOpen(r.Context())
	if err != nil {
		h.log.Error("list open disputes", "error", err)
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*models.Dispute{}
	}
	writeJSON(w, http.StatusOK, list)
}

// StartReview handles POST /v1/admin/disputes/{id}/review.
func (h *Handler) StartReview(w http.ResponseWriter, r *http.Request) {
	disputeID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid dispute id"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.StartReview(r.Context(), disputeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.DisputeStatusUnderReview})
}

type resolveRequest struct {
	Decision            string `json:"decision"`
	Notes               string `json:"notes,omitempty"`
	CustomerAmountCents int64  `json:"customer_amount_cents,omitempty"`
	FundiAmountCents    int64  `json:"fundi_amount_cents,omitempty"`
}

// Resolve handles POST /v1/admin/disputes/{id}/resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	disputeID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid dispute id"}`, http.StatusBadRequest)
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	d, err := h.svc.Resolve(r.Context(), p.AccountID, disputeID, ResolveInput{
		Decision:            req.Decision,
		Notes:               req.Notes,
		CustomerAmountCents: req.CustomerAmountCents,
		FundiAmountCents:    req.FundiAmountCents,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
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
