package escrow

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/middleware"
	"github.com/fundilink/backend/internal/models"
)

// signatureHeader carries the gateway's HMAC over the callback body.
const signatureHeader = "X-Gateway-Signature"

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

type initiatePaymentRequest struct {
	Method string `json:"method"`
	Phone  string `json:"phone"`
}

// InitiatePayment handles POST /v1/jobs/{id}/payment.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
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
	var req initiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	ptx, err := h.svc.Initiate(r.Context(), p.AccountID, jobID, req.Method, req.Phone)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ptx)
}

// GatewayCallback handles POST /v1/payments/callback. The gateway
// retries on any non-200, so every outcome except a bad signature acks
// 200; processing errors are logged and will be retried by the gateway.
func (h *Handler) GatewayCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.Error("read callback body", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	err = h.svc.HandleGatewayCallback(r.Context(), body, r.Header.Get(signatureHeader))
	if errors.Is(err, apperrors.ErrInvalidSignature) {
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}
	if err != nil {
		h.log.Error("gateway callback processing failed", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

type tipRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
	Phone       string `json:"phone"`
}

// SendTip handles POST /v1/jobs/{id}/tip.
func (h *Handler) SendTip(w http.ResponseWriter, r *http.Request) {
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
	var req tipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	tip, err := h.svc.SendTip(r.Context(), p.AccountID, jobID, req.AmountCents, req.Method, req.Phone)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tip)
}

type payoutRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Network     string `json:"network"`
	Number      string `json:"number"`
}

// RequestPayout handles POST /v1/payouts (fundi only).
func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil || p.Role != models.RoleFundi || p.FundiID == nil {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	payout, err := h.svc.RequestPayout(r.Context(), *p.FundiID, req.AmountCents, req.Network, req.Number)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, payout)
}

// GetWallet handles GET /v1/wallet (fundi only).
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil || p.Role != models.RoleFundi || p.FundiID == nil {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	wallet, err := h.svc.Wallet(r.Context(), *p.FundiID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// ListJobTransactions handles GET /v1/jobs/{id}/payments.
func (h *Handler) ListJobTransactions(w http.ResponseWriter, r *http.Request) {
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
	list, err := h.svc.ListJobTransactions(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*models.PaymentTransaction{}
	}
	writeJSON(w, http.StatusOK, list)
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
