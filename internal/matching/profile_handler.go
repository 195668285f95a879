package matching

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/middleware"
	"github.com/fundilink/backend/internal/models"
)

// ProfileHandler serves fundi profile registration and availability.
type ProfileHandler struct {
	repo *Repository
	log  *slog.Logger
}

func NewProfileHandler(repo *Repository, log *slog.Logger) *ProfileHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ProfileHandler{repo: repo, log: log}
}

type createProfileRequest struct {
	Categories      []string `json:"categories"`
	ServiceRadiusKm float64  `json:"service_radius_km"`
	Lat             float64  `json:"lat"`
	Lng             float64  `json:"lng"`
}

// CreateProfile handles POST /v1/fundi/profile. New profiles start
// offline and unverified; verification tier changes are an admin
// back-office concern.
func (h *ProfileHandler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil || p.Role != models.RoleFundi {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	var req createProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if len(req.Categories) == 0 {
		http.Error(w, `{"error":"at least one category is required"}`, http.StatusBadRequest)
		return
	}
	if req.ServiceRadiusKm <= 0 {
		req.ServiceRadiusKm = 10
	}
	profile := &models.FundiProfile{
		ID:               uuid.New(),
		AccountID:        p.AccountID,
		Categories:       req.Categories,
		Online:           false,
		VerificationTier: models.VerificationNone,
		ServiceRadiusKm:  req.ServiceRadiusKm,
		Lat:              req.Lat,
		Lng:              req.Lng,
	}
	if err := h.repo.CreateProfile(r.Context(), profile); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			writeError(w, apperrors.ErrDuplicateRequest)
			return
		}
		h.log.Error("create fundi profile", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

// GetProfile handles GET /v1/fundi/profile.
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	profile, err := h.repo.GetByAccountID(r.Context(), p.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type updateProfileRequest struct {
	Categories      []string `json:"categories"`
	ServiceRadiusKm float64  `json:"service_radius_km"`
	Lat             float64  `json:"lat"`
	Lng             float64  `json:"lng"`
}

// UpdateProfile handles PATCH /v1/fundi/profile.
func (h *ProfileHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil || p.FundiID == nil {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	profile, err := h.repo.GetByAccountID(r.Context(), p.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if len(req.Categories) > 0 {
		profile.Categories = req.Categories
	}
	if req.ServiceRadiusKm > 0 {
		profile.ServiceRadiusKm = req.ServiceRadiusKm
	}
	if req.Lat != 0 || req.Lng != 0 {
		profile.Lat, profile.Lng = req.Lat, req.Lng
	}
	if err := h.repo.UpdateProfile(r.Context(), profile); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type availabilityRequest struct {
	Online      bool `json:"online"`
	HolidayMode bool `json:"holiday_mode"`
}

// SetAvailability handles PUT /v1/fundi/availability.
func (h *ProfileHandler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil || p.FundiID == nil {
		writeError(w, apperrors.ErrForbidden)
		return
	}
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.repo.SetAvailability(r.Context(), *p.FundiID, req.Online, req.HolidayMode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": req.Online, "holiday_mode": req.HolidayMode})
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
