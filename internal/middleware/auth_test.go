package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/models"
)

type stubTokens struct {
	accountID uuid.UUID
	role      string
	err       error
}

func (s stubTokens) ValidateToken(_ context.Context, _ string) (uuid.UUID, string, error) {
	return s.accountID, s.role, s.err
}

type stubFundis struct {
	profile *models.FundiProfile
	err     error
}

func (s stubFundis) GetByAccountID(_ context.Context, _ uuid.UUID) (*models.FundiProfile, error) {
	return s.profile, s.err
}

func captureHandler(p **Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*p = PrincipalFromCtx(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestJWTAuthRejectsMissingHeader(t *testing.T) {
	mw := JWTAuth(stubTokens{}, stubFundis{})
	var got *Principal
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)

	mw(captureHandler(&got)).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", rec.Code)
	}
	if got != nil {
		t.Error("handler must not run without a token")
	}
}

func TestJWTAuthRejectsInvalidToken(t *testing.T) {
	mw := JWTAuth(stubTokens{err: errors.New("expired")}, stubFundis{})
	var got *Principal
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer bad-token")

	mw(captureHandler(&got)).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", rec.Code)
	}
}

func TestJWTAuthSetsCustomerPrincipal(t *testing.T) {
	accountID := uuid.New()
	mw := JWTAuth(stubTokens{accountID: accountID, role: models.RoleCustomer}, stubFundis{})
	var got *Principal
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer good-token")

	mw(captureHandler(&got)).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if got == nil || got.AccountID != accountID || got.Role != models.RoleCustomer {
		t.Errorf("principal: got %+v", got)
	}
	if got.FundiID != nil {
		t.Error("customer principal must not carry a fundi profile")
	}
}

func TestJWTAuthResolvesFundiProfile(t *testing.T) {
	accountID := uuid.New()
	profileID := uuid.New()
	mw := JWTAuth(
		stubTokens{accountID: accountID, role: models.RoleFundi},
		stubFundis{profile: &models.FundiProfile{ID: profileID, AccountID: accountID}},
	)
	var got *Principal
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/wallet", nil)
	req.Header.Set("Authorization", "Bearer good-token")

	mw(captureHandler(&got)).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if got == nil || got.FundiID == nil || *got.FundiID != profileID {
		t.Errorf("fundi profile not resolved: %+v", got)
	}
}

func TestJWTAuthToleratesMissingProfile(t *testing.T) {
	// A fundi account that has not created a profile yet can still call
	// profile creation endpoints.
	mw := JWTAuth(
		stubTokens{accountID: uuid.New(), role: models.RoleFundi},
		stubFundis{err: apperrors.ErrNotFound},
	)
	var got *Principal
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/fundi/profile", nil)
	req.Header.Set("Authorization", "Bearer good-token")

	mw(captureHandler(&got)).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if got == nil || got.FundiID != nil {
		t.Errorf("principal: got %+v, want nil FundiID", got)
	}
}

func TestJWTAuthFailsOnProfileLookupError(t *testing.T) {
	mw := JWTAuth(
		stubTokens{accountID: uuid.New(), role: models.RoleFundi},
		stubFundis{err: errors.New("connection refused")},
	)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/wallet", nil)
	req.Header.Set("Authorization", "Bearer good-token")

	var got *Principal
	mw(captureHandler(&got)).ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status: got %d, want 500", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(models.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// No principal at all.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/disputes", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no principal: got %d, want 401", rec.Code)
	}

	// Wrong role.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/disputes", nil)
	req = req.WithContext(WithPrincipal(req.Context(), &Principal{AccountID: uuid.New(), Role: models.RoleCustomer}))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong role: got %d, want 403", rec.Code)
	}

	// Allowed role.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/disputes", nil)
	req = req.WithContext(WithPrincipal(req.Context(), &Principal{AccountID: uuid.New(), Role: models.RoleAdmin}))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("allowed role: got %d, want 200", rec.Code)
	}
}

func TestExtractBearer(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"Bearer  abc123 ", "abc123"},
		{"Basic abc123", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if c.header != "" {
			req.Header.Set("Authorization", c.header)
		}
		if got := extractBearer(req); got != c.want {
			t.Errorf("header %q: got %q, want %q", c.header, got, c.want)
		}
	}
}
