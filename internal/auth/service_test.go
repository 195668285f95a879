package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fundilink/backend/internal/models"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService(nil, "test-secret", time.Hour)
	accountID := uuid.New()

	token, err := svc.issueToken(accountID, models.RoleFundi)
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}
	gotID, gotRole, err := svc.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if gotID != accountID || gotRole != models.RoleFundi {
		t.Errorf("claims: got %s/%s, want %s/%s", gotID, gotRole, accountID, models.RoleFundi)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewService(nil, "secret-a", time.Hour)
	verifier := NewService(nil, "secret-b", time.Hour)

	token, err := issuer.issueToken(uuid.New(), models.RoleCustomer)
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}
	if _, _, err := verifier.ValidateToken(context.Background(), token); err == nil {
		t.Error("token signed with another secret must fail validation")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := &service{secret: []byte("test-secret"), tokenTTL: -time.Hour}

	token, err := svc.issueToken(uuid.New(), models.RoleCustomer)
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}
	if _, _, err := svc.ValidateToken(context.Background(), token); err == nil {
		t.Error("expired token must fail validation")
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc := NewService(nil, "test-secret", time.Hour)
	if _, _, err := svc.ValidateToken(context.Background(), "not.a.jwt"); err == nil {
		t.Error("malformed token must fail validation")
	}
}
