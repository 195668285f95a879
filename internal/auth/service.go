// Package auth handles account registration, phone+password login, and
// JWT session tokens for the three marketplace roles.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fundilink/backend/internal/apperrors"
	"github.com/fundilink/backend/internal/models"
)

// ErrDuplicatePhone is returned when registering a phone number that
// already has an account.
var ErrDuplicatePhone = errors.New("phone already registered")

// ErrInvalidCredentials covers both unknown phone and wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

type Service interface {
	Register(ctx context.Context, in RegisterInput) (*models.Account, error)
	Login(ctx context.Context, phone, password string) (string, *models.Account, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

type RegisterInput struct {
	Phone    string
	Email    string
	Name     string
	Password string
	Role     string
}

type service struct {
	repo     *Repository
	secret   []byte
	tokenTTL time.Duration
}

func NewService(repo *Repository, secret string, tokenTTL time.Duration) *service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &service{repo: repo, secret: []byte(secret), tokenTTL: tokenTTL}
}

var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func (s *service) Register(ctx context.Context, in RegisterInput) (*models.Account, error) {
	if in.Role != models.RoleCustomer && in.Role != models.RoleFundi {
		return nil, fmt.Errorf("invalid role %q", in.Role)
	}
	if in.Phone == "" || in.Password == "" {
		return nil, errors.New("phone and password required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	acc := &models.Account{
		ID:           uuid.New(),
		Phone:        in.Phone,
		Email:        in.Email,
		Name:         in.Name,
		Role:         in.Role,
		PasswordHash: string(hash),
	}
	if err := s.repo.Create(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *service) Login(ctx context.Context, phone, password string) (string, *models.Account, error) {
	acc, err := s.repo.GetByPhone(ctx, phone)
	if errors.Is(err, apperrors.ErrNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	token, err := s.issueToken(acc.ID, acc.Role)
	if err != nil {
		return "", nil, err
	}
	return token, acc, nil
}

func (s *service) issueToken(accountID uuid.UUID, role string) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, "", err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", errors.New("invalid token")
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, c.Role, nil
}
