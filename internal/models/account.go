package models

import (
	"time"

	"github.com/google/uuid"
)

// Account roles.
const (
	RoleCustomer = "customer"
	RoleFundi    = "fundi"
	RoleAdmin    = "admin"
)

type Account struct {
	ID           uuid.UUID `json:"id"`
	Phone        string    `json:"phone"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
