package models

import (
	"time"

	"github.com/google/uuid"
)

// Roles carried in the auth token.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Membership tiers.
const (
	TierFree = "free"
	TierPro  = "pro"
	TierTeam = "team"
)

type User struct {
	ID                  uuid.UUID  `json:"id"`
	Email               string     `json:"email"`
	DisplayName         string     `json:"display_name"`
	PasswordHash        string     `json:"-"`
	Role                string     `json:"role"`
	Points              int        `json:"points"`
	UnlimitedPoints     bool       `json:"unlimited_points"`
	MembershipTier      string     `json:"membership_tier"`
	MembershipExpiresAt *time.Time `json:"membership_expires_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CanAfford reports whether the user may spend amount points.
func (u *User) CanAfford(amount int) bool {
	return u.UnlimitedPoints || u.Points >= amount
}
