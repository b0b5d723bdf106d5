package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription credits MonthlyPoints to a member on NextCreditAt until the
// membership expires.
type Subscription struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	Tier          string     `json:"tier"`
	MonthlyPoints int        `json:"monthly_points"`
	NextCreditAt  *time.Time `json:"next_credit_at,omitempty"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RedemptionCode is a single- or multi-use voucher.
type RedemptionCode struct {
	ID             uuid.UUID  `json:"id"`
	Code           string     `json:"code"`
	Points         int        `json:"points"`
	MembershipTier string     `json:"membership_tier,omitempty"`
	MembershipDays int        `json:"membership_days"`
	MonthlyPoints  int        `json:"monthly_points"`
	MaxUses        int        `json:"max_uses"`
	UsedCount      int        `json:"used_count"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Exhausted reports whether the code can no longer be redeemed at now.
func (c *RedemptionCode) Exhausted(now time.Time) bool {
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return true
	}
	return c.MaxUses > 0 && c.UsedCount >= c.MaxUses
}

type Redemption struct {
	ID        uuid.UUID `json:"id"`
	CodeID    uuid.UUID `json:"code_id"`
	UserID    uuid.UUID `json:"user_id"`
	Points    int       `json:"points"`
	CreatedAt time.Time `json:"created_at"`
}
