package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry categories.
const (
	LedgerInitial      = "INITIAL"
	LedgerCheckIn      = "CHECKIN"
	LedgerRedeem       = "REDEEM"
	LedgerConsume      = "CONSUME"
	LedgerRefund       = "REFUND"
	LedgerSubscription = "SUBSCRIPTION"
	LedgerAdminAdjust  = "ADMIN_ADJUST"
)

// LedgerEntry is one immutable signed movement of a user's point balance.
type LedgerEntry struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	Amount       int        `json:"amount"`
	Category     string     `json:"category"`
	Description  string     `json:"description"`
	TaskID       *uuid.UUID `json:"task_id,omitempty"`
	RedemptionID *uuid.UUID `json:"redemption_id,omitempty"`
	BalanceAfter int        `json:"balance_after"`
	CreatedAt    time.Time  `json:"created_at"`
}
