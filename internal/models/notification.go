package models

import (
	"time"

	"github.com/google/uuid"
)

// Notification categories.
const (
	NotifyTaskCompleted     = "task_completed"
	NotifyTaskFailed        = "task_failed"
	NotifyCheckIn           = "checkin"
	NotifyRedeem            = "redeem"
	NotifySubscription      = "subscription"
	NotifyMembershipExpired = "membership_expired"
)

// Notification severities.
const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityError   = "error"
)

type Notification struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	Category  string     `json:"category"`
	Severity  string     `json:"severity"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	TaskID    *uuid.UUID `json:"task_id,omitempty"`
	Read      bool       `json:"read"`
	CreatedAt time.Time  `json:"created_at"`
}
