package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task lifecycle statuses.
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Stable error codes recorded on failed tasks.
const (
	ErrCodeProcessing         = "PROCESSING_ERROR"
	ErrCodeExternalTaskFailed = "EXTERNAL_TASK_FAILED"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeCompletion         = "COMPLETION_ERROR"
)

// TaskRetention is how long a task result stays downloadable.
const TaskRetention = 7 * 24 * time.Hour

// InputRef points at the uploaded source file.
type InputRef struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Path     string `json:"-"`
}

// ResultRef points at the stored conversion output.
type ResultRef struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Path     string `json:"-"`
}

type Task struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	TaskType          string          `json:"task_type"`
	Status            string          `json:"status"`
	Progress          int             `json:"progress"`
	StatusMessage     string          `json:"status_message,omitempty"`
	Input             InputRef        `json:"input"`
	Params            json.RawMessage `json:"params"`
	ExternalHandle    *string         `json:"external_handle,omitempty"`
	EstimatedPoints   int             `json:"estimated_points"`
	ActualPointsUsed  *int            `json:"actual_points_used,omitempty"`
	Result            *ResultRef      `json:"result,omitempty"`
	ErrorCode         *string         `json:"error_code,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	RetryCount        int             `json:"retry_count"`
	PollCount         int             `json:"poll_count"`
	HasBeenDownloaded bool            `json:"has_been_downloaded"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the task can no longer change status.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// ChargedPoints returns the points actually deducted for the task, or 0.
func (t *Task) ChargedPoints() int {
	if t.ActualPointsUsed == nil {
		return 0
	}
	return *t.ActualPointsUsed
}
