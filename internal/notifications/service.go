// Package notifications persists user-facing notifications and pushes each
// one to the user's live connections.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docflow/backend/internal/models"
	"github.com/docflow/backend/internal/pushhub"
)

// Retention is how long notifications are kept before the scheduler purges them.
const Retention = 30 * 24 * time.Hour

// EventNotification is the push event type for a new notification.
const EventNotification = "notification"

type Store interface {
	Create(ctx context.Context, n *models.Notification) error
	ListByUserID(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit int) ([]*models.Notification, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Publisher is satisfied by *pushhub.Hub.
type Publisher interface {
	Publish(scope string, evt pushhub.Event) int
}

type Service struct {
	store Store
	hub   Publisher
	log   *slog.Logger
}

func NewService(store Store, hub Publisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, hub: hub, log: log}
}

// Notify stores n and then pushes it on the user's scope. A failed push is
// not an error; a failed insert is, and nothing is pushed.
func (s *Service) Notify(ctx context.Context, n *models.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Severity == "" {
		n.Severity = models.SeverityInfo
	}
	if err := s.store.Create(ctx, n); err != nil {
		s.log.Error("store notification", "user_id", n.UserID, "category", n.Category, "error", err)
		return fmt.Errorf("store notification: %w", err)
	}
	s.hub.Publish(n.UserID.String(), pushhub.Event{Type: EventNotification, Data: n})
	return nil
}

func (s *Service) TaskCompleted(ctx context.Context, t *models.Task) error {
	return s.Notify(ctx, &models.Notification{
		UserID:   t.UserID,
		Category: models.NotifyTaskCompleted,
		Severity: models.SeveritySuccess,
		Title:    "Conversion finished",
		Message:  fmt.Sprintf("%s (%s) is ready to download.", t.Input.Filename, t.TaskType),
		TaskID:   &t.ID,
	})
}

func (s *Service) TaskFailed(ctx context.Context, t *models.Task, code, message string) error {
	return s.Notify(ctx, &models.Notification{
		UserID:   t.UserID,
		Category: models.NotifyTaskFailed,
		Severity: models.SeverityError,
		Title:    "Conversion failed",
		Message:  fmt.Sprintf("%s (%s) failed: %s [%s]", t.Input.Filename, t.TaskType, message, code),
		TaskID:   &t.ID,
	})
}

func (s *Service) CheckIn(ctx context.Context, userID uuid.UUID, points, balance int) error {
	return s.Notify(ctx, &models.Notification{
		UserID:   userID,
		Category: models.NotifyCheckIn,
		Severity: models.SeveritySuccess,
		Title:    "Daily check-in",
		Message:  fmt.Sprintf("You received %d points. Balance: %d.", points, balance),
	})
}

func (s *Service) Redeemed(ctx context.Context, userID uuid.UUID, code string, points int) error {
	return s.Notify(ctx, &models.Notification{
		UserID:   userID,
		Category: models.NotifyRedeem,
		Severity: models.SeveritySuccess,
		Title:    "Code redeemed",
		Message:  fmt.Sprintf("Code %s redeemed for %d points.", code, points),
	})
}

func (s *Service) SubscriptionCredited(ctx context.Context, userID uuid.UUID, tier string, points int) error {
	return s.Notify(ctx, &models.Notification{
		UserID:   userID,
		Category: models.NotifySubscription,
		Severity: models.SeverityInfo,
		Title:    "Monthly points credited",
		Message:  fmt.Sprintf("Your %s membership added %d points.", tier, points),
	})
}

func (s *Service) MembershipExpired(ctx context.Context, userID uuid.UUID) error {
	return s.Notify(ctx, &models.Notification{
		UserID:   userID,
		Category: models.NotifyMembershipExpired,
		Severity: models.SeverityInfo,
		Title:    "Membership expired",
		Message:  "Your membership has ended and your account is back on the free tier.",
	})
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit int) ([]*models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByUserID(ctx, userID, unreadOnly, limit)
}

func (s *Service) MarkRead(ctx context.Context, userID, id uuid.UUID) error {
	return s.store.MarkRead(ctx, userID, id)
}

func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.store.MarkAllRead(ctx, userID)
}

// Purge deletes notifications created before now minus Retention.
func (s *Service) Purge(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.store.DeleteOlderThan(ctx, now.Add(-Retention))
	if err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	return n, nil
}
