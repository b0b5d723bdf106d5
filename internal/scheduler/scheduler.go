// Package scheduler runs the periodic account maintenance pass: membership
// expiry, subscription credits and notification retention.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docflow/backend/internal/ledger"
	"github.com/docflow/backend/internal/models"
	"github.com/docflow/backend/internal/repository"
)

const DefaultInterval = 24 * time.Hour

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	DowngradeExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

type Subscriptions interface {
	ListDue(ctx context.Context, now time.Time) ([]*models.Subscription, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Subscription, error)
	AdvanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, next *time.Time) error
}

type Ledger interface {
	Apply(ctx context.Context, tx pgx.Tx, p ledger.Posting) (*models.LedgerEntry, error)
}

type Notifier interface {
	SubscriptionCredited(ctx context.Context, userID uuid.UUID, tier string, points int) error
	MembershipExpired(ctx context.Context, userID uuid.UUID) error
	Purge(ctx context.Context, now time.Time) (int64, error)
}

type Deps struct {
	Pool          TxBeginner
	Users         Users
	Subscriptions Subscriptions
	Ledger        Ledger
	Notifier      Notifier
	Log           *slog.Logger
}

// Report summarizes one pass.
type Report struct {
	Downgraded int
	Credited   int
	Purged     int64
	Errors     int
}

type Scheduler struct {
	Deps
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(deps Deps, opts ...Option) *Scheduler {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	s := &Scheduler{Deps: deps, interval: DefaultInterval, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs a pass immediately and then once per interval until Stop or ctx
// is done. Calling Start while scheduled is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.Log.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for an in-flight pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.Log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one maintenance pass. Failures on one item are logged and
// counted; the pass continues with the rest.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	var rep Report
	now := s.now()

	ids, err := s.Users.DowngradeExpired(ctx, now)
	if err != nil {
		s.Log.Error("downgrade expired memberships", "error", err)
		rep.Errors++
	}
	for _, id := range ids {
		rep.Downgraded++
		if err := s.Notifier.MembershipExpired(ctx, id); err != nil {
			s.Log.Warn("notify membership expired", "user_id", id, "error", err)
		}
	}

	due, err := s.Subscriptions.ListDue(ctx, now)
	if err != nil {
		s.Log.Error("list due subscriptions", "error", err)
		rep.Errors++
	}
	for _, sub := range due {
		if ctx.Err() != nil {
			break
		}
		credited, err := s.creditSubscription(ctx, sub.ID, now)
		if err != nil {
			s.Log.Error("credit subscription", "subscription_id", sub.ID, "user_id", sub.UserID, "error", err)
			rep.Errors++
			continue
		}
		if credited != nil {
			rep.Credited++
			if err := s.Notifier.SubscriptionCredited(ctx, credited.UserID, credited.Tier, credited.MonthlyPoints); err != nil {
				s.Log.Warn("notify subscription credit", "user_id", credited.UserID, "error", err)
			}
		}
	}

	purged, err := s.Notifier.Purge(ctx, now)
	if err != nil {
		s.Log.Error("purge notifications", "error", err)
		rep.Errors++
	}
	rep.Purged = purged

	s.Log.Info("scheduler pass complete",
		"downgraded", rep.Downgraded, "credited", rep.Credited, "purged", rep.Purged, "errors", rep.Errors)
	return rep
}

// creditSubscription credits one period and advances the next credit date.
// It returns nil when the subscription is no longer due.
func (s *Scheduler) creditSubscription(ctx context.Context, id uuid.UUID, now time.Time) (*models.Subscription, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	sub, err := s.Subscriptions.GetForUpdate(ctx, tx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock subscription: %w", err)
	}
	if !sub.Active || sub.NextCreditAt == nil || sub.NextCreditAt.After(now) {
		return nil, nil
	}
	user, err := s.Users.GetByID(ctx, sub.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	if sub.MonthlyPoints > 0 {
		if _, err := s.Ledger.Apply(ctx, tx, ledger.Posting{
			UserID:      sub.UserID,
			Amount:      sub.MonthlyPoints,
			Category:    models.LedgerSubscription,
			Description: fmt.Sprintf("Monthly %s points", sub.Tier),
		}); err != nil {
			return nil, err
		}
	}

	next := sub.NextCreditAt.AddDate(0, 1, 0)
	var nextPtr *time.Time
	if user.MembershipExpiresAt == nil || next.Before(*user.MembershipExpiresAt) {
		nextPtr = &next
	}
	if err := s.Subscriptions.AdvanceTx(ctx, tx, sub.ID, nextPtr); err != nil {
		return nil, fmt.Errorf("advance subscription: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}
