package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docflow/backend/internal/ledger"
	"github.com/docflow/backend/internal/models"
	"github.com/docflow/backend/internal/notifications"
	"github.com/docflow/backend/internal/pushhub"
	"github.com/docflow/backend/internal/testsupport"
)

type nopHub struct{}

func (nopHub) Publish(string, pushhub.Event) int { return 0 }

var now = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func newScheduler(db *testsupport.DB, opts ...Option) *Scheduler {
	return New(Deps{
		Pool:          db,
		Users:         db.Users(),
		Subscriptions: db.Subscriptions(),
		Ledger:        ledger.NewService(db, db.Users(), db.Ledger(), nil),
		Notifier:      notifications.NewService(db.NotificationStore(), nopHub{}, nil),
	}, append([]Option{WithClock(func() time.Time { return now })}, opts...)...)
}

func addMember(db *testsupport.DB, points int, tier string, expires time.Time) uuid.UUID {
	id := uuid.New()
	db.AddUser(&models.User{ID: id, Email: id.String(), Points: points, MembershipTier: tier, MembershipExpiresAt: &expires})
	return id
}

func TestRunOnceCreditsDueSubscriptionAndAdvances(t *testing.T) {
	db := testsupport.NewDB()
	user := addMember(db, 10, models.TierPro, now.AddDate(0, 6, 0))
	due := now.Add(-time.Hour)
	sub := &models.Subscription{ID: uuid.New(), UserID: user, Tier: models.TierPro, MonthlyPoints: 500, NextCreditAt: &due, Active: true}
	db.AddSubscription(sub)

	rep := newScheduler(db).RunOnce(context.Background())
	if rep.Credited != 1 || rep.Errors != 0 {
		t.Fatalf("report %+v", rep)
	}
	if db.Balance(user) != 510 {
		t.Errorf("balance = %d, want 510", db.Balance(user))
	}
	entries := db.EntriesByCategory(user, models.LedgerSubscription)
	if len(entries) != 1 || entries[0].Amount != 500 {
		t.Errorf("SUBSCRIPTION entries %+v", entries)
	}
	got := db.Subscription(sub.ID)
	if got.NextCreditAt == nil || !got.NextCreditAt.Equal(due.AddDate(0, 1, 0)) {
		t.Errorf("next credit = %v", got.NextCreditAt)
	}
	if notes := db.Notifications(user); len(notes) != 1 || notes[0].Category != models.NotifySubscription {
		t.Errorf("notifications %+v", notes)
	}

	// Not due again in the same pass window.
	if rep := newScheduler(db).RunOnce(context.Background()); rep.Credited != 0 {
		t.Errorf("second pass credited %d", rep.Credited)
	}
}

func TestRunOnceClearsNextCreditAtMembershipEnd(t *testing.T) {
	db := testsupport.NewDB()
	user := addMember(db, 0, models.TierPro, now.AddDate(0, 0, 20))
	due := now
	sub := &models.Subscription{ID: uuid.New(), UserID: user, Tier: models.TierPro, MonthlyPoints: 100, NextCreditAt: &due, Active: true}
	db.AddSubscription(sub)

	newScheduler(db).RunOnce(context.Background())
	if db.Balance(user) != 100 {
		t.Errorf("balance = %d, want 100", db.Balance(user))
	}
	if got := db.Subscription(sub.ID); got.NextCreditAt != nil {
		t.Errorf("next credit = %v, want cleared", got.NextCreditAt)
	}
}

func TestRunOnceDowngradesExpiredMemberships(t *testing.T) {
	db := testsupport.NewDB()
	expired := addMember(db, 0, models.TierPro, now.Add(-time.Minute))
	active := addMember(db, 0, models.TierPro, now.Add(time.Hour))

	rep := newScheduler(db).RunOnce(context.Background())
	if rep.Downgraded != 1 {
		t.Fatalf("downgraded %d, want 1", rep.Downgraded)
	}
	if db.User(expired).MembershipTier != models.TierFree {
		t.Error("expired member not downgraded")
	}
	if db.User(active).MembershipTier != models.TierPro {
		t.Error("active member downgraded")
	}
	if notes := db.Notifications(expired); len(notes) != 1 || notes[0].Category != models.NotifyMembershipExpired {
		t.Errorf("notifications %+v", notes)
	}
}

func TestRunOncePurgesOldNotifications(t *testing.T) {
	db := testsupport.NewDB()
	user := uuid.New()
	db.AddNotification(&models.Notification{ID: uuid.New(), UserID: user, CreatedAt: now.Add(-31 * 24 * time.Hour)})
	db.AddNotification(&models.Notification{ID: uuid.New(), UserID: user, CreatedAt: now.Add(-time.Hour)})

	rep := newScheduler(db).RunOnce(context.Background())
	if rep.Purged != 1 {
		t.Errorf("purged %d, want 1", rep.Purged)
	}
	if n := len(db.Notifications(user)); n != 1 {
		t.Errorf("remaining notifications = %d, want 1", n)
	}
}

func TestRunOnceContinuesAfterCreditFailure(t *testing.T) {
	db := testsupport.NewDB()
	due := now.Add(-time.Hour)
	a := addMember(db, 0, models.TierPro, now.AddDate(1, 0, 0))
	b := addMember(db, 0, models.TierPro, now.AddDate(1, 0, 0))
	later := due.Add(time.Minute)
	db.AddSubscription(&models.Subscription{ID: uuid.New(), UserID: a, Tier: models.TierPro, MonthlyPoints: 50, NextCreditAt: &due, Active: true})
	db.AddSubscription(&models.Subscription{ID: uuid.New(), UserID: b, Tier: models.TierPro, MonthlyPoints: 50, NextCreditAt: &later, Active: true})
	db.FailNextLedgerInsert = errors.New("disk full")

	rep := newScheduler(db).RunOnce(context.Background())
	if rep.Errors != 1 || rep.Credited != 1 {
		t.Fatalf("report %+v", rep)
	}
	if db.Balance(a) != 0 {
		t.Errorf("failed credit changed balance to %d", db.Balance(a))
	}
	if db.Balance(b) != 50 {
		t.Errorf("balance b = %d, want 50", db.Balance(b))
	}
}

type countingNotifier struct {
	*notifications.Service
	purges atomic.Int32
}

func (c *countingNotifier) Purge(ctx context.Context, t time.Time) (int64, error) {
	c.purges.Add(1)
	return c.Service.Purge(ctx, t)
}

func TestStartIsIdempotentAndStopWaits(t *testing.T) {
	db := testsupport.NewDB()
	n := &countingNotifier{Service: notifications.NewService(db.NotificationStore(), nopHub{}, nil)}
	s := New(Deps{
		Pool:          db,
		Users:         db.Users(),
		Subscriptions: db.Subscriptions(),
		Ledger:        ledger.NewService(db, db.Users(), db.Ledger(), nil),
		Notifier:      n,
	}, WithInterval(time.Hour))

	s.Start(context.Background())
	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for n.purges.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if got := n.purges.Load(); got != 1 {
		t.Errorf("passes = %d, want 1", got)
	}
}
