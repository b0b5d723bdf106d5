// Package testsupport provides an in-memory store that behaves like the
// Postgres repositories closely enough for service tests: transactions are
// serialized, conditional updates are atomic, and rollback undoes writes.
package testsupport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/docflow/backend/internal/models"
	"github.com/docflow/backend/internal/repository"
)

// DB is the shared state behind every repository view.
type DB struct {
	// txMu is held from Begin until Commit/Rollback, standing in for row
	// locks: two transactions never interleave.
	txMu sync.Mutex
	mu   sync.Mutex

	users         map[uuid.UUID]*models.User
	tasks         map[uuid.UUID]*models.Task
	entries       []*models.LedgerEntry
	notifications []*models.Notification
	subs          map[uuid.UUID]*models.Subscription
	checkins      map[string]int
	codes         map[string]*models.RedemptionCode
	redemptions   []*models.Redemption

	// Now stamps created/updated times. Defaults to time.Now.
	Now func() time.Time

	// FailNextLedgerInsert makes the next ledger CreateTx return this error.
	FailNextLedgerInsert error
}

func NewDB() *DB {
	return &DB{
		users:    make(map[uuid.UUID]*models.User),
		tasks:    make(map[uuid.UUID]*models.Task),
		subs:     make(map[uuid.UUID]*models.Subscription),
		checkins: make(map[string]int),
		codes:    make(map[string]*models.RedemptionCode),
		Now:      time.Now,
	}
}

// Begin starts a transaction, blocking while another one is open.
func (db *DB) Begin(context.Context) (pgx.Tx, error) {
	db.txMu.Lock()
	return &Tx{db: db}, nil
}

// record registers an undo step when tx is one of ours.
func (db *DB) record(tx pgx.Tx, undo func()) {
	if t, ok := tx.(*Tx); ok && t != nil {
		t.undo = append(t.undo, undo)
	}
}

// ---------------------------------------------------------------------------
// Tx
// ---------------------------------------------------------------------------

// Tx satisfies pgx.Tx. Only Commit and Rollback do anything; the repository
// views apply writes directly and rely on undo steps for rollback.
type Tx struct {
	db     *DB
	undo   []func()
	closed bool
}

func (t *Tx) Commit(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.undo = nil
	t.db.txMu.Unlock()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.db.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.db.mu.Unlock()
	t.undo = nil
	t.db.txMu.Unlock()
	return nil
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, fmt.Errorf("testsupport: nested transactions are not supported")
}
func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }

// ---------------------------------------------------------------------------
// Seeding and inspection
// ---------------------------------------------------------------------------

// AddUser stores a copy of u.
func (db *DB) AddUser(u *models.User) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = db.Now()
	}
	db.users[u.ID] = &cp
}

// AddTask stores a copy of t.
func (db *DB) AddTask(t *models.Task) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *t
	db.tasks[t.ID] = &cp
}

func (db *DB) AddSubscription(s *models.Subscription) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *s
	db.subs[s.ID] = &cp
}

func (db *DB) AddCode(c *models.RedemptionCode) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *c
	db.codes[c.Code] = &cp
}

func (db *DB) AddNotification(n *models.Notification) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *n
	db.notifications = append(db.notifications, &cp)
}

// Balance returns the stored points for a user, or -1 if unknown.
func (db *DB) Balance(id uuid.UUID) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	if !ok {
		return -1
	}
	return u.Points
}

func (db *DB) User(id uuid.UUID) *models.User {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (db *DB) Task(id uuid.UUID) *models.Task {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tasks[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

func (db *DB) Subscription(id uuid.UUID) *models.Subscription {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.subs[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (db *DB) Code(code string) *models.RedemptionCode {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.codes[code]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// Entries returns every ledger entry for a user in insertion order.
func (db *DB) Entries(userID uuid.UUID) []*models.LedgerEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range db.entries {
		if e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// EntriesByCategory filters Entries by category.
func (db *DB) EntriesByCategory(userID uuid.UUID, category string) []*models.LedgerEntry {
	var out []*models.LedgerEntry
	for _, e := range db.Entries(userID) {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

// Notifications returns every notification for a user in insertion order.
func (db *DB) Notifications(userID uuid.UUID) []*models.Notification {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.Notification
	for _, n := range db.notifications {
		if n.UserID == userID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// Users is the in-memory counterpart of repository.UserRepo.
type Users struct{ db *DB }

func (db *DB) Users() *Users { return &Users{db: db} }

func (r *Users) CreateTx(_ context.Context, tx pgx.Tx, u *models.User) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, existing := range db.users {
		if existing.Email == u.Email {
			return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
		}
	}
	now := db.Now()
	u.Points = 0
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	db.users[u.ID] = &cp
	db.record(tx, func() { delete(db.users, u.ID) })
	return nil
}

func (r *Users) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	if u := r.db.User(id); u != nil {
		return u, nil
	}
	return nil, repository.ErrNotFound
}

func (r *Users) GetByEmail(_ context.Context, email string) (*models.User, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, u := range db.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Users) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.User, error) {
	return r.GetByID(ctx, id)
}

func (r *Users) ApplyPoints(_ context.Context, tx pgx.Tx, id uuid.UUID, delta int) (int, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	if !u.UnlimitedPoints && u.Points+delta < 0 {
		return 0, repository.ErrBalanceCheck
	}
	prev := u.Points
	u.Points += delta
	db.record(tx, func() { u.Points = prev })
	return u.Points, nil
}

func (r *Users) ExtendMembershipTx(_ context.Context, tx pgx.Tx, id uuid.UUID, tier string, until time.Time) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	if !ok {
		return nil
	}
	prevTier, prevUntil := u.MembershipTier, u.MembershipExpiresAt
	u.MembershipTier = tier
	u.MembershipExpiresAt = &until
	db.record(tx, func() { u.MembershipTier, u.MembershipExpiresAt = prevTier, prevUntil })
	return nil
}

func (r *Users) DowngradeExpired(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	db := r.db
	db.txMu.Lock()
	defer db.txMu.Unlock()
	db.mu.Lock()
	defer db.mu.Unlock()
	var ids []uuid.UUID
	for _, u := range db.users {
		if u.MembershipTier == models.TierFree || u.MembershipExpiresAt == nil || u.MembershipExpiresAt.After(now) {
			continue
		}
		u.MembershipTier = models.TierFree
		u.MembershipExpiresAt = nil
		ids = append(ids, u.ID)
	}
	for _, id := range ids {
		for _, s := range db.subs {
			if s.UserID == id {
				s.Active = false
				s.NextCreditAt = nil
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// Ledger is the in-memory counterpart of repository.LedgerRepo.
type Ledger struct{ db *DB }

func (db *DB) Ledger() *Ledger { return &Ledger{db: db} }

func (r *Ledger) CreateTx(_ context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.FailNextLedgerInsert; err != nil {
		db.FailNextLedgerInsert = nil
		return err
	}
	e.CreatedAt = db.Now()
	cp := *e
	db.entries = append(db.entries, &cp)
	n := len(db.entries)
	db.record(tx, func() { db.entries = db.entries[:n-1] })
	return nil
}

func (r *Ledger) ListByUserID(_ context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	all := r.db.Entries(userID)
	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return page(all, limit, offset), nil
}

func page[T any](list []T, limit, offset int) []T {
	if offset >= len(list) {
		return []T{}
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// Tasks is the in-memory counterpart of repository.TaskRepo.
type Tasks struct{ db *DB }

func (db *DB) Tasks() *Tasks { return &Tasks{db: db} }

func (r *Tasks) CreateTx(_ context.Context, tx pgx.Tx, t *models.Task) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	now := db.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	db.tasks[t.ID] = &cp
	db.record(tx, func() { delete(db.tasks, t.ID) })
	return nil
}

func (r *Tasks) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	if t := r.db.Task(id); t != nil {
		return t, nil
	}
	return nil, repository.ErrNotFound
}

func (r *Tasks) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return r.GetByID(ctx, id)
}

func (r *Tasks) GetByExternalHandle(_ context.Context, handle string) (*models.Task, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, t := range db.tasks {
		if t.ExternalHandle != nil && *t.ExternalHandle == handle {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Tasks) ListByUserID(_ context.Context, userID uuid.UUID, limit, offset int) ([]*models.Task, error) {
	db := r.db
	db.mu.Lock()
	var out []*models.Task
	for _, t := range db.tasks {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	db.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

// update applies fn to the task under the data lock when cond holds.
func (r *Tasks) update(tx pgx.Tx, id uuid.UUID, cond func(*models.Task) bool, fn func(*models.Task)) (*models.Task, bool) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tasks[id]
	if !ok || !cond(t) {
		return nil, false
	}
	prev := *t
	fn(t)
	t.UpdatedAt = db.Now()
	db.record(tx, func() { *t = prev })
	cp := *t
	return &cp, true
}

func (r *Tasks) MarkProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	_, ok := r.update(nil, id,
		func(t *models.Task) bool { return t.Status == models.TaskStatusPending },
		func(t *models.Task) {
			now := r.db.Now()
			t.Status = models.TaskStatusProcessing
			t.Progress = 0
			t.StatusMessage = "Submitted to worker"
			t.StartedAt = &now
		})
	return ok, nil
}

func (r *Tasks) SetExternalHandle(_ context.Context, id uuid.UUID, handle string) error {
	r.update(nil, id,
		func(t *models.Task) bool { return t.Status == models.TaskStatusProcessing },
		func(t *models.Task) { t.ExternalHandle = &handle })
	return nil
}

func (r *Tasks) UpdateProgress(_ context.Context, id uuid.UUID, progress int, message string) (bool, error) {
	_, ok := r.update(nil, id,
		func(t *models.Task) bool { return t.Status == models.TaskStatusProcessing },
		func(t *models.Task) { t.Progress, t.StatusMessage = progress, message })
	return ok, nil
}

func (r *Tasks) IncrementRetry(_ context.Context, id uuid.UUID) error {
	r.update(nil, id,
		func(*models.Task) bool { return true },
		func(t *models.Task) { t.RetryCount++ })
	return nil
}

func (r *Tasks) IncrementPolls(_ context.Context, id uuid.UUID) (int, error) {
	t, ok := r.update(nil, id,
		func(*models.Task) bool { return true },
		func(t *models.Task) { t.PollCount++ })
	if !ok {
		return 0, repository.ErrNotFound
	}
	return t.PollCount, nil
}

func (r *Tasks) MarkCompleted(_ context.Context, id uuid.UUID, result models.ResultRef) (bool, error) {
	_, ok := r.update(nil, id,
		func(t *models.Task) bool { return t.Status == models.TaskStatusProcessing },
		func(t *models.Task) {
			now := r.db.Now()
			res := result
			t.Status = models.TaskStatusCompleted
			t.Progress = 100
			t.StatusMessage = "Completed"
			t.Result = &res
			t.CompletedAt = &now
		})
	return ok, nil
}

func (r *Tasks) MarkFailedTx(_ context.Context, tx pgx.Tx, id uuid.UUID, code, message string) (bool, error) {
	_, ok := r.update(tx, id,
		func(t *models.Task) bool { return !t.IsTerminal() },
		func(t *models.Task) {
			now := r.db.Now()
			t.Status = models.TaskStatusFailed
			t.StatusMessage = "Failed"
			t.ErrorCode = &code
			t.ErrorMessage = &message
			t.CompletedAt = &now
		})
	return ok, nil
}

func (r *Tasks) ClaimDownloadTx(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, bool, error) {
	t, ok := r.update(tx, id,
		func(t *models.Task) bool { return t.Status == models.TaskStatusCompleted && !t.HasBeenDownloaded },
		func(t *models.Task) {
			points := t.EstimatedPoints
			t.HasBeenDownloaded = true
			t.ActualPointsUsed = &points
		})
	return t, ok, nil
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

// NotificationStore is the in-memory counterpart of repository.NotificationRepo.
type NotificationStore struct{ db *DB }

func (db *DB) NotificationStore() *NotificationStore { return &NotificationStore{db: db} }

func (r *NotificationStore) Create(_ context.Context, n *models.Notification) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	n.CreatedAt = db.Now()
	cp := *n
	db.notifications = append(db.notifications, &cp)
	return nil
}

func (r *NotificationStore) ListByUserID(_ context.Context, userID uuid.UUID, unreadOnly bool, limit int) ([]*models.Notification, error) {
	all := r.db.Notifications(userID)
	out := []*models.Notification{}
	for i := len(all) - 1; i >= 0; i-- {
		if unreadOnly && all[i].Read {
			continue
		}
		out = append(out, all[i])
	}
	return page(out, limit, 0), nil
}

func (r *NotificationStore) MarkRead(_ context.Context, userID, id uuid.UUID) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, n := range db.notifications {
		if n.ID == id && n.UserID == userID {
			n.Read = true
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *NotificationStore) MarkAllRead(_ context.Context, userID uuid.UUID) (int64, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	var n int64
	for _, notif := range db.notifications {
		if notif.UserID == userID && !notif.Read {
			notif.Read = true
			n++
		}
	}
	return n, nil
}

func (r *NotificationStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	kept := db.notifications[:0]
	var removed int64
	for _, n := range db.notifications {
		if n.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	db.notifications = kept
	return removed, nil
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Subscriptions is the in-memory counterpart of repository.SubscriptionRepo.
type Subscriptions struct{ db *DB }

func (db *DB) Subscriptions() *Subscriptions { return &Subscriptions{db: db} }

func (r *Subscriptions) ListDue(_ context.Context, now time.Time) ([]*models.Subscription, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	out := []*models.Subscription{}
	for _, s := range db.subs {
		if s.Active && s.NextCreditAt != nil && !s.NextCreditAt.After(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextCreditAt.Before(*out[j].NextCreditAt) })
	return out, nil
}

func (r *Subscriptions) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Subscription, error) {
	if s := r.db.Subscription(id); s != nil {
		return s, nil
	}
	return nil, repository.ErrNotFound
}

func (r *Subscriptions) AdvanceTx(_ context.Context, tx pgx.Tx, id uuid.UUID, next *time.Time) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.subs[id]
	if !ok {
		return nil
	}
	prev := s.NextCreditAt
	s.NextCreditAt = next
	db.record(tx, func() { s.NextCreditAt = prev })
	return nil
}

func (r *Subscriptions) UpsertTx(_ context.Context, tx pgx.Tx, s *models.Subscription) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, existing := range db.subs {
		if existing.UserID == s.UserID {
			prev := *existing
			existing.Tier, existing.MonthlyPoints, existing.NextCreditAt, existing.Active = s.Tier, s.MonthlyPoints, s.NextCreditAt, true
			s.ID = existing.ID
			db.record(tx, func() { *existing = prev })
			return nil
		}
	}
	s.Active = true
	s.CreatedAt = db.Now()
	cp := *s
	db.subs[s.ID] = &cp
	db.record(tx, func() { delete(db.subs, s.ID) })
	return nil
}

// ---------------------------------------------------------------------------
// Rewards
// ---------------------------------------------------------------------------

// Rewards is the in-memory counterpart of repository.RewardRepo.
type Rewards struct{ db *DB }

func (db *DB) Rewards() *Rewards { return &Rewards{db: db} }

func (r *Rewards) InsertCheckInTx(_ context.Context, tx pgx.Tx, userID uuid.UUID, day time.Time, points int) (bool, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	key := userID.String() + "/" + day.Format(time.DateOnly)
	if _, ok := db.checkins[key]; ok {
		return false, nil
	}
	db.checkins[key] = points
	db.record(tx, func() { delete(db.checkins, key) })
	return true, nil
}

func (r *Rewards) GetCodeForUpdate(_ context.Context, _ pgx.Tx, code string) (*models.RedemptionCode, error) {
	if c := r.db.Code(code); c != nil {
		return c, nil
	}
	return nil, repository.ErrNotFound
}

func (r *Rewards) InsertRedemptionTx(_ context.Context, tx pgx.Tx, red *models.Redemption) (bool, error) {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, existing := range db.redemptions {
		if existing.CodeID == red.CodeID && existing.UserID == red.UserID {
			return false, nil
		}
	}
	var code *models.RedemptionCode
	for _, c := range db.codes {
		if c.ID == red.CodeID {
			code = c
		}
	}
	red.CreatedAt = db.Now()
	cp := *red
	db.redemptions = append(db.redemptions, &cp)
	n := len(db.redemptions)
	if code != nil {
		code.UsedCount++
	}
	db.record(tx, func() {
		db.redemptions = db.redemptions[:n-1]
		if code != nil {
			code.UsedCount--
		}
	})
	return true, nil
}
