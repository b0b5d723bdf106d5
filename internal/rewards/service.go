// Package rewards implements daily check-ins and redemption codes.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docflow/backend/internal/ledger"
	"github.com/docflow/backend/internal/models"
	"github.com/docflow/backend/internal/repository"
)

const DefaultCheckInPoints = 10

var (
	ErrAlreadyCheckedIn = errors.New("already checked in today")
	ErrCodeNotFound     = errors.New("redemption code not found")
	// ErrCodeUnavailable covers expired and fully used codes.
	ErrCodeUnavailable = errors.New("redemption code no longer available")
	ErrAlreadyRedeemed = errors.New("redemption code already used")
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store interface {
	InsertCheckInTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, day time.Time, points int) (bool, error)
	GetCodeForUpdate(ctx context.Context, tx pgx.Tx, code string) (*models.RedemptionCode, error)
	InsertRedemptionTx(ctx context.Context, tx pgx.Tx, r *models.Redemption) (bool, error)
}

type Users interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error)
	ExtendMembershipTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, tier string, until time.Time) error
}

type Subscriptions interface {
	UpsertTx(ctx context.Context, tx pgx.Tx, s *models.Subscription) error
}

type Ledger interface {
	Apply(ctx context.Context, tx pgx.Tx, p ledger.Posting) (*models.LedgerEntry, error)
}

type Notifier interface {
	CheckIn(ctx context.Context, userID uuid.UUID, points, balance int) error
	Redeemed(ctx context.Context, userID uuid.UUID, code string, points int) error
}

type Deps struct {
	Pool          TxBeginner
	Store         Store
	Users         Users
	Subscriptions Subscriptions
	Ledger        Ledger
	Notifier      Notifier
	Log           *slog.Logger
	// CheckInPoints is credited per daily check-in; zero means the default.
	CheckInPoints int
	Now           func() time.Time
}

type Service struct {
	Deps
}

func NewService(deps Deps) *Service {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.CheckInPoints <= 0 {
		deps.CheckInPoints = DefaultCheckInPoints
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{Deps: deps}
}

type CheckInResult struct {
	Points  int       `json:"points"`
	Balance int       `json:"balance"`
	Day     time.Time `json:"day"`
}

// CheckIn credits the daily reward once per UTC calendar day.
func (s *Service) CheckIn(ctx context.Context, userID uuid.UUID) (*CheckInResult, error) {
	now := s.Now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ok, err := s.Store.InsertCheckInTx(ctx, tx, userID, day, s.CheckInPoints)
	if err != nil {
		return nil, fmt.Errorf("record check-in: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyCheckedIn
	}
	entry, err := s.Ledger.Apply(ctx, tx, ledger.Posting{
		UserID:      userID,
		Amount:      s.CheckInPoints,
		Category:    models.LedgerCheckIn,
		Description: "Daily check-in " + day.Format(time.DateOnly),
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.Log.Info("check-in", "user_id", userID, "points", s.CheckInPoints, "balance", entry.BalanceAfter)
	if err := s.Notifier.CheckIn(ctx, userID, s.CheckInPoints, entry.BalanceAfter); err != nil {
		s.Log.Warn("notify check-in", "user_id", userID, "error", err)
	}
	return &CheckInResult{Points: s.CheckInPoints, Balance: entry.BalanceAfter, Day: day}, nil
}

type RedeemResult struct {
	Points              int        `json:"points"`
	Balance             int        `json:"balance"`
	MembershipTier      string     `json:"membership_tier,omitempty"`
	MembershipExpiresAt *time.Time `json:"membership_expires_at,omitempty"`
}

// Redeem applies a code's grants to userID: points, membership days and a
// monthly points subscription. Each user can use a code once.
func (s *Service) Redeem(ctx context.Context, userID uuid.UUID, code string) (*RedeemResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrCodeNotFound
	}
	now := s.Now()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rc, err := s.Store.GetCodeForUpdate(ctx, tx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock code: %w", err)
	}
	if rc.Exhausted(now) {
		return nil, ErrCodeUnavailable
	}
	red := &models.Redemption{ID: uuid.New(), CodeID: rc.ID, UserID: userID, Points: rc.Points}
	ok, err := s.Store.InsertRedemptionTx(ctx, tx, red)
	if err != nil {
		return nil, fmt.Errorf("record redemption: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyRedeemed
	}

	user, err := s.Users.GetByIDForUpdate(ctx, tx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ledger.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	res := &RedeemResult{Balance: user.Points}

	if rc.Points > 0 {
		entry, err := s.Ledger.Apply(ctx, tx, ledger.Posting{
			UserID:       userID,
			Amount:       rc.Points,
			Category:     models.LedgerRedeem,
			Description:  "Redeemed code " + rc.Code,
			RedemptionID: &red.ID,
		})
		if err != nil {
			return nil, err
		}
		res.Points, res.Balance = rc.Points, entry.BalanceAfter
	}

	if rc.MembershipTier != "" && rc.MembershipDays > 0 {
		base := now
		if user.MembershipTier == rc.MembershipTier && user.MembershipExpiresAt != nil && user.MembershipExpiresAt.After(now) {
			base = *user.MembershipExpiresAt
		}
		until := base.AddDate(0, 0, rc.MembershipDays)
		if err := s.Users.ExtendMembershipTx(ctx, tx, userID, rc.MembershipTier, until); err != nil {
			return nil, fmt.Errorf("extend membership: %w", err)
		}
		res.MembershipTier, res.MembershipExpiresAt = rc.MembershipTier, &until

		if rc.MonthlyPoints > 0 {
			sub := &models.Subscription{ID: uuid.New(), UserID: userID, Tier: rc.MembershipTier, MonthlyPoints: rc.MonthlyPoints}
			if next := now.AddDate(0, 1, 0); next.Before(until) {
				sub.NextCreditAt = &next
			}
			if err := s.Subscriptions.UpsertTx(ctx, tx, sub); err != nil {
				return nil, fmt.Errorf("upsert subscription: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.Log.Info("code redeemed", "user_id", userID, "code", rc.Code, "points", rc.Points, "membership_tier", rc.MembershipTier)
	if err := s.Notifier.Redeemed(ctx, userID, rc.Code, rc.Points); err != nil {
		s.Log.Warn("notify redemption", "user_id", userID, "error", err)
	}
	return res, nil
}
