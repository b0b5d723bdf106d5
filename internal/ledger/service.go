// Package ledger moves user point balances. Every mutation writes exactly one
// append-only point_transactions row in the same transaction as the balance
// update.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docflow/backend/internal/models"
	"github.com/docflow/backend/internal/repository"
)

var (
	// ErrInsufficientBalance is returned when a debit would take a limited
	// balance below zero. Nothing is written.
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrZeroAmount          = errors.New("amount must be nonzero")
	ErrUserNotFound        = errors.New("user not found")
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AccountRepo is the slice of the user repository the ledger needs.
type AccountRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	ApplyPoints(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) (int, error)
}

// EntryRepo stores ledger entries.
type EntryRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	ListByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error)
}

// Posting describes one signed balance movement.
type Posting struct {
	UserID       uuid.UUID
	Amount       int
	Category     string
	Description  string
	TaskID       *uuid.UUID
	RedemptionID *uuid.UUID
}

// Balance is a read-committed snapshot of a user's points.
type Balance struct {
	Points    int  `json:"points"`
	Unlimited bool `json:"unlimited_points"`
}

type Service struct {
	Pool     TxBeginner
	Accounts AccountRepo
	Entries  EntryRepo
	Log      *slog.Logger
}

func NewService(pool TxBeginner, accounts AccountRepo, entries EntryRepo, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{Pool: pool, Accounts: accounts, Entries: entries, Log: log}
}

// Apply posts p inside the caller's transaction and returns the entry
// written. The balance update is a single conditional UPDATE, so concurrent
// debits cannot both pass the check.
func (s *Service) Apply(ctx context.Context, tx pgx.Tx, p Posting) (*models.LedgerEntry, error) {
	if p.Amount == 0 {
		return nil, ErrZeroAmount
	}
	balance, err := s.Accounts.ApplyPoints(ctx, tx, p.UserID, p.Amount)
	switch {
	case errors.Is(err, repository.ErrBalanceCheck):
		return nil, ErrInsufficientBalance
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("apply points: %w", err)
	}
	entry := &models.LedgerEntry{
		ID:           uuid.New(),
		UserID:       p.UserID,
		Amount:       p.Amount,
		Category:     p.Category,
		Description:  p.Description,
		TaskID:       p.TaskID,
		RedemptionID: p.RedemptionID,
		BalanceAfter: balance,
	}
	if err := s.Entries.CreateTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	return entry, nil
}

// Post applies p in its own transaction.
func (s *Service) Post(ctx context.Context, p Posting) (*models.LedgerEntry, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	entry, err := s.Apply(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.Log.Info("points posted", "user_id", p.UserID, "amount", p.Amount, "category", p.Category, "balance", entry.BalanceAfter)
	return entry, nil
}

// Credit adds amount points and returns the new balance.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, amount int, category, description string) (int, error) {
	entry, err := s.Post(ctx, Posting{UserID: userID, Amount: amount, Category: category, Description: description})
	if err != nil {
		return 0, err
	}
	return entry.BalanceAfter, nil
}

// Debit removes amount points and returns the new balance.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, amount int, category, description string) (int, error) {
	return s.Credit(ctx, userID, -amount, category, description)
}

func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (Balance, error) {
	u, err := s.Accounts.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return Balance{}, ErrUserNotFound
	}
	if err != nil {
		return Balance{}, err
	}
	return Balance{Points: u.Points, Unlimited: u.UnlimitedPoints}, nil
}

// Transactions lists a user's entries newest first.
func (s *Service) Transactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.Entries.ListByUserID(ctx, userID, limit, offset)
}
