package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docflow/backend/internal/models"
)

type SubscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

const subscriptionColumns = `id, user_id, tier, monthly_points, next_credit_at, active, created_at, updated_at`

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var s models.Subscription
	if err := row.Scan(&s.ID, &s.UserID, &s.Tier, &s.MonthlyPoints, &s.NextCreditAt, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// ListDue returns active subscriptions whose next credit date is at or before now.
func (r *SubscriptionRepo) ListDue(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE active AND next_credit_at IS NOT NULL AND next_credit_at <= $1
		ORDER BY next_credit_at ASC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// GetForUpdate locks the subscription row. Call within a transaction.
func (r *SubscriptionRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Subscription, error) {
	return scanSubscription(tx.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id))
}

// AdvanceTx sets the next credit date; nil clears it.
func (r *SubscriptionRepo) AdvanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, next *time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE subscriptions SET next_credit_at = $2, updated_at = now() WHERE id = $1`, id, next)
	return err
}

// UpsertTx activates the user's subscription with the given tier and allowance.
func (r *SubscriptionRepo) UpsertTx(ctx context.Context, tx pgx.Tx, s *models.Subscription) error {
	return tx.QueryRow(ctx, `
		INSERT INTO subscriptions (id, user_id, tier, monthly_points, next_credit_at, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (user_id) DO UPDATE
		SET tier = EXCLUDED.tier, monthly_points = EXCLUDED.monthly_points,
			next_credit_at = EXCLUDED.next_credit_at, active = TRUE, updated_at = now()
		RETURNING id, created_at, updated_at
	`, s.ID, s.UserID, s.Tier, s.MonthlyPoints, s.NextCreditAt).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}
