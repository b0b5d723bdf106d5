package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docflow/backend/internal/models"
)

// RewardRepo stores daily check-ins and redemption codes.
type RewardRepo struct {
	pool *pgxpool.Pool
}

func NewRewardRepo(pool *pgxpool.Pool) *RewardRepo {
	return &RewardRepo{pool: pool}
}

// InsertCheckInTx records a check-in for day. Returns false if the user
// already checked in that day.
func (r *RewardRepo) InsertCheckInTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, day time.Time, points int) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO checkins (user_id, day, points) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, day) DO NOTHING
	`, userID, day, points)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetCodeForUpdate locks a redemption code by its text. Call within a transaction.
func (r *RewardRepo) GetCodeForUpdate(ctx context.Context, tx pgx.Tx, code string) (*models.RedemptionCode, error) {
	var c models.RedemptionCode
	err := tx.QueryRow(ctx, `
		SELECT id, code, points, membership_tier, membership_days, monthly_points, max_uses, used_count, expires_at, created_at
		FROM redemption_codes WHERE code = $1 FOR UPDATE
	`, code).Scan(&c.ID, &c.Code, &c.Points, &c.MembershipTier, &c.MembershipDays, &c.MonthlyPoints, &c.MaxUses, &c.UsedCount, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// InsertRedemptionTx records a redemption and bumps the code's use count.
// Returns false if the user already redeemed this code.
func (r *RewardRepo) InsertRedemptionTx(ctx context.Context, tx pgx.Tx, red *models.Redemption) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO redemptions (id, code_id, user_id, points) VALUES ($1, $2, $3, $4)
		ON CONFLICT (code_id, user_id) DO NOTHING
	`, red.ID, red.CodeID, red.UserID, red.Points)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE redemption_codes SET used_count = used_count + 1 WHERE id = $1`, red.CodeID); err != nil {
		return false, err
	}
	return true, nil
}
