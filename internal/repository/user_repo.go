package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docflow/backend/internal/models"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

const userColumns = `id, email, display_name, password_hash, role, points, unlimited_points, membership_tier, membership_expires_at, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.Role, &u.Points, &u.UnlimitedPoints, &u.MembershipTier, &u.MembershipExpiresAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// CreateTx inserts a user with a zero balance. Starting points are granted
// through the ledger so they carry an INITIAL entry.
func (r *UserRepo) CreateTx(ctx context.Context, tx pgx.Tx, u *models.User) error {
	return tx.QueryRow(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, role, points, unlimited_points, membership_tier, membership_expires_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)
		RETURNING created_at, updated_at
	`, u.ID, u.Email, u.DisplayName, u.PasswordHash, u.Role, u.UnlimitedPoints, u.MembershipTier, u.MembershipExpiresAt).Scan(&u.CreatedAt, &u.UpdatedAt)
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// GetByIDForUpdate locks the user row for update. Call within a transaction.
func (r *UserRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error) {
	return scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

// ApplyPoints adds delta to the balance in a single conditional UPDATE so two
// concurrent debits cannot both pass the check against a stale read.
// Returns ErrBalanceCheck if the balance would go negative for a limited user.
func (r *UserRepo) ApplyPoints(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE users SET points = points + $1, updated_at = now()
		WHERE id = $2 AND (unlimited_points OR points + $1 >= 0)
		RETURNING points
	`, delta, id).Scan(&newBalance)
	if err == nil {
		return newBalance, nil
	}
	if err != pgx.ErrNoRows {
		return 0, err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrNotFound
	}
	return 0, ErrBalanceCheck
}

// ExtendMembershipTx sets the tier and pushes the expiry to until.
func (r *UserRepo) ExtendMembershipTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, tier string, until time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE users SET membership_tier = $2, membership_expires_at = $3, updated_at = now() WHERE id = $1
	`, id, tier, until)
	return err
}

// DowngradeExpired resets every membership whose expiry is at or before now
// to the free tier, deactivates its subscriptions, and returns the affected users.
func (r *UserRepo) DowngradeExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE users SET membership_tier = $1, membership_expires_at = NULL, updated_at = now()
		WHERE membership_tier <> $1 AND membership_expires_at IS NOT NULL AND membership_expires_at <= $2
		RETURNING id
	`, models.TierFree, now)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE subscriptions SET active = FALSE, next_credit_at = NULL, updated_at = now() WHERE user_id = ANY($1)
		`, ids); err != nil {
			return nil, err
		}
	}
	return ids, tx.Commit(ctx)
}
