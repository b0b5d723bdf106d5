package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docflow/backend/internal/models"
)

// LedgerRepo stores point_transactions. Rows are never updated or deleted.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

const ledgerColumns = `id, user_id, amount, category, description, task_id, redemption_id, balance_after, created_at`

// CreateTx inserts a ledger entry inside the given transaction.
func (r *LedgerRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO point_transactions (id, user_id, amount, category, description, task_id, redemption_id, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, e.ID, e.UserID, e.Amount, e.Category, e.Description, e.TaskID, e.RedemptionID, e.BalanceAfter).Scan(&e.CreatedAt)
}

func (r *LedgerRepo) ListByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM point_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]*models.LedgerEntry, error) {
	defer rows.Close()
	list := []*models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Category, &e.Description, &e.TaskID, &e.RedemptionID, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
