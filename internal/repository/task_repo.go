package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docflow/backend/internal/models"
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `id, user_id, task_type, status, progress, status_message,
	input_filename, input_size, input_path, params, external_handle,
	estimated_points, actual_points_used, result_filename, result_size, result_path,
	error_code, error_message, retry_count, poll_count, has_been_downloaded,
	created_at, started_at, completed_at, expires_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var resultFilename, resultPath *string
	var resultSize *int64
	err := row.Scan(&t.ID, &t.UserID, &t.TaskType, &t.Status, &t.Progress, &t.StatusMessage,
		&t.Input.Filename, &t.Input.Size, &t.Input.Path, &t.Params, &t.ExternalHandle,
		&t.EstimatedPoints, &t.ActualPointsUsed, &resultFilename, &resultSize, &resultPath,
		&t.ErrorCode, &t.ErrorMessage, &t.RetryCount, &t.PollCount, &t.HasBeenDownloaded,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.ExpiresAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if resultPath != nil {
		t.Result = &models.ResultRef{Path: *resultPath}
		if resultFilename != nil {
			t.Result.Filename = *resultFilename
		}
		if resultSize != nil {
			t.Result.Size = *resultSize
		}
	}
	return &t, nil
}

// CreateTx inserts a pending task inside the given transaction.
func (r *TaskRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return tx.QueryRow(ctx, `
		INSERT INTO tasks (id, user_id, task_type, status, progress, status_message,
			input_filename, input_size, input_path, params, estimated_points, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, t.TaskType, t.Status, t.Progress, t.StatusMessage,
		t.Input.Filename, t.Input.Size, t.Input.Path, t.Params, t.EstimatedPoints, t.ExpiresAt).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// GetByIDForUpdate locks the task row. Call within a transaction.
func (r *TaskRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

func (r *TaskRepo) GetByExternalHandle(ctx context.Context, handle string) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE external_handle = $1`, handle))
}

func (r *TaskRepo) ListByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// MarkProcessing moves a pending task to processing. Returns false when the
// task was not pending.
func (r *TaskRepo) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET status = 'processing', progress = 0, status_message = 'Submitted to worker',
			started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *TaskRepo) SetExternalHandle(ctx context.Context, id uuid.UUID, handle string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks SET external_handle = $2, updated_at = now() WHERE id = $1 AND status = 'processing'
	`, id, handle)
	return err
}

// UpdateProgress records intermediate progress on a processing task.
func (r *TaskRepo) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET progress = $2, status_message = $3, updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, progress, message)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *TaskRepo) IncrementRetry(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE tasks SET retry_count = retry_count + 1, updated_at = now() WHERE id = $1`, id)
	return err
}

// IncrementPolls counts one status poll against the task and returns the new
// total. The count survives restarts, so a resumed poll loop keeps its budget.
func (r *TaskRepo) IncrementPolls(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		UPDATE tasks SET poll_count = poll_count + 1, updated_at = now()
		WHERE id = $1 RETURNING poll_count
	`, id).Scan(&n)
	if err != nil {
		return 0, notFound(err)
	}
	return n, nil
}

// MarkCompleted moves a processing task to completed with its result. Returns
// false when the task was already terminal.
func (r *TaskRepo) MarkCompleted(ctx context.Context, id uuid.UUID, result models.ResultRef) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET status = 'completed', progress = 100, status_message = 'Completed',
			result_filename = $2, result_size = $3, result_path = $4,
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, result.Filename, result.Size, result.Path)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailedTx moves a non-terminal task to failed inside the given transaction.
func (r *TaskRepo) MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, code, message string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = 'failed', status_message = 'Failed', error_code = $2, error_message = $3,
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, code, message)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimDownloadTx is the check-and-set half of charge-on-first-access: it flips
// has_been_downloaded and locks actual_points_used to estimated_points, but
// only for a completed task that has not been downloaded yet. The row lock it
// takes is held until the caller's transaction ends, so a concurrent claim
// waits and then observes the flag already set.
func (r *TaskRepo) ClaimDownloadTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, bool, error) {
	t, err := scanTask(tx.QueryRow(ctx, `
		UPDATE tasks SET has_been_downloaded = TRUE, actual_points_used = estimated_points, updated_at = now()
		WHERE id = $1 AND status = 'completed' AND NOT has_been_downloaded
		RETURNING `+taskColumns, id))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}
