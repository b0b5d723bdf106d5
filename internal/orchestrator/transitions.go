package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/docflow/backend/internal/ledger"
	"github.com/docflow/backend/internal/models"
	"github.com/docflow/backend/internal/repository"
)

// Complete records the result and moves a processing task to completed.
// No points move. Completing a task that is no longer processing is a
// logged no-op, so only the first of a racing poll and webhook notifies.
func (o *Orchestrator) Complete(ctx context.Context, taskID uuid.UUID, result models.ResultRef) error {
	ok, err := o.Tasks.MarkCompleted(ctx, taskID, result)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if !ok {
		o.Log.Info("complete on non-processing task ignored", "task_id", taskID)
		return nil
	}
	task, err := o.Tasks.GetByID(ctx, taskID)
	if err != nil {
		o.Log.Error("reload completed task", "task_id", taskID, "error", err)
		return nil
	}
	o.Metrics.TaskCompleted(ctx, task.TaskType)
	o.Log.Info("task completed", "task_id", taskID, "result_size", result.Size)
	o.publish(task, EventCompleted)
	if err := o.Notifier.TaskCompleted(ctx, task); err != nil {
		o.Log.Warn("notify task completed", "task_id", taskID, "error", err)
	}
	return nil
}

// Fail records code and message and moves a non-terminal task to failed. If
// the task had been charged, the charge is refunded in the same transaction.
// Failing a terminal task is a logged no-op.
func (o *Orchestrator) Fail(ctx context.Context, taskID uuid.UUID, code, message string) error {
	tx, err := o.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	task, err := o.Tasks.GetByIDForUpdate(ctx, tx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock task: %w", err)
	}
	if task.IsTerminal() {
		o.Log.Info("fail on terminal task ignored", "task_id", taskID, "status", task.Status, "code", code)
		return nil
	}

	refund := 0
	if task.HasBeenDownloaded && task.ChargedPoints() > 0 {
		refund = task.ChargedPoints()
		if _, err := o.Ledger.Apply(ctx, tx, ledger.Posting{
			UserID:      task.UserID,
			Amount:      refund,
			Category:    models.LedgerRefund,
			Description: fmt.Sprintf("Refund for failed %s task", task.TaskType),
			TaskID:      &task.ID,
		}); err != nil {
			return fmt.Errorf("refund: %w", err)
		}
	}
	ok, err := o.Tasks.MarkFailedTx(ctx, tx, taskID, code, message)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if !ok {
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	task.Status = models.TaskStatusFailed
	task.ErrorCode = &code
	task.ErrorMessage = &message
	task.StatusMessage = "Failed"
	o.Metrics.TaskFailed(ctx, task.TaskType, code)
	o.Log.Warn("task failed", "task_id", taskID, "code", code, "message", message, "refunded", refund)
	o.publish(task, EventFailed)
	if err := o.Notifier.TaskFailed(ctx, task, code, message); err != nil {
		o.Log.Warn("notify task failed", "task_id", taskID, "error", err)
	}
	return nil
}

// failQuietly is Fail for paths with no caller to report to.
func (o *Orchestrator) failQuietly(ctx context.Context, taskID uuid.UUID, code, message string) {
	if err := o.Fail(ctx, taskID, code, message); err != nil {
		o.Log.Error("record task failure", "task_id", taskID, "code", code, "error", err)
	}
}
