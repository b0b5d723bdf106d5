package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/docflow/backend/internal/ledger"
	"github.com/docflow/backend/internal/models"
	"github.com/docflow/backend/internal/repository"
	"github.com/docflow/backend/internal/telemetry"
)

// ChargeOnFirstAccess debits the task's estimated points the first time its
// result is accessed. The claim on the task row and the debit commit
// together; if the debit fails the task stays unclaimed. Later calls are
// free and return the task unchanged.
func (o *Orchestrator) ChargeOnFirstAccess(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.ChargeOnFirstAccess")
	span.SetAttributes(attribute.String("task_id", taskID.String()))
	defer span.End()

	tx, err := o.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	task, err := o.Tasks.GetByIDForUpdate(ctx, tx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock task: %w", err)
	}
	if task.UserID != userID {
		return nil, ErrNotFound
	}
	if err := o.downloadable(task); err != nil {
		return nil, err
	}
	if task.HasBeenDownloaded {
		return task, nil
	}

	claimed, ok, err := o.Tasks.ClaimDownloadTx(ctx, tx, taskID)
	if err != nil {
		return nil, fmt.Errorf("claim download: %w", err)
	}
	if !ok {
		return task, nil
	}
	if claimed.EstimatedPoints > 0 {
		if _, err := o.Ledger.Apply(ctx, tx, ledger.Posting{
			UserID:      userID,
			Amount:      -claimed.EstimatedPoints,
			Category:    models.LedgerConsume,
			Description: fmt.Sprintf("%s: %s", claimed.TaskType, claimed.Input.Filename),
			TaskID:      &claimed.ID,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	o.Metrics.PointsCharged(ctx, claimed.EstimatedPoints)
	o.Log.Info("task charged", "task_id", taskID, "user_id", userID, "points", claimed.EstimatedPoints)
	return claimed, nil
}

// Download opens the task result, charging on first access. The file is
// opened before charging so a missing result never costs points. The caller
// closes the file.
func (o *Orchestrator) Download(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, *os.File, error) {
	task, err := o.Get(ctx, userID, taskID)
	if err != nil {
		return nil, nil, err
	}
	if err := o.downloadable(task); err != nil {
		return nil, nil, err
	}
	f, err := o.Blobs.Open(task.Result.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open result: %w", err)
	}
	task, err = o.ChargeOnFirstAccess(ctx, userID, taskID)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return task, f, nil
}

func (o *Orchestrator) downloadable(t *models.Task) error {
	if t.Status != models.TaskStatusCompleted || t.Result == nil {
		return ErrNotReady
	}
	if !o.now().Before(t.ExpiresAt) {
		return ErrExpired
	}
	return nil
}
