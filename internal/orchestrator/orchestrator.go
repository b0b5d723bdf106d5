// Package orchestrator drives conversion tasks through
// pending → processing → completed | failed and owns the
// charge-on-first-download billing rule.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docflow/backend/internal/ledger"
	"github.com/docflow/backend/internal/models"
	"github.com/docflow/backend/internal/pushhub"
	"github.com/docflow/backend/internal/repository"
	"github.com/docflow/backend/internal/tasktype"
	"github.com/docflow/backend/internal/telemetry"
	"github.com/docflow/backend/internal/worker"
)

var (
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	ErrPricingUnavailable  = tasktype.ErrPricingUnavailable
	// ErrNotFound covers both missing tasks and tasks owned by someone else.
	ErrNotFound = errors.New("task not found")
	// ErrNotReady is returned when downloading a task that has no result.
	ErrNotReady = errors.New("task result not ready")
	// ErrExpired is returned when downloading after the retention window.
	ErrExpired        = errors.New("task result expired")
	ErrInvalidWebhook = errors.New("invalid webhook payload")
)

// Push event types on the task hub.
const (
	EventSnapshot  = "snapshot"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TaskStore is the task persistence the orchestrator relies on. Every Mark*
// and Claim* method is a conditional update that reports whether it applied.
type TaskStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	GetByExternalHandle(ctx context.Context, handle string) (*models.Task, error)
	ListByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Task, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	SetExternalHandle(ctx context.Context, id uuid.UUID, handle string) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) (bool, error)
	IncrementRetry(ctx context.Context, id uuid.UUID) error
	IncrementPolls(ctx context.Context, id uuid.UUID) (int, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, result models.ResultRef) (bool, error)
	MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, code, message string) (bool, error)
	ClaimDownloadTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, bool, error)
}

type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type Ledger interface {
	Apply(ctx context.Context, tx pgx.Tx, p ledger.Posting) (*models.LedgerEntry, error)
}

// Enqueuer schedules a Dispatch for taskID inside tx, so the job exists iff
// the task row does. EnqueueDeadline schedules an Expire for taskID at at.
type Enqueuer interface {
	EnqueueDispatch(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) error
	EnqueueDeadline(ctx context.Context, taskID uuid.UUID, at time.Time) error
}

type Publisher interface {
	Publish(scope string, evt pushhub.Event) int
}

type Notifier interface {
	TaskCompleted(ctx context.Context, t *models.Task) error
	TaskFailed(ctx context.Context, t *models.Task, code, message string) error
}

type Blobs interface {
	SaveInput(userID, taskID uuid.UUID, name string, r io.Reader) (string, int64, error)
	SaveResult(userID, taskID uuid.UUID, name string, r io.Reader) (string, int64, error)
	Open(path string) (*os.File, error)
	Remove(path string) error
}

type Router interface {
	Route(kind tasktype.Kind) (worker.Route, error)
}

// Deps are the collaborators of an Orchestrator. All are required except
// Metrics and Log.
type Deps struct {
	Pool      TxBeginner
	Tasks     TaskStore
	Users     UserLookup
	Ledger    Ledger
	Enqueuer  Enqueuer
	Hub       Publisher
	Notifier  Notifier
	Blobs     Blobs
	Workers   Router
	Validator *tasktype.Validator
	Pricing   *tasktype.Table
	Metrics   *telemetry.Metrics
	Log       *slog.Logger
}

type Orchestrator struct {
	Deps
	policy RetryPolicy
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*Orchestrator)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithClock replaces time.Now, used for retention and deadline checks.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep replaces the poll loop's wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

func New(deps Deps, opts ...Option) *Orchestrator {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	o := &Orchestrator{
		Deps:   deps,
		policy: DefaultRetryPolicy(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CreateRequest is an upload awaiting conversion.
type CreateRequest struct {
	UserID   uuid.UUID
	TaskType string
	Params   json.RawMessage
	Filename string
	File     io.Reader
}

// Create quotes and persists a pending task and enqueues its dispatch in the
// same transaction. No points move until the first download.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*models.Task, error) {
	kind, err := tasktype.Parse(req.TaskType)
	if err != nil {
		return nil, err
	}
	params, err := o.Validator.Decode(kind, req.Params)
	if err != nil {
		return nil, err
	}
	user, err := o.Users.GetByID(ctx, req.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ledger.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	taskID := uuid.New()
	path, size, err := o.Blobs.SaveInput(req.UserID, taskID, req.Filename, req.File)
	if err != nil {
		return nil, fmt.Errorf("store input: %w", err)
	}
	keepInput := false
	defer func() {
		if !keepInput {
			if err := o.Blobs.Remove(path); err != nil {
				o.Log.Warn("remove orphaned input", "path", path, "error", err)
			}
		}
	}()

	quote, err := o.Pricing.Quote(params, tasktype.Input{Size: size})
	if err != nil {
		return nil, err
	}
	if !user.CanAfford(quote) {
		return nil, ErrInsufficientBalance
	}
	canonical, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	now := o.now()
	task := &models.Task{
		ID:              taskID,
		UserID:          req.UserID,
		TaskType:        string(kind),
		Status:          models.TaskStatusPending,
		StatusMessage:   "Queued",
		Input:           models.InputRef{Filename: req.Filename, Size: size, Path: path},
		Params:          canonical,
		EstimatedPoints: quote,
		ExpiresAt:       now.Add(models.TaskRetention),
	}

	tx, err := o.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	if err := o.Tasks.CreateTx(ctx, tx, task); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if err := o.Enqueuer.EnqueueDispatch(ctx, tx, task.ID); err != nil {
		return nil, fmt.Errorf("enqueue dispatch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	keepInput = true

	o.Metrics.TaskCreated(ctx, task.TaskType)
	o.Log.Info("task created", "task_id", task.ID, "user_id", task.UserID, "task_type", task.TaskType, "estimated_points", quote)
	return task, nil
}

// Get returns a task owned by userID.
func (o *Orchestrator) Get(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error) {
	t, err := o.Tasks.GetByID(ctx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrNotFound
	}
	return t, nil
}

func (o *Orchestrator) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Task, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return o.Tasks.ListByUserID(ctx, userID, limit, offset)
}

func (o *Orchestrator) publish(t *models.Task, eventType string) {
	o.Hub.Publish(t.ID.String(), pushhub.Event{Type: eventType, Data: t})
}
