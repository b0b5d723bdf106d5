package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/docflow/backend/internal/models"
)

// DispatchTaskArgs asks a worker to run one task through the orchestrator.
type DispatchTaskArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (DispatchTaskArgs) Kind() string { return "dispatch_task" }

// InsertOpts retries the job a few times when Dispatch returns an error, which
// only happens on infrastructure failures or shutdown; task-level failures are
// recorded on the task and complete the job.
func (DispatchTaskArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

// Dispatcher is the contract the workers need from the orchestrator.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID uuid.UUID) error
	Expire(ctx context.Context, taskID uuid.UUID) error
	Fail(ctx context.Context, taskID uuid.UUID, code, message string) error
}

type DispatchWorker struct {
	river.WorkerDefaults[DispatchTaskArgs]
	dispatcher Dispatcher
	timeout    time.Duration
}

// NewDispatchWorker returns a worker whose jobs may run for up to timeout,
// which must cover the longest poll loop.
func NewDispatchWorker(d Dispatcher, timeout time.Duration) *DispatchWorker {
	return &DispatchWorker{dispatcher: d, timeout: timeout}
}

func (w *DispatchWorker) Timeout(*river.Job[DispatchTaskArgs]) time.Duration {
	return w.timeout
}

// Work runs the dispatch. When the last attempt errors River discards the
// job, so the task is failed here rather than left processing.
func (w *DispatchWorker) Work(ctx context.Context, job *river.Job[DispatchTaskArgs]) error {
	err := w.dispatcher.Dispatch(ctx, job.Args.TaskID)
	if err == nil || job.Attempt < job.MaxAttempts {
		return err
	}
	code := models.ErrCodeProcessing
	if errors.Is(err, context.DeadlineExceeded) {
		code = models.ErrCodeTimeout
	}
	msg := fmt.Sprintf("dispatch gave up after %d attempts: %v", job.Attempt, err)
	if ferr := w.dispatcher.Fail(context.WithoutCancel(ctx), job.Args.TaskID, code, msg); ferr != nil {
		return errors.Join(err, ferr)
	}
	return err
}

// TaskDeadlineArgs asks for a processing task to be expired once its
// deadline has passed.
type TaskDeadlineArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (TaskDeadlineArgs) Kind() string { return "task_deadline" }

func (TaskDeadlineArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

type DeadlineWorker struct {
	river.WorkerDefaults[TaskDeadlineArgs]
	dispatcher Dispatcher
}

func NewDeadlineWorker(d Dispatcher) *DeadlineWorker {
	return &DeadlineWorker{dispatcher: d}
}

func (w *DeadlineWorker) Work(ctx context.Context, job *river.Job[TaskDeadlineArgs]) error {
	return w.dispatcher.Expire(ctx, job.Args.TaskID)
}

// InsertTxFunc inserts a dispatch job inside the caller's transaction.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args DispatchTaskArgs) error

// ScheduleFunc inserts a deadline job to run at the given time.
type ScheduleFunc func(ctx context.Context, args TaskDeadlineArgs, at time.Time) error

var ErrNotBound = errors.New("job insert not bound")

// Enqueuer hands dispatch jobs to River. The insert function is bound after
// the River client exists, since the client's workers need the orchestrator
// that needs this enqueuer.
type Enqueuer struct {
	mu       sync.Mutex
	insert   InsertTxFunc
	schedule ScheduleFunc
}

func NewEnqueuer() *Enqueuer { return &Enqueuer{} }

func (e *Enqueuer) Bind(fn InsertTxFunc) {
	e.mu.Lock()
	e.insert = fn
	e.mu.Unlock()
}

func (e *Enqueuer) BindSchedule(fn ScheduleFunc) {
	e.mu.Lock()
	e.schedule = fn
	e.mu.Unlock()
}

// BindClient binds e to a River client's InsertTx and Insert.
func (e *Enqueuer) BindClient(client *river.Client[pgx.Tx]) {
	e.Bind(func(ctx context.Context, tx pgx.Tx, args DispatchTaskArgs) error {
		_, err := client.InsertTx(ctx, tx, args, nil)
		return err
	})
	e.BindSchedule(func(ctx context.Context, args TaskDeadlineArgs, at time.Time) error {
		_, err := client.Insert(ctx, args, &river.InsertOpts{ScheduledAt: at})
		return err
	})
}

func (e *Enqueuer) EnqueueDispatch(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) error {
	e.mu.Lock()
	fn := e.insert
	e.mu.Unlock()
	if fn == nil {
		return ErrNotBound
	}
	return fn(ctx, tx, DispatchTaskArgs{TaskID: taskID})
}

func (e *Enqueuer) EnqueueDeadline(ctx context.Context, taskID uuid.UUID, at time.Time) error {
	e.mu.Lock()
	fn := e.schedule
	e.mu.Unlock()
	if fn == nil {
		return ErrNotBound
	}
	return fn(ctx, TaskDeadlineArgs{TaskID: taskID}, at)
}
