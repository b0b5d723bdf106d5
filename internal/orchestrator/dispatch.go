package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/docflow/backend/internal/models"
	"github.com/docflow/backend/internal/repository"
	"github.com/docflow/backend/internal/tasktype"
	"github.com/docflow/backend/internal/telemetry"
	"github.com/docflow/backend/internal/worker"
)

// RetryPolicy bounds the poll loop. With Backoff > 1 each wait is the
// previous one times Backoff, capped at MaxInterval when set.
type RetryPolicy struct {
	Interval    time.Duration
	MaxAttempts int
	Backoff     float64
	MaxInterval time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Interval: 10 * time.Second, MaxAttempts: 360, Backoff: 1}
}

func (p RetryPolicy) next(d time.Duration) time.Duration {
	if p.Backoff <= 1 {
		return d
	}
	n := time.Duration(float64(d) * p.Backoff)
	if p.MaxInterval > 0 && n > p.MaxInterval {
		return p.MaxInterval
	}
	return n
}

// wait is the pause before poll n, counting from 1.
func (p RetryPolicy) wait(n int) time.Duration {
	d := p.Interval
	for i := 1; i < n; i++ {
		d = p.next(d)
	}
	return d
}

// Budget is the longest the poll loop can wait in total.
func (p RetryPolicy) Budget() time.Duration {
	var total time.Duration
	d := p.Interval
	for i := 0; i < p.MaxAttempts; i++ {
		total += d
		d = p.next(d)
	}
	return total
}

// Dispatch submits a task to its worker service and, for poll workers,
// monitors it to a terminal state. Returning an error asks the job queue to
// retry; task-level failures are recorded on the task and return nil.
func (o *Orchestrator) Dispatch(ctx context.Context, taskID uuid.UUID) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.Dispatch")
	span.SetAttributes(attribute.String("task_id", taskID.String()))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.Log.Error("dispatch panicked", "task_id", taskID, "panic", r)
			o.failQuietly(context.WithoutCancel(ctx), taskID, models.ErrCodeProcessing, fmt.Sprintf("internal error: %v", r))
			err = nil
		}
	}()

	task, err := o.Tasks.GetByID(ctx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		o.Log.Warn("dispatch for unknown task", "task_id", taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	switch task.Status {
	case models.TaskStatusCompleted, models.TaskStatusFailed:
		o.Log.Info("dispatch for terminal task ignored", "task_id", taskID, "status", task.Status)
		return nil
	case models.TaskStatusProcessing:
		if task.ExternalHandle != nil {
			return o.resume(ctx, task)
		}
		// Interrupted before the worker answered; nothing has been charged,
		// so submitting again is safe.
		o.Log.Warn("resubmitting interrupted task", "task_id", taskID)
		if err := o.Tasks.IncrementRetry(ctx, taskID); err != nil {
			return err
		}
	case models.TaskStatusPending:
		ok, err := o.Tasks.MarkProcessing(ctx, taskID)
		if err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		if !ok {
			o.Log.Info("task left pending before dispatch", "task_id", taskID)
			return nil
		}
		if task, err = o.Tasks.GetByID(ctx, taskID); err != nil {
			return fmt.Errorf("reload task: %w", err)
		}
		o.publish(task, EventProgress)
	}

	return o.submit(ctx, task)
}

func (o *Orchestrator) submit(ctx context.Context, task *models.Task) error {
	kind := tasktype.Kind(task.TaskType)
	route, err := o.Workers.Route(kind)
	if err != nil {
		o.failQuietly(ctx, task.ID, models.ErrCodeProcessing, err.Error())
		return nil
	}
	input, err := o.Blobs.Open(task.Input.Path)
	if err != nil {
		o.failQuietly(ctx, task.ID, models.ErrCodeProcessing, "input file unavailable")
		return nil
	}
	defer input.Close()

	file := worker.File{Name: task.Input.Filename, Body: input, TaskID: task.ID.String()}
	sub, err := route.Client.Submit(ctx, kind, file, task.Params)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.failQuietly(ctx, task.ID, models.ErrCodeProcessing, fmt.Sprintf("submit failed: %v", err))
		return nil
	}

	if sub.Result != nil {
		o.finish(ctx, task, sub.Result)
		return nil
	}
	if sub.Handle == "" {
		o.failQuietly(ctx, task.ID, models.ErrCodeProcessing, "worker returned neither a result nor a handle")
		return nil
	}
	if err := o.Tasks.SetExternalHandle(ctx, task.ID, sub.Handle); err != nil {
		o.failQuietly(ctx, task.ID, models.ErrCodeProcessing, fmt.Sprintf("persist external handle: %v", err))
		return nil
	}
	handle := sub.Handle
	task.ExternalHandle = &handle
	o.Log.Info("task submitted", "task_id", task.ID, "external_handle", handle, "mode", route.Mode)
	return o.await(ctx, task, route)
}

// resume continues a task that already has an external handle, e.g. after
// a restart.
func (o *Orchestrator) resume(ctx context.Context, task *models.Task) error {
	route, err := o.Workers.Route(tasktype.Kind(task.TaskType))
	if err != nil {
		o.failQuietly(ctx, task.ID, models.ErrCodeProcessing, err.Error())
		return nil
	}
	o.Log.Info("resuming task", "task_id", task.ID, "external_handle", *task.ExternalHandle, "mode", route.Mode)
	return o.await(ctx, task, route)
}

func (o *Orchestrator) await(ctx context.Context, task *models.Task, route worker.Route) error {
	if route.Mode == worker.ModeWebhook {
		return o.awaitCallback(ctx, task)
	}
	return o.monitor(ctx, task, route.Client, *task.ExternalHandle)
}

// awaitCallback leaves a webhook task to its callback and schedules an
// Expire for its deadline, so a worker that never calls back cannot keep
// the task processing forever.
func (o *Orchestrator) awaitCallback(ctx context.Context, task *models.Task) error {
	current, err := o.Tasks.GetByID(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("reload task: %w", err)
	}
	if current.IsTerminal() {
		return nil
	}
	deadline := o.deadline(current)
	if !o.now().Before(deadline) {
		return o.Expire(ctx, task.ID)
	}
	if ok, _ := o.Tasks.UpdateProgress(ctx, task.ID, current.Progress, "Waiting for worker"); ok {
		current.StatusMessage = "Waiting for worker"
		o.publish(current, EventProgress)
	}
	if err := o.Enqueuer.EnqueueDeadline(ctx, task.ID, deadline); err != nil {
		return fmt.Errorf("schedule deadline: %w", err)
	}
	return nil
}

// deadline is the time a processing task runs out: the poll budget counted
// from when it was first submitted.
func (o *Orchestrator) deadline(t *models.Task) time.Time {
	start := o.now()
	if t.StartedAt != nil {
		start = *t.StartedAt
	}
	return start.Add(o.policy.Budget())
}

// Expire fails a task still processing past its deadline. A worker whose
// callback never arrived gets one last status check first.
func (o *Orchestrator) Expire(ctx context.Context, taskID uuid.UUID) error {
	task, err := o.Tasks.GetByID(ctx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status != models.TaskStatusProcessing {
		return nil
	}
	if deadline := o.deadline(task); o.now().Before(deadline) {
		return o.Enqueuer.EnqueueDeadline(ctx, taskID, deadline)
	}

	if task.ExternalHandle != nil {
		if done := o.lastCheck(ctx, task, *task.ExternalHandle); done {
			return nil
		}
	}
	o.failQuietly(ctx, taskID, models.ErrCodeTimeout,
		fmt.Sprintf("worker did not report back within %s", o.policy.Budget()))
	return nil
}

// lastCheck asks the worker once for a task's status and settles the task
// when the worker already finished. It reports whether the task was settled.
func (o *Orchestrator) lastCheck(ctx context.Context, task *models.Task, handle string) bool {
	route, err := o.Workers.Route(tasktype.Kind(task.TaskType))
	if err != nil {
		return false
	}
	st, err := route.Client.PollStatus(ctx, handle)
	if err != nil {
		o.Log.Warn("deadline status check failed", "task_id", task.ID, "error", err)
		return false
	}
	switch st.State {
	case worker.StateCompleted:
		res, err := route.Client.FetchResult(ctx, handle)
		if err != nil {
			o.Log.Warn("deadline fetch failed", "task_id", task.ID, "error", err)
			return false
		}
		o.finish(ctx, task, res)
		return true
	case worker.StateFailed:
		o.failQuietly(ctx, task.ID, models.ErrCodeExternalTaskFailed, failureMessage(st.Message))
		return true
	}
	return false
}

// monitor polls the worker until the task is terminal or the retry budget
// runs out. The poll count is stored on the task, so a loop resumed after a
// restart only spends what is left of the budget. Each iteration re-reads
// the task so a webhook that finished it first ends the loop.
func (o *Orchestrator) monitor(ctx context.Context, task *models.Task, client worker.Client, handle string) error {
	for polls := task.PollCount; polls < o.policy.MaxAttempts; {
		if err := o.sleep(ctx, o.policy.wait(polls+1)); err != nil {
			return err
		}
		n, err := o.Tasks.IncrementPolls(ctx, task.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("count poll: %w", err)
		}
		polls = n

		current, err := o.Tasks.GetByID(ctx, task.ID)
		if err != nil {
			o.Log.Warn("poll: reload task", "task_id", task.ID, "error", err)
			continue
		}
		if current.IsTerminal() {
			o.Log.Info("poll: task already terminal", "task_id", task.ID, "status", current.Status)
			return nil
		}

		st, err := client.PollStatus(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.Log.Warn("poll failed", "task_id", task.ID, "attempt", polls, "error", err)
			if err := o.Tasks.IncrementRetry(ctx, task.ID); err != nil {
				o.Log.Warn("poll: increment retry", "task_id", task.ID, "error", err)
			}
			continue
		}

		switch st.State {
		case worker.StateCompleted:
			res, err := client.FetchResult(ctx, handle)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.failQuietly(ctx, task.ID, models.ErrCodeCompletion, fmt.Sprintf("fetch result: %v", err))
				return nil
			}
			o.finish(ctx, current, res)
			return nil
		case worker.StateFailed:
			o.failQuietly(ctx, task.ID, models.ErrCodeExternalTaskFailed, failureMessage(st.Message))
			return nil
		default:
			progress := min(max(st.Progress, current.Progress), 99)
			msg := st.Message
			if msg == "" {
				msg = "Processing"
			}
			if ok, err := o.Tasks.UpdateProgress(ctx, task.ID, progress, msg); err == nil && ok {
				current.Progress, current.StatusMessage = progress, msg
				o.publish(current, EventProgress)
			}
		}
	}
	o.failQuietly(ctx, task.ID, models.ErrCodeTimeout,
		fmt.Sprintf("worker did not finish within %d polls", o.policy.MaxAttempts))
	return nil
}

// finish stores a worker result and completes the task.
func (o *Orchestrator) finish(ctx context.Context, task *models.Task, res *worker.Result) {
	defer res.Body.Close()
	name := res.Filename
	if name == "" {
		name = outputName(task)
	}
	path, size, err := o.Blobs.SaveResult(task.UserID, task.ID, name, res.Body)
	if err != nil {
		o.failQuietly(ctx, task.ID, models.ErrCodeCompletion, fmt.Sprintf("store result: %v", err))
		return
	}
	if err := o.Complete(ctx, task.ID, models.ResultRef{Filename: name, Size: size, Path: path}); err != nil {
		o.failQuietly(ctx, task.ID, models.ErrCodeCompletion, fmt.Sprintf("complete: %v", err))
	}
}

// WebhookPayload is what an asynchronous worker posts back. TaskID comes
// from the callback URL and finds the task when the callback beats the
// handle being stored.
type WebhookPayload struct {
	Handle   string `json:"external_task_id"`
	TaskID   string `json:"task_id,omitempty"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Progress *int   `json:"progress,omitempty"`
}

// HandleWebhook applies a worker callback. Deliveries for terminal tasks are
// acknowledged and ignored, so duplicates and late arrivals are harmless.
func (o *Orchestrator) HandleWebhook(ctx context.Context, p WebhookPayload) error {
	if p.Handle == "" {
		return fmt.Errorf("%w: missing external_task_id", ErrInvalidWebhook)
	}
	task, err := o.webhookTask(ctx, p)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		o.Log.Info("webhook for terminal task ignored", "task_id", task.ID, "status", task.Status, "webhook_status", p.Status)
		return nil
	}

	switch p.Status {
	case worker.StateCompleted:
		route, err := o.Workers.Route(tasktype.Kind(task.TaskType))
		if err != nil {
			o.failQuietly(ctx, task.ID, models.ErrCodeCompletion, err.Error())
			return nil
		}
		res, err := route.Client.FetchResult(ctx, p.Handle)
		if err != nil {
			o.failQuietly(ctx, task.ID, models.ErrCodeCompletion, fmt.Sprintf("fetch result: %v", err))
			return nil
		}
		o.finish(ctx, task, res)
	case worker.StateFailed:
		o.failQuietly(ctx, task.ID, models.ErrCodeExternalTaskFailed, failureMessage(p.Message))
	case worker.StateProcessing:
		if p.Progress != nil {
			progress := min(max(*p.Progress, task.Progress), 99)
			if ok, err := o.Tasks.UpdateProgress(ctx, task.ID, progress, p.Message); err == nil && ok {
				task.Progress, task.StatusMessage = progress, p.Message
				o.publish(task, EventProgress)
			}
		}
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidWebhook, p.Status)
	}
	return nil
}

// webhookTask finds the task a callback is for. A worker can call back
// before Submit has returned its handle to us; such a callback names the
// task by ID and the handle is adopted here.
func (o *Orchestrator) webhookTask(ctx context.Context, p WebhookPayload) (*models.Task, error) {
	task, err := o.Tasks.GetByExternalHandle(ctx, p.Handle)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	id, perr := uuid.Parse(p.TaskID)
	if perr != nil {
		return nil, ErrNotFound
	}
	task, err = o.Tasks.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if task.ExternalHandle != nil {
		// Known under another handle.
		return nil, ErrNotFound
	}
	if task.Status != models.TaskStatusProcessing {
		return nil, ErrNotFound
	}
	if err := o.Tasks.SetExternalHandle(ctx, task.ID, p.Handle); err != nil {
		return nil, fmt.Errorf("adopt external handle: %w", err)
	}
	handle := p.Handle
	task.ExternalHandle = &handle
	o.Log.Info("webhook arrived before submit returned", "task_id", task.ID, "external_handle", handle)
	return task, nil
}

func failureMessage(msg string) string {
	if strings.TrimSpace(msg) == "" {
		return "worker reported failure"
	}
	return msg
}

func outputName(t *models.Task) string {
	base := strings.TrimSuffix(t.Input.Filename, filepath.Ext(t.Input.Filename))
	if base == "" {
		base = "result"
	}
	switch tasktype.Kind(t.TaskType) {
	case tasktype.PDFToMarkdown, tasktype.ImageToMarkdown:
		return base + ".md"
	case tasktype.MarkdownToPDF:
		return base + ".pdf"
	case tasktype.PDFTranslate:
		return base + ".translated.pdf"
	case tasktype.ImageTranslate:
		return base + ".translated" + filepath.Ext(t.Input.Filename)
	}
	return base
}
