package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the service counters. A nil *Metrics records nothing, so
// tests and tools can skip wiring it.
type Metrics struct {
	tasksCreated   metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	pointsCharged  metric.Int64Counter
	pushDropped    metric.Int64Counter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &Metrics{}
	var err error
	if m.tasksCreated, err = meter.Int64Counter("docflow_tasks_created",
		metric.WithDescription("Tasks accepted for processing")); err != nil {
		return nil, err
	}
	if m.tasksCompleted, err = meter.Int64Counter("docflow_tasks_completed",
		metric.WithDescription("Tasks that reached completed")); err != nil {
		return nil, err
	}
	if m.tasksFailed, err = meter.Int64Counter("docflow_tasks_failed",
		metric.WithDescription("Tasks that reached failed, by error code")); err != nil {
		return nil, err
	}
	if m.pointsCharged, err = meter.Int64Counter("docflow_points_charged",
		metric.WithDescription("Points debited on first download"),
		metric.WithUnit("{point}")); err != nil {
		return nil, err
	}
	if m.pushDropped, err = meter.Int64Counter("docflow_push_dropped",
		metric.WithDescription("Push connections dropped after a failed write")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) TaskCreated(ctx context.Context, taskType string) {
	if m == nil {
		return
	}
	m.tasksCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", taskType)))
}

func (m *Metrics) TaskCompleted(ctx context.Context, taskType string) {
	if m == nil {
		return
	}
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", taskType)))
}

func (m *Metrics) TaskFailed(ctx context.Context, taskType, code string) {
	if m == nil {
		return
	}
	m.tasksFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("code", code),
	))
}

func (m *Metrics) PointsCharged(ctx context.Context, points int) {
	if m == nil || points <= 0 {
		return
	}
	m.pointsCharged.Add(ctx, int64(points))
}

func (m *Metrics) PushDropped(ctx context.Context, hub string) {
	if m == nil {
		return
	}
	m.pushDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("hub", hub)))
}
