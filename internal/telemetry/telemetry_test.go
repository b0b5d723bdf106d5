package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.TaskCreated(ctx, "pdf-to-markdown")
	m.TaskCompleted(ctx, "pdf-to-markdown")
	m.TaskFailed(ctx, "pdf-to-markdown", "TIMEOUT_ERROR")
	m.PointsCharged(ctx, 10)
	m.PushDropped(ctx, "tasks")
}

func TestCountersRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.PointsCharged(ctx, 20)
	m.PointsCharged(ctx, 5)
	m.TaskFailed(ctx, "pdf-to-markdown", "TIMEOUT_ERROR")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if s, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					got[md.Name] += dp.Value
				}
			}
		}
	}
	if got["docflow_points_charged"] != 25 {
		t.Errorf("points charged = %d, want 25", got["docflow_points_charged"])
	}
	if got["docflow_tasks_failed"] != 1 {
		t.Errorf("tasks failed = %d, want 1", got["docflow_tasks_failed"])
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, slog.LevelInfo, true)
	log.Debug("hidden")
	log.Info("task created", "task_id", "abc")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "task created" || rec["task_id"] != "abc" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
