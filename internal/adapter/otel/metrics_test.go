package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := agg.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected int64 sum, got %T", agg)
	}
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecordProviderAndTask(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetricsWith(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsWith: %v", err)
	}
	ctx := context.Background()

	m.RecordProviderCall(ctx, "fast", "success", 1500, 200*time.Millisecond)
	m.RecordProviderCall(ctx, "fast", "error", 0, time.Second)
	m.RecordTaskStarted(ctx, "single_shot")
	m.RecordTaskEnd(ctx, "completed", "single_shot", 2*time.Second, 0.03)
	m.RecordClassifyFailure(ctx)
	m.RecordDowngrade(ctx, "iterative")

	got := collect(t, reader)
	if n := sumOf(t, got["taskforge.provider.calls"]); n != 2 {
		t.Errorf("provider calls = %d, want 2", n)
	}
	if n := sumOf(t, got["taskforge.provider.tokens"]); n != 1500 {
		t.Errorf("provider tokens = %d, want 1500", n)
	}
	if n := sumOf(t, got["taskforge.tasks.completed"]); n != 1 {
		t.Errorf("tasks completed = %d, want 1", n)
	}
	if n := sumOf(t, got["taskforge.tasks.started"]); n != 1 {
		t.Errorf("tasks started = %d, want 1", n)
	}
	if _, ok := got["taskforge.task.cost_usd"]; !ok {
		t.Error("expected cost histogram")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordProviderCall(ctx, "fast", "success", 1, time.Millisecond)
	m.RecordTaskEnd(ctx, "failed", "iterative", time.Second, 0)
	m.RecordTaskStarted(ctx, "hybrid")
	m.RecordClassifyFailure(ctx)
	m.RecordDowngrade(ctx, "single_shot")
}
