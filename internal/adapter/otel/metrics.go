package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "taskforge"

// Metrics holds all TaskForge metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	TasksStarted       metric.Int64Counter
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	TasksCancelled     metric.Int64Counter
	ClassifyFailures   metric.Int64Counter
	StrategyDowngrades metric.Int64Counter
	ProviderCalls      metric.Int64Counter
	ProviderTokens     metric.Int64Counter
	TaskDuration       metric.Float64Histogram
	TaskCost           metric.Float64Histogram
	ProviderLatency    metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.Meter(meterName))
}

// NewMetricsWith creates all metric instruments on meter.
func NewMetricsWith(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TasksStarted, "taskforge.tasks.started", "Number of tasks that entered execution"},
		{&m.TasksCompleted, "taskforge.tasks.completed", "Number of tasks completed"},
		{&m.TasksFailed, "taskforge.tasks.failed", "Number of tasks failed"},
		{&m.TasksCancelled, "taskforge.tasks.cancelled", "Number of tasks cancelled"},
		{&m.ClassifyFailures, "taskforge.classify.failures", "Classification attempts that failed"},
		{&m.StrategyDowngrades, "taskforge.strategy.downgrades", "Strategy selections downgraded for budget"},
		{&m.ProviderCalls, "taskforge.provider.calls", "Provider calls by provider and outcome"},
		{&m.ProviderTokens, "taskforge.provider.tokens", "Tokens consumed by provider"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.TaskDuration, err = meter.Float64Histogram("taskforge.task.duration_seconds",
		metric.WithDescription("Task processing duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.TaskCost, err = meter.Float64Histogram("taskforge.task.cost_usd",
		metric.WithDescription("Task cost in USD"))
	if err != nil {
		return nil, err
	}

	m.ProviderLatency, err = meter.Float64Histogram("taskforge.provider.latency_seconds",
		metric.WithDescription("Provider call latency in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordProviderCall records the outcome of one provider call.
func (m *Metrics) RecordProviderCall(ctx context.Context, providerName, outcome string, tokens int, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", providerName),
		attribute.String("outcome", outcome),
	)
	m.ProviderCalls.Add(ctx, 1, attrs)
	m.ProviderLatency.Record(ctx, latency.Seconds(), attrs)
	if tokens > 0 {
		m.ProviderTokens.Add(ctx, int64(tokens), metric.WithAttributes(attribute.String("provider", providerName)))
	}
}

// RecordTaskEnd records a task reaching a terminal status.
func (m *Metrics) RecordTaskEnd(ctx context.Context, status, strategy string, d time.Duration, costUSD float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("strategy", strategy),
	)
	switch status {
	case "completed":
		m.TasksCompleted.Add(ctx, 1, attrs)
	case "failed":
		m.TasksFailed.Add(ctx, 1, attrs)
	case "cancelled":
		m.TasksCancelled.Add(ctx, 1, attrs)
	}
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
	m.TaskCost.Record(ctx, costUSD, attrs)
}

// RecordTaskStarted counts a task entering execution with strategy.
func (m *Metrics) RecordTaskStarted(ctx context.Context, strategy string) {
	if m == nil {
		return
	}
	m.TasksStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

// RecordClassifyFailure counts one failed classification attempt.
func (m *Metrics) RecordClassifyFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.ClassifyFailures.Add(ctx, 1)
}

// RecordDowngrade counts a budget-driven strategy downgrade.
func (m *Metrics) RecordDowngrade(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.StrategyDowngrades.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", to)))
}
