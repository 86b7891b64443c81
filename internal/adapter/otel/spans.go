package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "taskforge"

// StartTaskSpan starts the root span of one ProcessTask call.
func StartTaskSpan(ctx context.Context, taskID, userID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.process",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("user.id", userID),
		),
	)
}

// StartClassifySpan starts a span for one classification attempt sequence.
func StartClassifySpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.classify",
		trace.WithAttributes(attribute.String("task.id", taskID)),
	)
}

// StartStrategySpan starts a span for a strategy run.
func StartStrategySpan(ctx context.Context, taskID, strategy string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "strategy.execute",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("strategy", strategy),
		),
	)
}

// StartProviderSpan starts a span for one provider call.
func StartProviderSpan(ctx context.Context, providerName, role string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "provider.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", providerName),
			attribute.String("role", role),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
