package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "shsh-recon"

// StartRunSpan starts a span for an agent run.
func StartRunSpan(ctx context.Context, conversationID, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("session.id", sessionID),
		),
	)
}

// StartToolSpan starts a span for a single tool invocation.
func StartToolSpan(ctx context.Context, tool, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tool."+tool,
		trace.WithAttributes(
			attribute.String("tool.name", tool),
			attribute.String("session.id", sessionID),
		),
	)
}

// StartStageSpan starts a span for a pipeline stage.
func StartStageSpan(ctx context.Context, scanID, stage string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pipeline."+stage,
		trace.WithAttributes(
			attribute.String("scan.id", scanID),
			attribute.String("pipeline.stage", stage),
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

// HTTPMiddleware returns a chi-compatible middleware that creates spans for
// HTTP requests.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName)
	}
}
