package ctxlogger

import (
	"context"

	"github.com/smallbiznis/subreconcile/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type eventTypeKey struct{}
type providerKey struct{}

// ContextWithEventType annotates the context with the processor event being handled.
func ContextWithEventType(ctx context.Context, provider, eventType string) context.Context {
	if provider != "" {
		ctx = context.WithValue(ctx, providerKey{}, provider)
	}
	if eventType != "" {
		ctx = context.WithValue(ctx, eventTypeKey{}, eventType)
	}
	return ctx
}

// EventTypeFromContext returns the annotated event type, if any.
func EventTypeFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(eventTypeKey{}).(string)
	return v
}

// WithContext enriches the provided logger using event metadata in the context.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil || base == nil {
		return base
	}

	fields := make([]zap.Field, 0, 5)
	fields = append(fields, ExtractCorrelation(ctx))
	fields = append(fields, ExtractTrace(ctx)...)

	if provider, ok := ctx.Value(providerKey{}).(string); ok && provider != "" {
		fields = append(fields, zap.String("provider", provider))
	}
	if eventType := EventTypeFromContext(ctx); eventType != "" {
		fields = append(fields, zap.String("event_type", eventType))
	}

	return base.With(fields...)
}

// ExtractCorrelation pulls the correlation ID from the context.
func ExtractCorrelation(ctx context.Context) zap.Field {
	cid := correlation.ExtractCorrelationID(ctx)
	if cid == "" {
		_, cid = correlation.EnsureCorrelationID(ctx)
	}
	return zap.String("correlation_id", cid)
}

// ExtractTrace pulls tracing identifiers from the context span.
func ExtractTrace(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return []zap.Field{zap.String("trace_id", ""), zap.String("span_id", "")}
	}

	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
