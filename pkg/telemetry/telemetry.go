package telemetry

import (
	"context"

	"github.com/smallbiznis/subreconcile/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// TracerOptions describes the resource and export settings of a tracer provider.
type TracerOptions struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRatio  float64
	Exporter       trace.SpanExporter
}

// NewTracerProvider builds a tracer provider that stamps a correlation id on every span.
// A nil exporter yields a provider that records spans but never exports them.
func NewTracerProvider(ctx context.Context, opts TracerOptions) (*trace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", opts.ServiceName),
			attribute.String("service.version", opts.ServiceVersion),
			attribute.String("deployment.environment", opts.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	ratio := opts.SamplingRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	providerOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
		trace.WithSpanProcessor(&correlationSpanProcessor{}),
	}
	if opts.Exporter != nil {
		providerOpts = append(providerOpts, trace.WithBatcher(opts.Exporter))
	}

	return trace.NewTracerProvider(providerOpts...), nil
}

type correlationSpanProcessor struct{}

func (p *correlationSpanProcessor) OnStart(ctx context.Context, s trace.ReadWriteSpan) {
	_, cid := correlation.EnsureCorrelationID(ctx)
	s.SetAttributes(attribute.String("correlation_id", cid))
}

func (p *correlationSpanProcessor) OnEnd(trace.ReadOnlySpan) {}

func (p *correlationSpanProcessor) Shutdown(context.Context) error { return nil }

func (p *correlationSpanProcessor) ForceFlush(context.Context) error { return nil }
