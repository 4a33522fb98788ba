package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookEvents  metric.Int64Counter
	reconcile      metric.Int64Counter
	resolverMatch  metric.Int64Counter
	remoteFailures metric.Int64Counter
	domainEvents   metric.Int64Counter
	cancellations  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "subreconcile"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("subreconcile_webhook_events_total")
	if err != nil {
		return nil, err
	}
	reconcile, err := meter.Int64Counter("subreconcile_reconcile_outcomes_total")
	if err != nil {
		return nil, err
	}
	resolverMatch, err := meter.Int64Counter("subreconcile_resolutions_total")
	if err != nil {
		return nil, err
	}
	remoteFailures, err := meter.Int64Counter("subreconcile_remote_failures_total")
	if err != nil {
		return nil, err
	}
	domainEvents, err := meter.Int64Counter("subreconcile_domain_events_total")
	if err != nil {
		return nil, err
	}
	cancellations, err := meter.Int64Counter("subreconcile_cancellations_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents:  webhookEvents,
		reconcile:      reconcile,
		resolverMatch:  resolverMatch,
		remoteFailures: remoteFailures,
		domainEvents:   domainEvents,
		cancellations:  cancellations,
	}, nil
}

// RecordWebhookEvent increments inbound webhook counts.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconcileOutcome increments reconcile outcome counts.
func (m *Metrics) RecordReconcileOutcome(ctx context.Context, eventType, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.reconcile.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordResolverMatch counts which resolution rule located a record.
func (m *Metrics) RecordResolverMatch(ctx context.Context, matchedBy string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("matched_by", strings.TrimSpace(matchedBy)))
	m.resolverMatch.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRemoteFailure counts failed calls to the payment processor.
func (m *Metrics) RecordRemoteFailure(ctx context.Context, operation, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.remoteFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDomainEvent counts emitted domain events.
func (m *Metrics) RecordDomainEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.domainEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCancellation counts cancellation requests by branch and outcome.
func (m *Metrics) RecordCancellation(ctx context.Context, branch, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("branch", strings.TrimSpace(branch)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.cancellations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":    {},
	"method":      {},
	"status_code": {},
	"provider":    {},
	"event_type":  {},
	"result":      {},
	"matched_by":  {},
	"operation":   {},
	"reason":      {},
	"outcome":     {},
	"branch":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
