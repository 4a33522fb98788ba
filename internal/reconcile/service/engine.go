package service

import (
	"context"
	"time"

	"github.com/smallbiznis/subreconcile/internal/clock"
	"github.com/smallbiznis/subreconcile/internal/config"
	"github.com/smallbiznis/subreconcile/internal/events"
	obsmetrics "github.com/smallbiznis/subreconcile/internal/observability/metrics"
	"github.com/smallbiznis/subreconcile/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/subreconcile/internal/payment/domain"
	processordomain "github.com/smallbiznis/subreconcile/internal/processor/domain"
	reconciledomain "github.com/smallbiznis/subreconcile/internal/reconcile/domain"
	subscriptiondomain "github.com/smallbiznis/subreconcile/internal/subscription/domain"
	"github.com/smallbiznis/subreconcile/pkg/log/ctxlogger"
	"github.com/smallbiznis/subreconcile/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HandlerFunc applies one event type.
type HandlerFunc func(ctx context.Context, event *paymentdomain.WebhookEvent) (reconciledomain.Outcome, error)

type Params struct {
	fx.In

	DB        *gorm.DB
	Repo      subscriptiondomain.Repository
	Processor processordomain.Processor
	Emitter   *events.Emitter
	Holder    *config.ReconcileConfigHolder
	Clock     clock.Clock
	Log       *zap.Logger
	Metrics   *obsmetrics.Metrics `optional:"true"`
	Pipeline  *telemetry.Metrics  `optional:"true"`
}

type Engine struct {
	db       *gorm.DB
	repo     subscriptiondomain.Repository
	resolver *Resolver
	enricher *Enricher
	updater  *Updater
	emitter  *events.Emitter
	clock    clock.Clock
	log      *zap.Logger
	metrics  *obsmetrics.Metrics
	pipeline *telemetry.Metrics
	tracer   trace.Tracer
	handlers map[string]HandlerFunc
}

func NewEngine(p Params) reconciledomain.Engine {
	return New(p)
}

// New builds the engine and its handler registry.
func New(p Params) *Engine {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}

	updater := NewUpdater(p.DB, p.Repo, clk, log)
	e := &Engine{
		db:       p.DB,
		repo:     p.Repo,
		resolver: NewResolver(p.DB, p.Repo, p.Processor, updater, log, p.Metrics),
		enricher: NewEnricher(p.Processor, p.Holder, log, p.Metrics),
		updater:  updater,
		emitter:  p.Emitter,
		clock:    clk,
		log:      log.Named("reconcile.engine"),
		metrics:  p.Metrics,
		pipeline: p.Pipeline,
		tracer:   otel.Tracer("subreconcile/reconcile"),
	}
	e.handlers = map[string]HandlerFunc{
		paymentdomain.EventTypeCheckoutSessionCompleted: e.handleCheckoutCompleted,
		paymentdomain.EventTypeSubscriptionCreated:      e.handleSubscription,
		paymentdomain.EventTypeSubscriptionUpdated:      e.handleSubscription,
		paymentdomain.EventTypeSubscriptionDeleted:      e.handleSubscription,
		paymentdomain.EventTypePaymentIntentFailed:      e.handlePaymentFailed,
		paymentdomain.EventTypeInvoicePaid:              e.handleInvoicePaid,
	}
	return e
}

// Apply dispatches event to its handler. Unknown event types are ignored.
func (e *Engine) Apply(ctx context.Context, event *paymentdomain.WebhookEvent) (reconciledomain.Outcome, error) {
	if event == nil {
		return reconciledomain.Outcome{}, paymentdomain.ErrInvalidEvent
	}

	ctx = ctxlogger.ContextWithEventType(ctx, event.Provider, event.Type)
	ctx, span := e.tracer.Start(ctx, "reconcile.apply", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("event.type", event.Type),
		attribute.String("event.provider", event.Provider),
		attribute.String("event.id", event.ProviderEventID),
	)...))
	defer span.End()

	log := ctxlogger.WithContext(ctx, e.log).With(zap.String("event_id", event.ProviderEventID))
	start := time.Now()

	handler, ok := e.handlers[event.Type]
	if !ok {
		log.Info("event type not handled")
		outcome := reconciledomain.Outcome{EventType: event.Type, MatchedBy: reconciledomain.MatchedByNone, Result: reconciledomain.OutcomeIgnored}
		e.observe(ctx, outcome, time.Since(start), nil)
		return outcome, nil
	}

	outcome, err := handler(ctx, event)
	outcome.EventType = event.Type
	if outcome.MatchedBy == "" {
		outcome.MatchedBy = reconciledomain.MatchedByNone
	}
	span.SetAttributes(
		attribute.String("reconcile.matched_by", string(outcome.MatchedBy)),
		attribute.String("reconcile.result", string(outcome.Result)),
	)
	e.observe(ctx, outcome, time.Since(start), err)

	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "reconcile failed")
		log.Error("reconcile failed", zap.String("matched_by", string(outcome.MatchedBy)), zap.Error(err))
		return outcome, err
	}

	fields := []zap.Field{
		zap.String("matched_by", string(outcome.MatchedBy)),
		zap.String("result", string(outcome.Result)),
	}
	if outcome.Record != nil {
		fields = append(fields, zap.String("record_id", outcome.Record.ID.String()))
	}
	if outcome.Result == reconciledomain.OutcomeNotFound {
		log.Info("no tracked record for event", fields...)
	} else {
		log.Info("event reconciled", fields...)
	}
	return outcome, nil
}

func (e *Engine) observe(ctx context.Context, outcome reconciledomain.Outcome, duration time.Duration, err error) {
	result := string(outcome.Result)
	if err != nil {
		result = "error"
	}
	e.metrics.RecordReconcileOutcome(ctx, outcome.EventType, result)
	e.pipeline.RecordHandler(outcome.EventType, result, duration, err != nil)
}

func (e *Engine) now(event *paymentdomain.WebhookEvent) time.Time {
	if event != nil && !event.OccurredAt.IsZero() {
		return event.OccurredAt.UTC()
	}
	return e.clock.Now().UTC()
}
