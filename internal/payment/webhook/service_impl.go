package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subreconcile/internal/clock"
	"github.com/smallbiznis/subreconcile/internal/config"
	obsmetrics "github.com/smallbiznis/subreconcile/internal/observability/metrics"
	"github.com/smallbiznis/subreconcile/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/subreconcile/internal/payment/domain"
	reconciledomain "github.com/smallbiznis/subreconcile/internal/reconcile/domain"
	"github.com/smallbiznis/subreconcile/internal/retryqueue"
	"github.com/smallbiznis/subreconcile/pkg/log/ctxlogger"
	"github.com/smallbiznis/subreconcile/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Cfg      config.Config
	Repo     paymentdomain.Repository
	Adapters *adapters.Registry
	Engine   reconciledomain.Engine
	Clock    clock.Clock
	Retry    *retryqueue.Worker  `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
	Pipeline *telemetry.Metrics  `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     paymentdomain.Repository
	adapters *adapters.Registry
	configs  map[string]paymentdomain.AdapterConfig
	engine   reconciledomain.Engine
	clock    clock.Clock
	retry    *retryqueue.Worker
	metrics  *obsmetrics.Metrics
	pipeline *telemetry.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return New(p)
}

func New(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.webhook"),
		genID:    p.GenID,
		repo:     p.Repo,
		adapters: p.Adapters,
		configs: map[string]paymentdomain.AdapterConfig{
			"stripe": {
				Provider:      "stripe",
				WebhookSecret: p.Cfg.Stripe.WebhookSecret,
				Tolerance:     p.Cfg.Stripe.WebhookTolerance,
			},
		},
		engine:   p.Engine,
		clock:    clk,
		retry:    p.Retry,
		metrics:  p.Metrics,
		pipeline: p.Pipeline,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	start := time.Now()
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, err := s.adapter(provider)
	if err != nil {
		return err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.metrics.RecordWebhookEvent(ctx, provider, "", "rejected")
		s.pipeline.RecordWebhookDelivery(provider, "rejected", time.Since(start))
		s.log.Warn("webhook signature rejected", zap.String("provider", provider))
		return paymentdomain.ErrInvalidSignature
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		s.log.Warn("verified webhook could not be parsed; dropped", zap.String("provider", provider), zap.Error(err))
		s.pipeline.RecordWebhookDelivery(provider, "malformed", time.Since(start))
		return nil
	}
	ctx = ctxlogger.ContextWithEventType(ctx, provider, event.Type)
	log := ctxlogger.WithContext(ctx, s.log).With(zap.String("event_id", event.ProviderEventID))

	err = s.process(ctx, event, payload)
	switch {
	case err == nil:
		s.pipeline.RecordWebhookDelivery(provider, "processed", time.Since(start))
		return nil
	case errors.Is(err, paymentdomain.ErrEventAlreadyProcessed):
		log.Info("webhook already processed")
		s.metrics.RecordWebhookEvent(ctx, provider, event.Type, "duplicate")
		s.pipeline.RecordWebhookDelivery(provider, "duplicate", time.Since(start))
		return err
	case errors.Is(err, paymentdomain.ErrInvalidEvent):
		log.Warn("webhook event rejected; dropped", zap.Error(err))
		s.pipeline.RecordWebhookDelivery(provider, "invalid", time.Since(start))
		return nil
	}

	s.metrics.RecordWebhookEvent(ctx, provider, event.Type, "failed")
	s.pipeline.RecordWebhookDelivery(provider, "failed", time.Since(start))
	s.scheduleRetry(ctx, provider, payload, err)
	return nil
}

// Replay applies a payload that was verified when it was first received.
func (s *Service) Replay(ctx context.Context, provider string, payload []byte) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, err := s.adapter(provider)
	if err != nil {
		return err
	}
	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		s.log.Warn("queued webhook could not be parsed; dropped", zap.Error(err))
		return nil
	}
	ctx = ctxlogger.ContextWithEventType(ctx, provider, event.Type)

	err = s.process(ctx, event, payload)
	if errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) || errors.Is(err, paymentdomain.ErrInvalidEvent) {
		return nil
	}
	return err
}

func (s *Service) process(ctx context.Context, event *paymentdomain.WebhookEvent, payload []byte) error {
	if err := validateEvent(event); err != nil {
		return err
	}

	received := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now().UTC(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			return paymentdomain.ErrEventAlreadyProcessed
		}
	}

	outcome, err := s.engine.Apply(ctx, event)
	if err != nil {
		if recErr := s.repo.RecordError(ctx, s.db, stored.ID, err.Error()); recErr != nil {
			s.log.Warn("failed to record webhook error", zap.Error(recErr))
		}
		return err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, s.clock.Now().UTC()); err != nil {
		return err
	}
	s.metrics.RecordWebhookEvent(ctx, event.Provider, event.Type, string(outcome.Result))
	return nil
}

// scheduleRetry queues the verified payload. Without a queue the row stays
// unprocessed and the processor's own redelivery applies it again.
func (s *Service) scheduleRetry(ctx context.Context, provider string, payload []byte, cause error) {
	log := ctxlogger.WithContext(ctx, s.log)
	if s.retry == nil {
		log.Error("webhook reconciliation failed; no retry queue", zap.Error(cause))
		return
	}

	job := retryqueue.NewJob(ctx, retryqueue.KindWebhookEvent)
	job.Provider = provider
	job.Payload = payload
	job.LastError = cause.Error()
	if err := s.retry.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		log.Error("webhook reconciliation failed; retry not queued",
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	log.Warn("webhook reconciliation failed; retry queued", zap.String("job_id", job.ID), zap.Error(cause))
}

func (s *Service) adapter(provider string) (paymentdomain.PaymentAdapter, error) {
	if provider == "" {
		return nil, paymentdomain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return nil, paymentdomain.ErrProviderNotFound
	}
	cfg, ok := s.configs[provider]
	if !ok {
		return nil, paymentdomain.ErrProviderNotFound
	}
	return s.adapters.NewAdapter(provider, cfg)
}

func validateEvent(event *paymentdomain.WebhookEvent) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	event.Type = strings.TrimSpace(event.Type)
	if event.ProviderEventID == "" || event.Type == "" {
		return paymentdomain.ErrInvalidEvent
	}
	return nil
}

// RegisterRetryHandler lets the retry worker replay queued webhook payloads.
func RegisterRetryHandler(worker *retryqueue.Worker, svc paymentdomain.Service) {
	if worker == nil {
		return
	}
	worker.Handle(retryqueue.KindWebhookEvent, func(ctx context.Context, job retryqueue.Job) error {
		return svc.Replay(ctx, job.Provider, job.Payload)
	})
}
