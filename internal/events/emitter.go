package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	obsmetrics "github.com/smallbiznis/subreconcile/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/subreconcile/internal/subscription/domain"
	"github.com/smallbiznis/subreconcile/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

// DefaultPublishTimeout bounds one publish on the webhook path.
const DefaultPublishTimeout = 2 * time.Second

// Emitter derives lifecycle events from records and hands them to the publisher.
// Publish failures are logged and never returned, so persistence outcomes do not depend on them.
type Emitter struct {
	publisher      Publisher
	topicPrefix    string
	publishTimeout time.Duration
	log            *zap.Logger
	metrics        *obsmetrics.Metrics
}

func NewEmitter(publisher Publisher, topicPrefix string, log *zap.Logger, metrics *obsmetrics.Metrics) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{
		publisher:      publisher,
		topicPrefix:    strings.TrimSpace(topicPrefix),
		publishTimeout: DefaultPublishTimeout,
		log:            log.Named("events.emitter"),
		metrics:        metrics,
	}
}

// WithPublishTimeout overrides the per-publish deadline. Non-positive values keep the default.
func (e *Emitter) WithPublishTimeout(timeout time.Duration) *Emitter {
	if timeout > 0 {
		e.publishTimeout = timeout
	}
	return e
}

// Topic returns the full topic name for an event type.
func (e *Emitter) Topic(eventType string) string {
	return e.topicPrefix + eventType
}

func (e *Emitter) EmitPastDue(ctx context.Context, record *subscriptiondomain.SubscriptionRecord, at time.Time) {
	if record == nil {
		return
	}
	e.emit(ctx, TypeSubscriptionPastDue, record.ID.String(), SubscriptionPastDue{
		Type:       TypeSubscriptionPastDue,
		UserID:     record.UserID,
		RecordID:   record.ID.String(),
		OccurredAt: at.UTC(),
	})
}

func (e *Emitter) EmitCancelled(ctx context.Context, record *subscriptiondomain.SubscriptionRecord, at time.Time, reason subscriptiondomain.CancelReason) {
	if record == nil {
		return
	}
	e.emit(ctx, TypeSubscriptionCancelled, record.ID.String(), SubscriptionCancelled{
		Type:       TypeSubscriptionCancelled,
		UserID:     record.UserID,
		RecordID:   record.ID.String(),
		OccurredAt: at.UTC(),
		Status:     string(record.SubscriptionStatus),
		Reason:     string(reason),
	})
}

func (e *Emitter) emit(ctx context.Context, eventType, key string, value any) {
	if e == nil || e.publisher == nil {
		return
	}
	log := ctxlogger.WithContext(ctx, e.log).With(
		zap.String("domain_event", eventType),
		zap.String("record_id", key),
	)

	payload, err := json.Marshal(value)
	if err != nil {
		log.Error("marshal domain event failed", zap.Error(err))
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, e.publishTimeout)
	defer cancel()
	if err := e.publisher.Publish(publishCtx, e.Topic(eventType), key, payload); err != nil {
		log.Warn("publish domain event failed", zap.Error(err))
		return
	}
	e.metrics.RecordDomainEvent(ctx, eventType)
	log.Debug("domain event published")
}
