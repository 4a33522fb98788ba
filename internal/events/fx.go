package events

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subreconcile/internal/clock"
	"github.com/smallbiznis/subreconcile/internal/config"
	obsmetrics "github.com/smallbiznis/subreconcile/internal/observability/metrics"
	"github.com/smallbiznis/subreconcile/internal/ratelimit"
	"github.com/smallbiznis/subreconcile/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("events",
	fx.Provide(ProvidePublisher),
	fx.Provide(ProvideEmitter),
	fx.Invoke(StartRelay),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	DB        *gorm.DB
	GenID     *snowflake.Node
	Log       *zap.Logger
}

// ProvidePublisher selects the publisher named by EVENTS_PUBLISHER.
func ProvidePublisher(p Params) (Publisher, error) {
	switch p.Config.Events.Publisher {
	case config.PublisherKafka:
		writer, err := NewKafkaWriter(p.Config.Events.KafkaBrokers)
		if err != nil {
			return nil, err
		}
		publisher := NewKafkaPublisher(writer)
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error { return publisher.Close() },
		})
		return publisher, nil
	case config.PublisherOutbox:
		return NewOutboxPublisher(p.DB, p.GenID), nil
	default:
		return NewLogPublisher(p.Log), nil
	}
}

type EmitterParams struct {
	fx.In

	Config    config.Config
	Publisher Publisher
	Log       *zap.Logger
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

func ProvideEmitter(p EmitterParams) *Emitter {
	return NewEmitter(p.Publisher, p.Config.Events.TopicPrefix, p.Log, p.Metrics).
		WithPublishTimeout(p.Config.Events.PublishTimeout)
}

type RelayParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Locker    *ratelimit.Locker         `optional:"true"`
	Pipeline  *telemetry.Metrics        `optional:"true"`
	Worker    *obsmetrics.WorkerMetrics `optional:"true"`
}

// StartRelay forwards the outbox to Kafka when the outbox publisher is selected and brokers are set.
func StartRelay(p RelayParams) error {
	if p.Config.Events.Publisher != config.PublisherOutbox {
		return nil
	}
	if len(p.Config.Events.KafkaBrokers) == 0 {
		p.Log.Warn("outbox publisher without kafka brokers; domain events stay in domain_events")
		return nil
	}

	writer, err := NewKafkaWriter(p.Config.Events.KafkaBrokers)
	if err != nil {
		return err
	}
	target := NewKafkaPublisher(writer)

	var locker Locker
	if p.Locker != nil {
		locker = p.Locker
	}
	relay := NewRelay(p.DB, target, locker, p.Clock, RelayConfig{}, p.Log, p.Pipeline, p.Worker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				relay.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
			return target.Close()
		},
	})
	return nil
}
