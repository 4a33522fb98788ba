package retryqueue

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/subreconcile/internal/clock"
	"github.com/smallbiznis/subreconcile/internal/config"
	obsmetrics "github.com/smallbiznis/subreconcile/internal/observability/metrics"
	"github.com/smallbiznis/subreconcile/internal/ratelimit"
	"github.com/smallbiznis/subreconcile/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("retryqueue",
	fx.Provide(ProvideQueue),
	fx.Provide(ProvideWorker),
	fx.Invoke(StartWorker),
)

func ProvideQueue(client *redis.Client, log *zap.Logger) Queue {
	if client == nil {
		log.Warn("retry queue disabled; failed reconciliations rely on processor redelivery")
		return NewNopQueue()
	}
	return NewRedisQueue(client)
}

type WorkerParams struct {
	fx.In

	Queue    Queue
	Locker   *ratelimit.Locker `optional:"true"`
	Holder   *config.ReconcileConfigHolder
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *obsmetrics.WorkerMetrics `optional:"true"`
	Pipeline *telemetry.Metrics        `optional:"true"`
}

func ProvideWorker(p WorkerParams) *Worker {
	var locker Locker
	if p.Locker != nil {
		locker = p.Locker
	}
	return NewWorker(p.Queue, locker, p.Holder, p.Clock, p.Log, p.Metrics, p.Pipeline)
}

func StartWorker(lc fx.Lifecycle, cfg config.Config, client *redis.Client, worker *Worker) {
	if !cfg.RetryWorkerEnabled || client == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				worker.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
