package events

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/subreconcile/internal/clock"
	obsmetrics "github.com/smallbiznis/subreconcile/internal/observability/metrics"
	"github.com/smallbiznis/subreconcile/pkg/telemetry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultRelayInterval  = 2 * time.Second
	defaultRelayBatchSize = 100
	relayLockKey          = "subreconcile:lock:outbox_relay"
)

// Locker guards a loop so only one instance runs it at a time.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.Interval <= 0 {
		c.Interval = defaultRelayInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultRelayBatchSize
	}
	return c
}

// Relay forwards outbox rows to the broker and marks them published.
type Relay struct {
	db       *gorm.DB
	target   Publisher
	locker   Locker
	log      *zap.Logger
	clock    clock.Clock
	cfg      RelayConfig
	pipeline *telemetry.Metrics
	worker   *obsmetrics.WorkerMetrics
}

func NewRelay(db *gorm.DB, target Publisher, locker Locker, clk clock.Clock, cfg RelayConfig, log *zap.Logger, pipeline *telemetry.Metrics, worker *obsmetrics.WorkerMetrics) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Relay{
		db:       db,
		target:   target,
		locker:   locker,
		log:      log.Named("events.relay"),
		clock:    clk,
		cfg:      cfg.withDefaults(),
		pipeline: pipeline,
		worker:   worker,
	}
}

// RunOnce publishes one batch and returns the number of rows published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if r.locker != nil {
		token, ok, err := r.locker.TryLock(ctx, relayLockKey, 3*r.cfg.Interval)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		defer func() { _ = r.locker.Release(context.Background(), relayLockKey, token) }()
	}

	start := r.clock.Now()
	r.worker.IncJobRun(obsmetrics.WorkerJobOutboxRelay)
	defer func() {
		r.worker.ObserveJobDuration(obsmetrics.WorkerJobOutboxRelay, r.clock.Now().Sub(start))
	}()

	rows, err := listPending(ctx, r.db, r.cfg.BatchSize)
	if err != nil {
		r.worker.IncJobError(obsmetrics.WorkerJobOutboxRelay, err)
		return 0, err
	}

	published := 0
	var errs error
	for _, row := range rows {
		sendStart := time.Now()
		if err := r.target.Publish(ctx, row.Topic, row.EventKey, row.Payload); err != nil {
			r.pipeline.RecordOutboxBatch("failed", time.Since(sendStart))
			if markErr := markFailed(ctx, r.db, row.ID, err.Error()); markErr != nil {
				errs = errors.Join(errs, markErr)
			}
			r.log.Warn("outbox publish failed",
				zap.String("event_id", row.ID.String()),
				zap.String("event_type", row.EventType),
				zap.Int("attempts", row.Attempts+1),
				zap.Error(err),
			)
			continue
		}
		r.pipeline.RecordOutboxBatch("published", time.Since(sendStart))
		if err := markPublished(ctx, r.db, row.ID, r.clock.Now()); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		published++
	}
	r.worker.AddBatchProcessed(obsmetrics.WorkerJobOutboxRelay, "domain_events", published)

	if backlog, err := countPending(ctx, r.db); err == nil {
		r.pipeline.SetOutboxBacklog(float64(backlog))
	}
	if errs != nil {
		r.worker.IncJobError(obsmetrics.WorkerJobOutboxRelay, errs)
	}
	return published, errs
}

func (r *Relay) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	nextRun := r.clock.Now().Add(r.cfg.Interval)

	for {
		if lag := r.clock.Now().Sub(nextRun); lag > 0 {
			r.worker.ObserveRunLoopLag(lag)
		}
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("outbox relay run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(r.cfg.Interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
