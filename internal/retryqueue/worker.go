package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/subreconcile/internal/clock"
	"github.com/smallbiznis/subreconcile/internal/config"
	obsmetrics "github.com/smallbiznis/subreconcile/internal/observability/metrics"
	"github.com/smallbiznis/subreconcile/pkg/log/ctxlogger"
	"github.com/smallbiznis/subreconcile/pkg/telemetry"
	"go.uber.org/zap"
)

const (
	workerLockKey = "subreconcile:lock:retry_worker"
	jobTimeout    = 30 * time.Second
)

// Handler processes one claimed job.
type Handler func(ctx context.Context, job Job) error

// Locker guards the drain loop across instances.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// Worker drains due jobs, requeueing failures with exponential backoff.
type Worker struct {
	queue    Queue
	locker   Locker
	holder   *config.ReconcileConfigHolder
	clock    clock.Clock
	log      *zap.Logger
	metrics  *obsmetrics.WorkerMetrics
	pipeline *telemetry.Metrics
	handlers map[Kind]Handler
}

func NewWorker(queue Queue, locker Locker, holder *config.ReconcileConfigHolder, clk clock.Clock, log *zap.Logger, metrics *obsmetrics.WorkerMetrics, pipeline *telemetry.Metrics) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Worker{
		queue:    queue,
		locker:   locker,
		holder:   holder,
		clock:    clk,
		log:      log.Named("retryqueue.worker"),
		metrics:  metrics,
		pipeline: pipeline,
		handlers: map[Kind]Handler{},
	}
}

// Handle registers the handler for kind. Registration happens before the loop starts.
func (w *Worker) Handle(kind Kind, handler Handler) {
	w.handlers[kind] = handler
}

// Enqueue schedules the job's next attempt according to the retry policy.
func (w *Worker) Enqueue(ctx context.Context, job Job) error {
	policy := w.holder.Get().Retry
	return w.queue.Enqueue(ctx, job, w.clock.Now().Add(policy.Backoff(job.Attempt+1)))
}

// RunOnce drains one batch of due jobs and returns how many were handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	policy := w.holder.Get().Retry
	if w.locker != nil {
		token, ok, err := w.locker.TryLock(ctx, workerLockKey, policy.LockTTL)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		defer func() { _ = w.locker.Release(context.WithoutCancel(ctx), workerLockKey, token) }()
	}

	start := w.clock.Now()
	w.metrics.IncJobRun(obsmetrics.WorkerJobRetryQueue)
	defer func() {
		w.metrics.ObserveJobDuration(obsmetrics.WorkerJobRetryQueue, w.clock.Now().Sub(start))
	}()

	// A partial claim still owns the jobs it removed; they must be handled or put back.
	jobs, claimErr := w.queue.Claim(ctx, w.clock.Now(), policy.BatchSize)
	if claimErr != nil {
		w.metrics.IncJobError(obsmetrics.WorkerJobRetryQueue, claimErr)
	}

	errs := claimErr
	for _, job := range jobs {
		if err := w.process(ctx, job, policy); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	w.metrics.AddBatchProcessed(obsmetrics.WorkerJobRetryQueue, "jobs", len(jobs))

	if backlog, err := w.queue.Len(ctx); err == nil {
		w.pipeline.SetRetryBacklog(float64(backlog))
	}
	return len(jobs), errs
}

// process returns an error only when the job could not be put back.
func (w *Worker) process(parent context.Context, job Job, policy config.RetryPolicy) error {
	ctx := job.Context(parent)
	log := ctxlogger.WithContext(ctx, w.log).With(
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempt+1),
	)

	handler, ok := w.handlers[job.Kind]
	if !ok {
		log.Error("no handler for retry job; dead-lettering")
		job.LastError = "no_handler"
		w.metrics.IncRetryOutcome(string(job.Kind), obsmetrics.RetryOutcomeDeadLetter)
		return w.queue.DeadLetter(ctx, job)
	}

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	err := handler(jobCtx, job)
	cancel()

	if err == nil {
		w.metrics.IncRetryOutcome(string(job.Kind), obsmetrics.RetryOutcomeSucceeded)
		log.Info("retry job succeeded")
		return nil
	}

	job.Attempt++
	job.LastError = err.Error()
	w.metrics.IncJobError(obsmetrics.WorkerJobRetryQueue, err)
	if errors.Is(err, context.DeadlineExceeded) {
		w.metrics.IncJobTimeout(obsmetrics.WorkerJobRetryQueue)
	}

	if !obsmetrics.IsRetryable(err) || job.Attempt >= policy.MaxAttempts {
		w.metrics.IncRetryOutcome(string(job.Kind), obsmetrics.RetryOutcomeDeadLetter)
		log.Error("retry job exhausted; dead-lettering", zap.Error(err))
		if dlErr := w.queue.DeadLetter(ctx, job); dlErr != nil {
			return fmt.Errorf("dead letter %s: %w", job.ID, dlErr)
		}
		return nil
	}

	delay := policy.Backoff(job.Attempt + 1)
	w.metrics.IncRetryOutcome(string(job.Kind), obsmetrics.RetryOutcomeRequeued)
	log.Warn("retry job failed; requeued", zap.Duration("delay", delay), zap.Error(err))
	if qErr := w.queue.Enqueue(ctx, job, w.clock.Now().Add(delay)); qErr != nil {
		return fmt.Errorf("requeue %s: %w", job.ID, qErr)
	}
	return nil
}

func (w *Worker) RunForever(ctx context.Context) {
	interval := w.holder.Get().Retry.PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	nextRun := w.clock.Now().Add(interval)

	for {
		if lag := w.clock.Now().Sub(nextRun); lag > 0 {
			w.metrics.ObserveRunLoopLag(lag)
		}
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("retry worker run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
