package retryqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/subreconcile/internal/clock"
	"github.com/smallbiznis/subreconcile/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

type countingQueue struct {
	*MemoryQueue
	claims atomic.Int64
}

func (q *countingQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	q.claims.Add(1)
	return q.MemoryQueue.Claim(ctx, now, limit)
}

func TestStartWorkerStopsLoopOnShutdown(t *testing.T) {
	policy := config.DefaultReconcileConfig()
	policy.Retry.PollInterval = 5 * time.Millisecond

	queue := &countingQueue{MemoryQueue: NewMemoryQueue()}
	worker := NewWorker(queue, nil, config.NewStaticReconcileConfigHolder(policy), clock.SystemClock{}, zap.NewNop(), nil, nil)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })

	lc := fxtest.NewLifecycle(t)
	StartWorker(lc, config.Config{RetryWorkerEnabled: true}, client, worker)

	lc.RequireStart()
	require.Eventually(t, func() bool { return queue.claims.Load() >= 2 }, time.Second, time.Millisecond)
	lc.RequireStop()

	stopped := queue.claims.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, queue.claims.Load(), "no claims after shutdown")
}

func TestStartWorkerDisabledRegistersNothing(t *testing.T) {
	queue := &countingQueue{MemoryQueue: NewMemoryQueue()}
	worker := NewWorker(queue, nil, config.NewStaticReconcileConfigHolder(config.DefaultReconcileConfig()), clock.SystemClock{}, zap.NewNop(), nil, nil)

	lc := fxtest.NewLifecycle(t)
	StartWorker(lc, config.Config{RetryWorkerEnabled: false}, nil, worker)
	lc.RequireStart()
	lc.RequireStop()

	assert.Zero(t, queue.claims.Load())
}
