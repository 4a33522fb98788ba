package retryqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	job   Job
	dueAt time.Time
}

// MemoryQueue is an in-process Queue. Jobs do not survive a restart.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []memoryEntry
	dead    []Job
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, dueAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, memoryEntry{job: job, dueAt: dueAt})
	sort.SliceStable(q.entries, func(i, j int) bool {
		return q.entries[i].dueAt.Before(q.entries[j].dueAt)
	})
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var claimed []Job
	remaining := q.entries[:0]
	for _, entry := range q.entries {
		if len(claimed) < limit && !entry.dueAt.After(now) {
			claimed = append(claimed, entry.job)
			continue
		}
		remaining = append(remaining, entry)
	}
	q.entries = remaining
	return claimed, nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, job)
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

// Pending returns a snapshot of queued jobs in due order.
func (q *MemoryQueue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.entries))
	for _, entry := range q.entries {
		out = append(out, entry.job)
	}
	return out
}

// DeadLettered returns a snapshot of dead-lettered jobs.
func (q *MemoryQueue) DeadLettered() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.dead...)
}

type nopQueue struct{}

// NewNopQueue returns a Queue that rejects every job.
func NewNopQueue() Queue {
	return nopQueue{}
}

func (nopQueue) Enqueue(context.Context, Job, time.Time) error { return ErrQueueDisabled }

func (nopQueue) Claim(context.Context, time.Time, int) ([]Job, error) { return nil, nil }

func (nopQueue) DeadLetter(context.Context, Job) error { return ErrQueueDisabled }

func (nopQueue) Len(context.Context) (int64, error) { return 0, nil }
