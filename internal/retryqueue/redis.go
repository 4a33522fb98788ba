package retryqueue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultQueueKey      = "subreconcile:retry:queue"
	defaultDeadLetterKey = "subreconcile:retry:dead"
)

// RedisQueue keeps due jobs in a sorted set scored by due time in milliseconds.
type RedisQueue struct {
	client        redis.UniversalClient
	queueKey      string
	deadLetterKey string
}

func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{
		client:        client,
		queueKey:      defaultQueueKey,
		deadLetterKey: defaultDeadLetterKey,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, dueAt time.Time) error {
	member, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.queueKey, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: string(member),
	}).Err()
}

// Claim removes up to limit due jobs. A member is owned by whichever caller removes it.
func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	members, err := q.client.ZRangeByScore(ctx, q.queueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(members))
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.queueKey, member).Result()
		if err != nil {
			return jobs, err
		}
		if removed == 0 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			_ = q.client.RPush(ctx, q.deadLetterKey, member).Err()
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, job Job) error {
	member, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.deadLetterKey, string(member)).Err()
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.queueKey).Result()
}
