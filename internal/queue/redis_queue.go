package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"referral-engine/internal/config"
	"referral-engine/internal/models"
)

// RedisQueue coordinates the ready, leased, and retry queues for document
// tasks in Redis. Delivery is at-least-once: a dequeued task is parked in the
// leased set under a visibility deadline, and tasks whose deadline passes
// without an ack become visible again via ReclaimExpired.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	leasedKey     string
	retryKey      string
	taskPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "referrals:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "referrals:ready",
		leasedKey:     "referrals:leased",
		retryKey:      "referrals:retry",
		taskPrefix:    "referrals:task:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

func (q *RedisQueue) taskKey(docID string) string {
	return q.taskPrefix + docID
}

// Enqueue appends a task to the ready queue. Task attributes live in a small
// per-document hash; the list itself carries only document IDs.
func (q *RedisQueue) Enqueue(ctx context.Context, task models.Task) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(task.DocumentID),
		"payload_ref", task.PayloadRef,
		"enqueued_at", task.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		"attempts", task.Attempts,
	)
	pipe.RPush(ctx, q.readyKey, task.DocumentID)
	_, err := pipe.Exec(ctx)
	return err
}

// DequeueWithLease pops the oldest ready task and places it into the leased
// set with a visibility deadline. The pop-and-lease happens in one Lua script
// so exactly one caller receives each task. An empty DocumentID means nothing
// was ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (models.Task, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.leasedKey}, deadline).Result()
	if err == redis.Nil {
		return models.Task{}, nil
	}
	if err != nil {
		return models.Task{}, err
	}
	docID, ok := res.(string)
	if !ok {
		return models.Task{}, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return q.loadTask(ctx, docID)
}

func (q *RedisQueue) loadTask(ctx context.Context, docID string) (models.Task, error) {
	task := models.Task{DocumentID: docID}
	meta, err := q.client.HGetAll(ctx, q.taskKey(docID)).Result()
	if err != nil {
		return task, nil // lease holds the ID; attributes are recoverable from the status store
	}
	task.PayloadRef = meta["payload_ref"]
	if ts := meta["enqueued_at"]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			task.EnqueuedAt = t
		}
	}
	if n := meta["attempts"]; n != "" {
		if i, err := strconv.Atoi(n); err == nil {
			task.Attempts = i
		}
	}
	return task, nil
}

// ExtendLease pushes the visibility deadline forward for a leased task.
// Workers call this before each slow pipeline phase so a healthy worker is
// never raced by the reclaimer.
func (q *RedisQueue) ExtendLease(ctx context.Context, docID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.leasedKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: docID,
	}).Err()
}

// Ack removes a completed task from lease tracking and deletes its hash.
func (q *RedisQueue) Ack(ctx context.Context, docID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.leasedKey, docID)
	pipe.Del(ctx, q.taskKey(docID))
	_, err := pipe.Exec(ctx)
	return err
}

// Release returns a leased task to the front of the ready queue without
// recording an attempt. Used when a worker abandons a task cleanly (shutdown,
// status store unavailable) so redelivery is immediate rather than waiting
// out the visibility timeout.
func (q *RedisQueue) Release(ctx context.Context, docID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.leasedKey, docID)
	pipe.LPush(ctx, q.readyKey, docID)
	_, err := pipe.Exec(ctx)
	return err
}

// ScheduleRetry acks the current delivery and parks the task in the retry set
// until `at`, carrying the incremented attempt count.
func (q *RedisQueue) ScheduleRetry(ctx context.Context, docID string, attempts int, at time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.leasedKey, docID)
	pipe.HSet(ctx, q.taskKey(docID), "attempts", attempts)
	pipe.ZAdd(ctx, q.retryKey, redis.Z{Score: float64(at.UnixMilli()), Member: docID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteRetries moves due retry tasks back into the ready queue. It returns
// how many were promoted.
func (q *RedisQueue) PromoteRetries(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.retryKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.retryKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ReclaimExpired re-enqueues tasks whose lease deadline passed, restoring
// at-least-once delivery after a worker crash.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.leasedKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.leasedKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// PushDead appends a document ID to the dead-letter queue for operational
// inspection after the retry budget is exhausted.
func (q *RedisQueue) PushDead(ctx context.Context, docID string) error {
	return q.client.RPush(ctx, q.dlqKey, docID).Err()
}

// PeekDead reads up to count dead-lettered document IDs.
func (q *RedisQueue) PeekDead(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Depth returns the length of the ready queue.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns how many tasks are currently leased.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.leasedKey).Result()
}

// RetryDepth returns how many tasks are waiting on a retry backoff.
func (q *RedisQueue) RetryDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.retryKey).Result()
}

// DeadDepth returns the dead-letter queue length.
func (q *RedisQueue) DeadDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.dlqKey).Result()
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  return id
end
return nil
`)
