package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the unique lock only when this task still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisQueue is a list-backed queue (LPUSH / BRPOP) with per-job unique
// locks held in SET NX keys that expire after uniqueTTL.
type RedisQueue struct {
	client      *redis.Client
	prefix      string
	uniqueTTL   time.Duration
	pollTimeout time.Duration
}

func NewRedisQueue(client *redis.Client, prefix string, uniqueTTL time.Duration) *RedisQueue {
	if uniqueTTL <= 0 {
		uniqueTTL = 10 * time.Minute
	}
	return &RedisQueue{
		client:      client,
		prefix:      prefix,
		uniqueTTL:   uniqueTTL,
		pollTimeout: time.Second,
	}
}

func (q *RedisQueue) listKey() string {
	return q.prefix + "queue:tasks"
}

func (q *RedisQueue) lockKey(task Task) string {
	return q.prefix + "queue:unique:" + task.UniqueKey()
}

func (q *RedisQueue) lockKeyFor(jobID int64) string {
	return q.prefix + "queue:unique:" + UniqueKeyFor(jobID)
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	lock := q.lockKey(task)
	acquired, err := q.client.SetNX(ctx, lock, task.ID, q.uniqueTTL).Result()
	if err != nil {
		return fmt.Errorf("redis SETNX %s: %w", lock, err)
	}
	if !acquired {
		return fmt.Errorf("%s: %w", task.UniqueKey(), ErrDuplicate)
	}

	if err := q.client.LPush(ctx, q.listKey(), payload).Err(); err != nil {
		if relErr := q.Release(ctx, task); relErr != nil {
			log.Printf("Queue: failed to release %s after push error: %v", lock, relErr)
		}
		return fmt.Errorf("redis LPUSH %s: %w", q.listKey(), err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.listKey()).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, fmt.Errorf("redis BRPOP %s: %w", q.listKey(), err)
		}

		// res is [key, value]
		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			log.Printf("Queue: dropping malformed task %q: %v", res[1], err)
			continue
		}
		return task, nil
	}
}

func (q *RedisQueue) Release(ctx context.Context, task Task) error {
	lock := q.lockKey(task)
	if err := releaseScript.Run(ctx, q.client, []string{lock}, task.ID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", lock, err)
	}
	return nil
}

// Held is false once the owning task released the lock or its worker died
// and the lock expired.
func (q *RedisQueue) Held(ctx context.Context, jobID int64) (bool, error) {
	n, err := q.client.Exists(ctx, q.lockKeyFor(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXISTS %s: %w", q.lockKeyFor(jobID), err)
	}
	return n > 0, nil
}

// Len returns the number of queued tasks
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.listKey()).Result()
}
