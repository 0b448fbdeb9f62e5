package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scribeworks/scribe/internal/schema"
)

// redisQueue implements a durable FIFO on redis lists:
//
//	queue:{consumer}:ready    backlog, LPUSH head / BRPOPLPUSH tail
//	queue:{consumer}:pending  the single in-flight task
//	queue:{consumer}:dead     exhausted tasks
//
// BRPOPLPUSH moves the oldest ready task into pending in one step, so a
// crash between dequeue and ack leaves the task recoverable, and the pending
// list length doubles as the prefetch=1 guard.
type redisQueue struct {
	client      *redis.Client
	consumerID  string
	maxAttempts int
	pollEvery   time.Duration
}

// NewRedis returns a redis-backed Queue. Requires WithRedisClient.
func NewRedis(opts ...Option) (Queue, error) {
	o := buildOptions(opts)
	if o.redisClient == nil {
		return nil, fmt.Errorf("queue: redis client is required")
	}
	return &redisQueue{
		client:      o.redisClient,
		consumerID:  o.consumerID,
		maxAttempts: o.maxAttempts,
		pollEvery:   o.pollEvery,
	}, nil
}

func (q *redisQueue) key(suffix string) string {
	return "queue:" + q.consumerID + ":" + suffix
}

// Recover moves any task left in pending by a crashed consumer back to the
// ready head. Call once at worker start, before the first Dequeue.
func (q *redisQueue) Recover(ctx context.Context) error {
	for {
		_, err := q.client.RPopLPush(ctx, q.key("pending"), q.key("ready")).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (q *redisQueue) Enqueue(ctx context.Context, task schema.ChunkTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key("ready"), raw).Err()
}

func (q *redisQueue) Dequeue(ctx context.Context) (schema.ChunkTask, error) {
	n, err := q.client.LLen(ctx, q.key("pending")).Result()
	if err != nil {
		return schema.ChunkTask{}, err
	}
	if n > 0 {
		return schema.ChunkTask{}, ErrBusy
	}

	for {
		raw, err := q.client.BRPopLPush(ctx, q.key("ready"), q.key("pending"), q.pollEvery).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return schema.ChunkTask{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return schema.ChunkTask{}, ctx.Err()
			}
			return schema.ChunkTask{}, err
		}

		var task schema.ChunkTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			// Undecodable payloads go straight to dead letters.
			q.client.LRem(ctx, q.key("pending"), 1, raw)
			q.client.LPush(ctx, q.key("dead"), raw)
			continue
		}
		return task, nil
	}
}

func (q *redisQueue) Ack(ctx context.Context, task schema.ChunkTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.client.LRem(ctx, q.key("pending"), 1, string(raw)).Err()
}

func (q *redisQueue) Requeue(ctx context.Context, task schema.ChunkTask) (bool, error) {
	if err := q.Ack(ctx, task); err != nil {
		return false, err
	}

	task.Attempts++
	raw, err := json.Marshal(task)
	if err != nil {
		return false, err
	}

	if task.Attempts >= q.maxAttempts {
		if err := q.client.LPush(ctx, q.key("dead"), raw).Err(); err != nil {
			return false, err
		}
		return false, nil
	}
	// RPUSH puts the task at the consumption end for immediate redelivery.
	if err := q.client.RPush(ctx, q.key("ready"), raw).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (q *redisQueue) DeadLetters(ctx context.Context) ([]schema.ChunkTask, error) {
	raw, err := q.client.LRange(ctx, q.key("dead"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]schema.ChunkTask, 0, len(raw))
	for _, item := range raw {
		var task schema.ChunkTask
		if err := json.Unmarshal([]byte(item), &task); err != nil {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

func (q *redisQueue) Close() error { return q.client.Close() }
