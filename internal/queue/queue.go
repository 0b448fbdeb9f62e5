// Package queue is the ordered, durable work queue feeding the sequential
// worker. Strict FIFO per consumer with prefetch of exactly one: a consumer
// never holds more than one unacknowledged task, so a second heavy task can
// never start before the first fully completes.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scribeworks/scribe/internal/schema"
)

// ErrBusy is returned when Dequeue is called while a task is still
// unacknowledged. The prefetch=1 invariant makes this a programming error.
var ErrBusy = errors.New("queue: unacknowledged task outstanding")

// Queue is the task queue contract.
type Queue interface {
	// Enqueue appends a task at the queue tail.
	Enqueue(ctx context.Context, task schema.ChunkTask) error

	// Dequeue blocks until a task is available or ctx is done. The returned
	// task stays pending until Ack or Requeue.
	Dequeue(ctx context.Context) (schema.ChunkTask, error)

	// Ack marks the pending task as fully processed.
	Ack(ctx context.Context, task schema.ChunkTask) error

	// Requeue returns the pending task to the queue head with its attempt
	// counter bumped. When the task has exhausted its attempts it is routed
	// to the dead-letter channel instead and requeued=false is returned.
	Requeue(ctx context.Context, task schema.ChunkTask) (requeued bool, err error)

	// DeadLetters lists tasks routed to the dead-letter channel.
	DeadLetters(ctx context.Context) ([]schema.ChunkTask, error)

	Close() error
}

// Option configures a queue driver.
type Option func(*options)

type options struct {
	redisClient *redis.Client
	consumerID  string
	maxAttempts int
	capacity    int
	pollEvery   time.Duration
}

// WithRedisClient supplies the client backing the redis driver.
func WithRedisClient(c *redis.Client) Option {
	return func(o *options) { o.redisClient = c }
}

// WithConsumerID names the accelerator-bound consumer group. One consumer
// per accelerator.
func WithConsumerID(id string) Option {
	return func(o *options) { o.consumerID = id }
}

// WithMaxAttempts bounds deliveries per task before dead-lettering.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithCapacity bounds the memory driver's backlog.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

func buildOptions(opts []Option) options {
	o := options{
		consumerID:  "accel-0",
		maxAttempts: 3,
		capacity:    1024,
		pollEvery:   time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = 3
	}
	if o.capacity <= 0 {
		o.capacity = 1024
	}
	return o
}
