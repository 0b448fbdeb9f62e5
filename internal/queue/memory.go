package queue

import (
	"context"
	"sync"

	"github.com/scribeworks/scribe/internal/schema"
)

// memoryQueue is a channel-backed FIFO for tests and single-process runs.
type memoryQueue struct {
	tasks       chan schema.ChunkTask
	maxAttempts int

	mu      sync.Mutex
	pending *schema.ChunkTask
	dead    []schema.ChunkTask
	// requeued is drained before the channel so a requeued task is
	// redelivered ahead of everything enqueued after it.
	requeued []schema.ChunkTask
}

// NewMemory returns an in-process Queue.
func NewMemory(opts ...Option) Queue {
	o := buildOptions(opts)
	return &memoryQueue{
		tasks:       make(chan schema.ChunkTask, o.capacity),
		maxAttempts: o.maxAttempts,
	}
}

func (q *memoryQueue) Enqueue(ctx context.Context, task schema.ChunkTask) error {
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) Dequeue(ctx context.Context) (schema.ChunkTask, error) {
	q.mu.Lock()
	if q.pending != nil {
		q.mu.Unlock()
		return schema.ChunkTask{}, ErrBusy
	}
	if len(q.requeued) > 0 {
		task := q.requeued[0]
		q.requeued = q.requeued[1:]
		q.pending = &task
		q.mu.Unlock()
		return task, nil
	}
	q.mu.Unlock()

	select {
	case task := <-q.tasks:
		q.mu.Lock()
		q.pending = &task
		q.mu.Unlock()
		return task, nil
	case <-ctx.Done():
		return schema.ChunkTask{}, ctx.Err()
	}
}

func (q *memoryQueue) Ack(_ context.Context, task schema.ChunkTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	return nil
}

func (q *memoryQueue) Requeue(_ context.Context, task schema.ChunkTask) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = nil
	task.Attempts++
	if task.Attempts >= q.maxAttempts {
		q.dead = append(q.dead, task)
		return false, nil
	}
	q.requeued = append(q.requeued, task)
	return true, nil
}

func (q *memoryQueue) DeadLetters(_ context.Context) ([]schema.ChunkTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]schema.ChunkTask(nil), q.dead...), nil
}

func (q *memoryQueue) Close() error { return nil }
