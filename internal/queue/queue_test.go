package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scribeworks/scribe/internal/schema"
)

func task(session string, seq int64) schema.ChunkTask {
	return schema.ChunkTask{SessionID: session, ChunkSeq: seq, AudioRef: "ref", EnqueuedAt: time.Now()}
}

func TestMemoryQueue_FIFO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()

	require.NoError(t, q.Enqueue(ctx, task("s1", 1)))
	require.NoError(t, q.Enqueue(ctx, task("s1", 2)))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.ChunkSeq)
	require.NoError(t, q.Ack(ctx, got))

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.ChunkSeq)
}

func TestMemoryQueue_PrefetchOne(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()

	require.NoError(t, q.Enqueue(ctx, task("s1", 1)))
	require.NoError(t, q.Enqueue(ctx, task("s1", 2)))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)

	// Second dequeue with an outstanding unacked task must refuse.
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, q.Ack(ctx, first))
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
}

func TestMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()
	q := NewMemory()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan schema.ChunkTask, 1)
	go func() {
		got, err := q.Dequeue(ctx)
		if err == nil {
			done <- got
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, task("s1", 7)))

	select {
	case got := <-done:
		require.EqualValues(t, 7, got.ChunkSeq)
	case <-time.After(time.Second):
		t.Fatalf("dequeue did not unblock")
	}
}

func TestMemoryQueue_RequeueBeforeNewerTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory(WithMaxAttempts(5))

	require.NoError(t, q.Enqueue(ctx, task("s1", 1)))
	require.NoError(t, q.Enqueue(ctx, task("s1", 2)))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)

	requeued, err := q.Requeue(ctx, first)
	require.NoError(t, err)
	require.True(t, requeued)

	// The requeued chunk must come back before chunk 2.
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.ChunkSeq)
	require.Equal(t, 1, got.Attempts)
}

func TestMemoryQueue_DeadLetterAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory(WithMaxAttempts(2))

	require.NoError(t, q.Enqueue(ctx, task("s1", 1)))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)

	requeued, err := q.Requeue(ctx, got)
	require.NoError(t, err)
	require.True(t, requeued)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)

	requeued, err = q.Requeue(ctx, got)
	require.NoError(t, err)
	require.False(t, requeued)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, 2, dead[0].Attempts)
}
