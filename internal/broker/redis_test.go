package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisFromClient(client, "test:executions"), mr
}

func TestQueueEnqueueReceiveAck(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []byte(`{"execution_id":"e1"}`)))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"execution_id":"e1"}`, string(d.Payload))

	// In flight: pending list empty, processing list holds it.
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	processing, err := mr.List("test:executions:processing")
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	require.NoError(t, d.Ack(ctx))
	assert.False(t, mr.Exists("test:executions:processing"), "ack removed the last in-flight entry")
}

func TestQueueNackRedelivers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []byte("payload")))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx))

	d2, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(d2.Payload))
	require.NoError(t, d2.Ack(ctx))
}

func TestQueueFIFOOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, p := range []string{"first", "second", "third"} {
		require.NoError(t, q.Enqueue(ctx, []byte(p)))
	}

	for _, want := range []string{"first", "second", "third"} {
		d, err := q.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(d.Payload))
		require.NoError(t, d.Ack(ctx))
	}
}

func TestQueueReceiveBlocksUntilEnqueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	got := make(chan string, 1)
	go func() {
		d, err := q.Receive(ctx)
		if err == nil {
			got <- string(d.Payload)
			_ = d.Ack(ctx)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, []byte("late")))

	select {
	case payload := <-got:
		assert.Equal(t, "late", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not pick up the enqueued message")
	}
}

func TestQueueReceiveHonorsContext(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueSnapshot(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, []byte(p)))
	}

	snap, err := q.Snapshot(ctx, 2)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	// Oldest first.
	assert.Equal(t, "a", string(snap[0]))
	assert.Equal(t, "b", string(snap[1]))

	// Snapshot does not consume.
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestQueueClosed(t *testing.T) {
	q, _ := newTestQueue(t)
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(context.Background(), []byte("x")), ErrClosed)
	_, err := q.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
