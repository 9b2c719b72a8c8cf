package telemetry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpireTech/bifrost/internal/kv"
)

func TestPublisherEmitsEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewRedisFromClient(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := store.Subscribe(ctx, "platform_workers")
	require.NoError(t, err)
	defer sub.Close()

	p := NewPublisher(store, "platform_workers", "worker-a")
	p.Publish(ctx, EventWorkerOnline, map[string]any{"pid_count": 2})

	select {
	case msg := <-sub.Messages():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, EventWorkerOnline, ev.Type)
		assert.Equal(t, "worker-a", ev.WorkerID)
		assert.EqualValues(t, 2, ev.Data["pid_count"])
		assert.WithinDuration(t, time.Now(), ev.Timestamp, time.Minute)
	case <-time.After(2 * time.Second):
		t.Fatal("no telemetry event received")
	}
}

func TestPublisherSwallowsFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisFromClient(client)
	require.NoError(t, client.Close())

	p := NewPublisher(store, "platform_workers", "worker-a")
	// Publishing against a closed client must not panic or block.
	p.Publish(context.Background(), EventWorkerHeartbeat, nil)
}
