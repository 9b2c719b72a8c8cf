package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SpireTech/bifrost/internal/log"
)

// redisQueue implements Queue on a Redis list pair: the pending list plus
// a processing list holding unacked deliveries. LMove keeps the handoff
// atomic, so a consumer crash leaves the message recoverable from the
// processing list instead of lost.
type redisQueue struct {
	client     redis.UniversalClient
	key        string
	processing string
	closed     atomic.Bool
	ownsClient bool
}

var _ Queue = (*redisQueue)(nil)

// Options configures the Redis-backed queue.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Key is the pending list key.
	Key string
}

// NewRedis connects to Redis and returns a queue over Options.Key.
func NewRedis(ctx context.Context, opts Options) (Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	q := newRedisQueue(client, opts.Key)
	q.ownsClient = true
	return q, nil
}

// NewRedisFromClient wraps an existing client, which the caller owns.
func NewRedisFromClient(client redis.UniversalClient, key string) Queue {
	return newRedisQueue(client, key)
}

func newRedisQueue(client redis.UniversalClient, key string) *redisQueue {
	return &redisQueue{
		client:     client,
		key:        key,
		processing: key + ":processing",
	}
}

// Enqueue appends a payload to the pending list.
func (q *redisQueue) Enqueue(ctx context.Context, payload []byte) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return nil
}

// Receive polls the pending list, atomically moving the oldest message to
// the processing list. Polling rather than a blocking pop keeps shutdown
// prompt and plays well with client timeouts.
func (q *redisQueue) Receive(ctx context.Context) (*Delivery, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}

		payload, err := q.client.LMove(ctx, q.key, q.processing, "RIGHT", "LEFT").Bytes()
		switch {
		case err == nil:
			return q.delivery(payload), nil
		case errors.Is(err, redis.Nil):
			// Empty, wait for the next poll.
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			log.ErrorErr(log.CatBroker, "Queue receive failed", err, "key", q.key)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *redisQueue) delivery(payload []byte) *Delivery {
	return &Delivery{
		Payload: payload,
		ack: func(ctx context.Context) error {
			if err := q.client.LRem(ctx, q.processing, 1, payload).Err(); err != nil {
				return fmt.Errorf("failed to ack: %w", err)
			}
			return nil
		},
		nack: func(ctx context.Context) error {
			pipe := q.client.TxPipeline()
			pipe.LRem(ctx, q.processing, 1, payload)
			pipe.RPush(ctx, q.key, payload)
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("failed to nack: %w", err)
			}
			return nil
		},
	}
}

// Snapshot returns up to limit pending payloads, oldest first.
func (q *redisQueue) Snapshot(ctx context.Context, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = 100
	}
	vals, err := q.client.LRange(ctx, q.key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot queue: %w", err)
	}
	// LRange returns head-to-tail of the slice; the tail end of the list
	// is the oldest since Enqueue pushes left.
	out := make([][]byte, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		out = append(out, []byte(vals[i]))
	}
	return out, nil
}

// Len returns the number of pending messages.
func (q *redisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

// Close stops future operations and closes the client if owned.
func (q *redisQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}
