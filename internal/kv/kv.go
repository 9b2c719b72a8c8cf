// Package kv provides the key-value store used for worker registrations,
// stuck counters, pending-execution mirrors, and the telemetry pub/sub
// channel. Each key has a single logical writer; cross-component
// coordination goes through this interface rather than shared memory.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is an active pub/sub subscription.
type Subscription interface {
	// Messages returns the delivery channel. It is closed when the
	// subscription is closed or its context is cancelled.
	Messages() <-chan Message
	// Close terminates the subscription.
	Close() error
}

// Store is the abstract key-value store contract. Implementations must be
// safe for concurrent use.
type Store interface {
	// Set stores a string value. ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get retrieves a string value. Returns ErrNotFound for missing keys.
	Get(ctx context.Context, key string) (string, error)
	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// Keys returns all keys matching the glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// HSet sets fields on a hash.
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGetAll returns all fields of a hash. Missing hashes return an
	// empty map, not an error.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// Expire sets or refreshes a key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Publish sends a message to all subscribers of a channel.
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe starts listening on a channel. The subscription ends when
	// Close is called or ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Close releases the underlying connection.
	Close() error
}
