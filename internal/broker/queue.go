// Package broker provides the execution request queue. Requests are
// delivered at-least-once: a delivery stays on a processing list until the
// consumer acks it, and a nack returns it to the queue for redelivery.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Receive after Close.
var ErrClosed = errors.New("broker: queue closed")

// Delivery is one in-flight message. Exactly one of Ack or Nack must be
// called once the consumer has finished with it.
type Delivery struct {
	Payload []byte
	ack     func(ctx context.Context) error
	nack    func(ctx context.Context) error
}

// Ack removes the message permanently. Call only after the outcome is
// durable.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.ack(ctx)
}

// Nack returns the message to the queue for redelivery.
func (d *Delivery) Nack(ctx context.Context) error {
	return d.nack(ctx)
}

// Queue is the broker interface the consumer runs against.
type Queue interface {
	// Enqueue appends a raw request payload.
	Enqueue(ctx context.Context, payload []byte) error
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	// Snapshot returns up to limit pending payloads without consuming them.
	Snapshot(ctx context.Context, limit int) ([][]byte, error)
	// Len returns the number of pending messages.
	Len(ctx context.Context) (int64, error)
	Close() error
}

// pollInterval is how often Receive checks an empty queue.
const pollInterval = 100 * time.Millisecond
