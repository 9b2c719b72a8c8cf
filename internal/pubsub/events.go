// Package pubsub is the in-process fan-out layer: a generic broker used
// for log tailing and engine event distribution. Cross-process events go
// through the key-value store's pub/sub instead.
package pubsub

import (
	"context"
	"time"
)

// EventType classifies a published event.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event is one delivery with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber is the consuming side of a broker.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher is the producing side of a broker.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
