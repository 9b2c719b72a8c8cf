package pubsub

import "context"

// ContinuousListener wraps a broker subscription for consumers that pull
// events one at a time instead of ranging over the channel.
type ContinuousListener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewContinuousListener creates a new listener that subscribes to the broker.
// The subscription is automatically cleaned up when the context is cancelled.
func NewContinuousListener[T any](ctx context.Context, broker *Broker[T]) *ContinuousListener[T] {
	return &ContinuousListener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Next blocks until the next event arrives, the subscription closes, or the
// listener's context is cancelled. The second return value is false when no
// further events will be delivered.
func (l *ContinuousListener[T]) Next() (Event[T], bool) {
	select {
	case <-l.ctx.Done():
		var zero Event[T]
		return zero, false
	case event, ok := <-l.ch:
		return event, ok
	}
}

// Events returns the underlying subscription channel.
func (l *ContinuousListener[T]) Events() <-chan Event[T] {
	return l.ch
}
