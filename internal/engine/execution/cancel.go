package execution

import "sync"

// CancelSignal is a one-shot cooperative cancellation flag. The worker
// supervisor sets it on timeout; the sandbox and capability wrappers poll
// it at safe points. Setting it twice is a no-op.
type CancelSignal struct {
	once sync.Once
	done chan struct{}
}

// NewCancelSignal creates an unset signal.
func NewCancelSignal() *CancelSignal {
	return &CancelSignal{done: make(chan struct{})}
}

// Set requests cancellation. Idempotent.
func (s *CancelSignal) Set() {
	s.once.Do(func() { close(s.done) })
}

// IsSet reports whether cancellation has been requested.
func (s *CancelSignal) IsSet() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when cancellation is requested. Sandboxes
// select on it at await points and before capability I/O.
func (s *CancelSignal) Done() <-chan struct{} {
	return s.done
}
