package execution

import (
	"fmt"
	"sync"
	"time"
)

// HandleStatus represents the lifecycle state of an in-flight execution
// inside a worker. Valid transitions:
//
//	Running    -> Cancelling, Done
//	Cancelling -> Done, Stuck
//	Done       -> (terminal)
//	Stuck      -> (terminal; never Done)
type HandleStatus string

const (
	// HandleRunning indicates the execution is actively running.
	HandleRunning HandleStatus = "running"
	// HandleCancelling indicates cancellation was requested and the grace
	// period is ticking.
	HandleCancelling HandleStatus = "cancelling"
	// HandleStuck indicates the execution ignored cancellation past the
	// grace period.
	HandleStuck HandleStatus = "stuck"
	// HandleDone indicates the execution reported a terminal outcome.
	HandleDone HandleStatus = "done"
)

// validHandleTransitions defines the allowed status transitions.
var validHandleTransitions = map[HandleStatus]map[HandleStatus]bool{
	HandleRunning: {
		HandleCancelling: true,
		HandleDone:       true,
	},
	HandleCancelling: {
		HandleDone:  true,
		HandleStuck: true,
	},
	// Terminal states have no valid transitions
	HandleStuck: {},
	HandleDone:  {},
}

// String returns the string representation of the HandleStatus.
func (s HandleStatus) String() string {
	return string(s)
}

// IsTerminal returns true for Done and Stuck.
func (s HandleStatus) IsTerminal() bool {
	return s == HandleDone || s == HandleStuck
}

// CanTransitionTo returns true if the transition is valid.
func (s HandleStatus) CanTransitionTo(target HandleStatus) bool {
	allowed, ok := validHandleTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// Handle tracks one in-flight execution inside a worker. It is owned by
// exactly one worker and is not transferable. The supervisor loop is the
// only writer; accessors are safe for concurrent reads.
type Handle struct {
	ExecutionID string
	WorkflowID  string
	// WorkflowName is carried for telemetry display.
	WorkflowName string
	StartedAt    time.Time
	Timeout      time.Duration
	Cancel       *CancelSignal

	mu                sync.RWMutex
	status            HandleStatus
	cancelRequestedAt *time.Time
}

// NewHandle creates a Running handle with a fresh cancel signal.
func NewHandle(pctx *PreparedContext, now time.Time) *Handle {
	return &Handle{
		ExecutionID:  pctx.Request.ExecutionID,
		WorkflowID:   pctx.Request.WorkflowID,
		WorkflowName: pctx.WorkflowName,
		StartedAt:    now,
		Timeout:      pctx.Timeout,
		Cancel:       NewCancelSignal(),
		status:       HandleRunning,
	}
}

// Status returns the current status.
func (h *Handle) Status() HandleStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// CancelRequestedAt returns when cancellation was first requested, or nil.
func (h *Handle) CancelRequestedAt() *time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cancelRequestedAt
}

// TimedOut reports whether the execution has exceeded its timeout.
func (h *Handle) TimedOut(now time.Time) bool {
	return now.Sub(h.StartedAt) > h.Timeout
}

// GraceExpired reports whether the cancellation grace period has elapsed.
// Always false before cancellation was requested.
func (h *Handle) GraceExpired(now time.Time, grace time.Duration) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cancelRequestedAt == nil {
		return false
	}
	return now.Sub(*h.cancelRequestedAt) > grace
}

// RequestCancel sets the cancel signal and transitions to Cancelling.
// Idempotent: repeated calls return false and do not move the grace clock,
// which is measured from the first request.
func (h *Handle) RequestCancel(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelRequestedAt != nil {
		return false
	}
	if !h.status.CanTransitionTo(HandleCancelling) {
		return false
	}
	h.Cancel.Set()
	h.cancelRequestedAt = &now
	h.status = HandleCancelling
	return true
}

// MarkStuck transitions the handle to Stuck. Returns an error if the
// handle is not Cancelling: an execution is declared stuck only after it
// ignored a cancellation request.
func (h *Handle) MarkStuck() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.CanTransitionTo(HandleStuck) {
		return fmt.Errorf("invalid handle transition from %s to %s", h.status, HandleStuck)
	}
	h.status = HandleStuck
	return nil
}

// MarkDone transitions the handle to Done. Returns an error for handles
// already Stuck: once stuck, never done.
func (h *Handle) MarkDone() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.CanTransitionTo(HandleDone) {
		return fmt.Errorf("invalid handle transition from %s to %s", h.status, HandleDone)
	}
	h.status = HandleDone
	return nil
}

// Elapsed returns wall time since the execution started.
func (h *Handle) Elapsed(now time.Time) time.Duration {
	return now.Sub(h.StartedAt)
}
