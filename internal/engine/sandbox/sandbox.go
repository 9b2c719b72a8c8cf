// Package sandbox defines the contract with the workflow sandbox: the
// pluggable component that actually interprets workflow code. The engine
// treats it as a function from code plus parameters to a result, and only
// requires that it cooperate with the cancel signal at safe points.
package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/SpireTech/bifrost/internal/engine/execution"
)

// ErrCancelled is returned by a cooperating sandbox (or a capability
// wrapper) after observing the cancel signal.
var ErrCancelled = errors.New("execution cancelled")

// UserError marks failures caused by the workflow itself: bad parameters,
// validation failures, business-rule violations. The engine reports these
// as user errors and never retries them.
type UserError struct {
	Msg string
}

func (e *UserError) Error() string {
	return e.Msg
}

// NewUserError creates a UserError with a formatted message.
func NewUserError(format string, args ...any) *UserError {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}

// Env is the environment one execution runs in.
type Env struct {
	// Code is the workflow source to interpret.
	Code string
	// Params maps parameter names to values.
	Params map[string]any
	// Scope is the effective tenant scope for capability calls.
	Scope execution.Scope
	// Cancel is the cooperative cancellation signal. Sandboxes must poll
	// it at await points and before capability I/O.
	Cancel *execution.CancelSignal
	// Capabilities exposes the platform capability objects.
	Capabilities *CapabilitySet
}

// Checkpoint returns ErrCancelled if cancellation has been requested.
// Sandboxes call this at safe points.
func (e *Env) Checkpoint() error {
	if e.Cancel != nil && e.Cancel.IsSet() {
		return ErrCancelled
	}
	return nil
}

// Sandbox interprets workflow code. Implementations must honour the cancel
// signal in Env; the engine enforces timeouts externally and will declare
// the execution stuck if the signal is ignored past the grace period.
type Sandbox interface {
	Execute(ctx context.Context, env *Env) (any, error)
}

// Func adapts a function to the Sandbox interface. Used by tests and by
// embedders that supply their own interpreter.
type Func func(ctx context.Context, env *Env) (any, error)

// Execute implements Sandbox.
func (f Func) Execute(ctx context.Context, env *Env) (any, error) {
	return f(ctx, env)
}
