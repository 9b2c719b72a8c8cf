package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Handler is one registered native workflow implementation.
type Handler func(ctx context.Context, env *Env) (any, error)

// Native is a sandbox that dispatches code of the form "native:<name>" to
// registered Go handlers. It is the engine's built-in execution backend:
// embedders with a real interpreter supply their own Sandbox, and tests
// register handlers with whatever behavior they need.
type Native struct {
	handlers map[string]Handler
}

// NewNative creates a Native sandbox with the builtin handlers (echo,
// sleep) registered.
func NewNative() *Native {
	n := &Native{handlers: make(map[string]Handler)}
	n.Register("echo", echoHandler)
	n.Register("sleep", sleepHandler)
	return n
}

// Register adds or replaces a handler. Not safe to call concurrently with
// Execute; register everything before the engine starts.
func (n *Native) Register(name string, h Handler) {
	n.handlers[name] = h
}

// Execute dispatches to the handler named by the code string.
func (n *Native) Execute(ctx context.Context, env *Env) (any, error) {
	if err := env.Checkpoint(); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(env.Code), "native:"))
	h, ok := n.handlers[name]
	if !ok {
		return nil, NewUserError("unknown workflow handler %q", name)
	}
	return h(ctx, env)
}

// echoHandler returns its parameters, for connectivity smoke tests.
func echoHandler(_ context.Context, env *Env) (any, error) {
	return map[string]any{
		"params": env.Params,
		"scope":  env.Scope.OrganizationID,
	}, nil
}

// sleepHandler sleeps for duration_ms, honoring cancellation. Used to
// exercise timeout paths end to end.
func sleepHandler(ctx context.Context, env *Env) (any, error) {
	ms, ok := env.Params["duration_ms"].(float64)
	if !ok {
		if i, iok := env.Params["duration_ms"].(int); iok {
			ms = float64(i)
		} else {
			return nil, NewUserError("duration_ms parameter is required")
		}
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return fmt.Sprintf("slept %dms", int64(ms)), nil
	case <-env.Cancel.Done():
		return nil, ErrCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
