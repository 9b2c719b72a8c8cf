package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpireTech/bifrost/internal/engine/execution"
	"github.com/SpireTech/bifrost/internal/engine/sandbox"
)

func prepared(id string) *execution.PreparedContext {
	return &execution.PreparedContext{
		Request: execution.Request{
			ExecutionID: id,
			WorkflowID:  "wf-1",
			Params:      map[string]any{"k": "v"},
		},
		WorkflowName: "test",
		Code:         "code",
		Scope:        execution.Scope{OrganizationID: "org-1"},
		Timeout:      time.Minute,
	}
}

func TestRunSuccess(t *testing.T) {
	r := New(sandbox.Func(func(ctx context.Context, env *sandbox.Env) (any, error) {
		assert.Equal(t, "code", env.Code)
		assert.Equal(t, "org-1", env.Scope.OrganizationID)
		require.NotNil(t, env.Capabilities)
		return map[string]any{"out": 1}, nil
	}), nil, nil)

	msg := r.Run(context.Background(), prepared("e1"), execution.NewCancelSignal())
	assert.Equal(t, execution.ResultSuccess, msg.Kind)
	assert.Equal(t, "e1", msg.ExecutionID)
	assert.Equal(t, map[string]any{"out": 1}, msg.Payload)
	assert.Empty(t, msg.ErrorType)
}

func TestRunUserError(t *testing.T) {
	r := New(sandbox.Func(func(ctx context.Context, env *sandbox.Env) (any, error) {
		return nil, sandbox.NewUserError("missing parameter %q", "account")
	}), nil, nil)

	msg := r.Run(context.Background(), prepared("e1"), execution.NewCancelSignal())
	assert.Equal(t, execution.ResultFailure, msg.Kind)
	assert.Equal(t, execution.ErrorTypeUser, msg.ErrorType)
	assert.Contains(t, msg.ErrorMessage, "account")
}

func TestRunRuntimeError(t *testing.T) {
	r := New(sandbox.Func(func(ctx context.Context, env *sandbox.Env) (any, error) {
		return nil, errors.New("connection reset")
	}), nil, nil)

	msg := r.Run(context.Background(), prepared("e1"), execution.NewCancelSignal())
	assert.Equal(t, execution.ResultFailure, msg.Kind)
	assert.Equal(t, execution.ErrorTypeRuntime, msg.ErrorType)
}

func TestRunPanicConfinedAsRuntimeError(t *testing.T) {
	r := New(sandbox.Func(func(ctx context.Context, env *sandbox.Env) (any, error) {
		panic("interpreter blew up")
	}), nil, nil)

	msg := r.Run(context.Background(), prepared("e1"), execution.NewCancelSignal())
	assert.Equal(t, execution.ResultFailure, msg.Kind)
	assert.Equal(t, execution.ErrorTypeRuntime, msg.ErrorType)
	assert.Contains(t, msg.ErrorMessage, "interpreter blew up")
}

func TestRunCancelledAfterTimeoutIsTimeout(t *testing.T) {
	cancel := execution.NewCancelSignal()
	r := New(sandbox.Func(func(ctx context.Context, env *sandbox.Env) (any, error) {
		// Simulate cooperating with a deadline-triggered cancel.
		cancel.Set()
		return nil, sandbox.ErrCancelled
	}), nil, nil)

	msg := r.Run(context.Background(), prepared("e1"), cancel)
	assert.Equal(t, execution.ResultFailure, msg.Kind)
	assert.Equal(t, execution.ErrorTypeTimeout, msg.ErrorType)
}

func TestRunCancelledWithoutSignalIsCancelled(t *testing.T) {
	r := New(sandbox.Func(func(ctx context.Context, env *sandbox.Env) (any, error) {
		return nil, sandbox.ErrCancelled
	}), nil, nil)

	msg := r.Run(context.Background(), prepared("e1"), execution.NewCancelSignal())
	assert.Equal(t, execution.ResultFailure, msg.Kind)
	assert.Equal(t, execution.ErrorTypeCancelled, msg.ErrorType)
}

func TestRunRecordsDuration(t *testing.T) {
	r := New(sandbox.Func(func(ctx context.Context, env *sandbox.Env) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}), nil, nil)

	msg := r.Run(context.Background(), prepared("e1"), execution.NewCancelSignal())
	assert.Equal(t, execution.ResultSuccess, msg.Kind)
	assert.GreaterOrEqual(t, msg.Duration, 20*time.Millisecond)
	assert.False(t, msg.StartedAt.IsZero())
}
