package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpireTech/bifrost/internal/engine/execution"
)

func testEnv(code string, params map[string]any) *Env {
	cancel := execution.NewCancelSignal()
	scope := execution.Scope{OrganizationID: "org-1"}
	return &Env{
		Code:         code,
		Params:       params,
		Scope:        scope,
		Cancel:       cancel,
		Capabilities: NewCapabilitySet(scope, cancel, nil, nil),
	}
}

func TestNativeEcho(t *testing.T) {
	n := NewNative()
	env := testEnv("native:echo", map[string]any{"k": "v"})

	result, err := n.Execute(context.Background(), env)
	require.NoError(t, err)

	out, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"k": "v"}, out["params"])
	assert.Equal(t, "org-1", out["scope"])
}

func TestNativeUnknownHandlerIsUserError(t *testing.T) {
	n := NewNative()
	_, err := n.Execute(context.Background(), testEnv("native:nope", nil))

	var userErr *UserError
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.Msg, "nope")
}

func TestNativeSleepCompletes(t *testing.T) {
	n := NewNative()
	env := testEnv("sleep", map[string]any{"duration_ms": float64(10)})

	result, err := n.Execute(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "slept 10ms", result)
}

func TestNativeSleepHonorsCancel(t *testing.T) {
	n := NewNative()
	env := testEnv("sleep", map[string]any{"duration_ms": float64(60000)})

	done := make(chan error, 1)
	go func() {
		_, err := n.Execute(context.Background(), env)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	env.Cancel.Set()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep handler ignored cancellation")
	}
}

func TestNativeChecksCancelBeforeDispatch(t *testing.T) {
	n := NewNative()
	env := testEnv("echo", nil)
	env.Cancel.Set()

	_, err := n.Execute(context.Background(), env)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestRegisteredHandlerReceivesEnv(t *testing.T) {
	n := NewNative()
	n.Register("custom", func(ctx context.Context, env *Env) (any, error) {
		return env.Params["x"], nil
	})

	result, err := n.Execute(context.Background(), testEnv("native:custom", map[string]any{"x": 42}))
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

type staticSecrets map[string]string

func (s staticSecrets) GetSecret(_ context.Context, scope execution.Scope, name string) (string, error) {
	v, ok := s[scope.OrganizationID+"/"+name]
	if !ok {
		return "", errors.New("secret not found")
	}
	return v, nil
}

func TestCapabilitySecretUsesExecutionScope(t *testing.T) {
	cancel := execution.NewCancelSignal()
	scope := execution.Scope{OrganizationID: "org-1"}
	caps := NewCapabilitySet(scope, cancel, staticSecrets{
		"org-1/api_key": "default-scope-value",
		"org-2/api_key": "override-scope-value",
	}, nil)

	got, err := caps.Secret(context.Background(), "api_key")
	require.NoError(t, err)
	assert.Equal(t, "default-scope-value", got)

	// An explicit scope override wins over the execution's default.
	got, err = caps.Secret(context.Background(), "api_key", execution.Scope{OrganizationID: "org-2"})
	require.NoError(t, err)
	assert.Equal(t, "override-scope-value", got)
}

func TestCapabilityCallsObserveCancellation(t *testing.T) {
	cancel := execution.NewCancelSignal()
	caps := NewCapabilitySet(execution.Scope{OrganizationID: "org-1"}, cancel,
		staticSecrets{"org-1/k": "v"}, nil)

	cancel.Set()
	_, err := caps.Secret(context.Background(), "k")
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestCapabilityWithoutSourceIsUserError(t *testing.T) {
	cancel := execution.NewCancelSignal()
	caps := NewCapabilitySet(execution.Scope{}, cancel, nil, nil)

	_, err := caps.Secret(context.Background(), "k")
	var userErr *UserError
	assert.ErrorAs(t, err, &userErr)

	_, err = caps.Config(context.Background(), "k")
	assert.ErrorAs(t, err, &userErr)
}
