package sandbox

import (
	"context"

	"github.com/SpireTech/bifrost/internal/engine/execution"
)

// SecretSource resolves secrets for a tenant scope. The real resolver
// lives outside the engine; the consumer prewarms it per execution.
type SecretSource interface {
	GetSecret(ctx context.Context, scope execution.Scope, name string) (string, error)
}

// ConfigSource resolves per-tenant configuration values.
type ConfigSource interface {
	GetConfig(ctx context.Context, scope execution.Scope, key string) (string, error)
}

// CapabilitySet bundles the capability objects exposed to workflow code.
// Every capability call checks the cancel signal before long operations so
// a cooperating workflow observes cancellation even mid-capability.
type CapabilitySet struct {
	scope   execution.Scope
	cancel  *execution.CancelSignal
	secrets SecretSource
	config  ConfigSource
}

// NewCapabilitySet builds the capability set for one execution.
func NewCapabilitySet(scope execution.Scope, cancel *execution.CancelSignal, secrets SecretSource, config ConfigSource) *CapabilitySet {
	return &CapabilitySet{
		scope:   scope,
		cancel:  cancel,
		secrets: secrets,
		config:  config,
	}
}

// Scope returns the default scope capability calls resolve under.
func (c *CapabilitySet) Scope() execution.Scope {
	return c.scope
}

// check returns ErrCancelled once the cancel signal is set.
func (c *CapabilitySet) check() error {
	if c.cancel != nil && c.cancel.IsSet() {
		return ErrCancelled
	}
	return nil
}

// Secret resolves a secret in the execution's scope. An explicit scope
// override wins over the default: pass a non-zero override to read another
// scope the caller is entitled to.
func (c *CapabilitySet) Secret(ctx context.Context, name string, override ...execution.Scope) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	if c.secrets == nil {
		return "", NewUserError("secret source not available")
	}
	return c.secrets.GetSecret(ctx, c.effectiveScope(override), name)
}

// Config resolves a configuration value in the execution's scope.
func (c *CapabilitySet) Config(ctx context.Context, key string, override ...execution.Scope) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	if c.config == nil {
		return "", NewUserError("config source not available")
	}
	return c.config.GetConfig(ctx, c.effectiveScope(override), key)
}

func (c *CapabilitySet) effectiveScope(override []execution.Scope) execution.Scope {
	if len(override) > 0 {
		return override[0]
	}
	return c.scope
}
