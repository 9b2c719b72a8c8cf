// Package tenant resolves per-tenant secrets and configuration from the
// key-value store. A Source doubles as the consumer's prewarmer: before an
// execution is routed, its scope's secret material is pulled into a local
// cache so capability reads during the run stay off the network.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/SpireTech/bifrost/internal/engine/execution"
	"github.com/SpireTech/bifrost/internal/kv"
	"github.com/SpireTech/bifrost/internal/log"
)

// ErrNotFound is returned when a secret or config key does not exist for
// the scope.
var ErrNotFound = errors.New("tenant: not found")

// cacheTTL bounds how long prewarmed material is served without a re-read.
const cacheTTL = time.Minute

// Source reads tenant material laid out as
// tenant:{org}:secret:{name} and tenant:{org}:config:{key}.
// Global-scope material lives under the org segment "global".
type Source struct {
	kvs   kv.Store
	cache *gocache.Cache
}

// NewSource creates a Source over the key-value store.
func NewSource(kvs kv.Store) *Source {
	return &Source{
		kvs:   kvs,
		cache: gocache.New(cacheTTL, 5*time.Minute),
	}
}

func orgSegment(scope execution.Scope) string {
	if scope.IsGlobal() {
		return "global"
	}
	return scope.OrganizationID
}

func secretKey(scope execution.Scope, name string) string {
	return fmt.Sprintf("tenant:%s:secret:%s", orgSegment(scope), name)
}

func configKey(scope execution.Scope, key string) string {
	return fmt.Sprintf("tenant:%s:config:%s", orgSegment(scope), key)
}

// GetSecret resolves a secret in the given scope, preferring prewarmed
// material.
func (s *Source) GetSecret(ctx context.Context, scope execution.Scope, name string) (string, error) {
	return s.get(ctx, secretKey(scope, name))
}

// GetConfig resolves a configuration value in the given scope.
func (s *Source) GetConfig(ctx context.Context, scope execution.Scope, key string) (string, error) {
	return s.get(ctx, configKey(scope, key))
}

func (s *Source) get(ctx context.Context, key string) (string, error) {
	if val, ok := s.cache.Get(key); ok {
		return val.(string), nil
	}
	val, err := s.kvs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	s.cache.Set(key, val, cacheTTL)
	return val, nil
}

// Prewarm loads every secret in the execution's scope into the cache.
// Failures are reported but never block the execution; capability reads
// fall back to the store.
func (s *Source) Prewarm(ctx context.Context, pctx *execution.PreparedContext) error {
	prefix := fmt.Sprintf("tenant:%s:secret:", orgSegment(pctx.Scope))
	keys, err := s.kvs.Keys(ctx, prefix+"*")
	if err != nil {
		return fmt.Errorf("listing scope secrets: %w", err)
	}
	warmed := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		val, err := s.kvs.Get(ctx, key)
		if err != nil {
			continue
		}
		s.cache.Set(key, val, cacheTTL)
		warmed++
	}
	log.Debug(log.CatConsumer, "Prewarmed tenant secrets",
		"executionID", pctx.Request.ExecutionID, "count", warmed)
	return nil
}
