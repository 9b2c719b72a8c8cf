// Package breaker implements the per-workflow circuit breaker: a sliding
// window of stuck declarations that, past a threshold, blacklists the
// workflow until an operator intervenes. Counters live in the key-value
// store so every worker daemon sees the same window; the blacklist itself
// is durable.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SpireTech/bifrost/internal/kv"
	"github.com/SpireTech/bifrost/internal/log"
	"github.com/SpireTech/bifrost/internal/store"
)

// BlockedError is returned by Admit for a blacklisted workflow.
type BlockedError struct {
	WorkflowID string
	Reason     string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("workflow %s is blacklisted: %s", e.WorkflowID, e.Reason)
}

// TripNotifier observes breaker trips, for telemetry.
type TripNotifier func(ctx context.Context, workflowID string, count int)

// Config configures the breaker.
type Config struct {
	// Threshold is the number of stuck declarations within the window that
	// trips the breaker.
	Threshold int
	// Window is the sliding window width.
	Window time.Duration
	// OnTrip observes trips. Optional.
	OnTrip TripNotifier
	// AddedBy labels automatic blacklist entries.
	AddedBy string
}

// Breaker counts stuck declarations and maintains the blacklist.
type Breaker struct {
	kvs       kv.Store
	db        store.Store
	threshold int
	window    time.Duration
	onTrip    TripNotifier
	addedBy   string
}

// New creates a Breaker.
func New(kvs kv.Store, db store.Store, cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.AddedBy == "" {
		cfg.AddedBy = "circuit_breaker"
	}
	return &Breaker{
		kvs:       kvs,
		db:        db,
		threshold: cfg.Threshold,
		window:    cfg.Window,
		onTrip:    cfg.OnTrip,
		addedBy:   cfg.AddedBy,
	}
}

// Admit decides whether an execution request may proceed. Standalone
// scripts bypass the blacklist: they have no workflow identity to blame.
func (b *Breaker) Admit(ctx context.Context, workflowID string, isScript bool) error {
	if isScript || workflowID == "" {
		return nil
	}
	entry, err := b.db.GetActiveBlacklistEntry(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check blacklist: %w", err)
	}
	return &BlockedError{WorkflowID: workflowID, Reason: entry.Reason}
}

// stuckKey builds one TTL counter key. The timestamp suffix makes each
// declaration its own key; expiry implements the sliding window.
func stuckKey(workflowID string, at time.Time) string {
	return fmt.Sprintf("stuck:%s:%d", workflowID, at.UnixNano())
}

func stuckPattern(workflowID string) string {
	return "stuck:" + workflowID + ":*"
}

// RecordStuck registers one stuck declaration: a TTL counter key, a durable
// history row, and a trip check. Returns true when this declaration tripped
// the breaker.
func (b *Breaker) RecordStuck(ctx context.Context, ev *store.StuckEvent) (bool, error) {
	if ev.WorkflowID == "" {
		return false, nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
		ev.At = at
	}

	if err := b.kvs.Set(ctx, stuckKey(ev.WorkflowID, at), ev.ExecutionID, b.window); err != nil {
		return false, fmt.Errorf("failed to record stuck counter: %w", err)
	}
	if err := b.db.RecordStuckEvent(ctx, ev); err != nil {
		// History is best-effort; the counter already landed.
		log.ErrorErr(log.CatBreaker, "Persisting stuck event", err,
			"workflowID", ev.WorkflowID, "executionID", ev.ExecutionID)
	}

	count, err := b.stuckCount(ctx, ev.WorkflowID)
	if err != nil {
		return false, err
	}

	log.Warn(log.CatBreaker, "Stuck declaration recorded",
		"workflowID", ev.WorkflowID, "executionID", ev.ExecutionID,
		"count", count, "threshold", b.threshold)

	if count < b.threshold {
		return false, nil
	}

	reason := fmt.Sprintf("auto:stuck:%d", count)
	_, created, err := b.db.AddBlacklistEntry(ctx, ev.WorkflowID, reason, b.addedBy)
	if err != nil {
		return false, fmt.Errorf("failed to blacklist workflow: %w", err)
	}
	// An active entry absorbs further declarations; the trip and its
	// notification fire only for the call that created the entry.
	if !created {
		return false, nil
	}
	log.Error(log.CatBreaker, "Circuit breaker tripped, workflow blacklisted",
		"workflowID", ev.WorkflowID, "count", count)
	if b.onTrip != nil {
		b.onTrip(ctx, ev.WorkflowID, count)
	}
	return true, nil
}

// stuckCount counts live counter keys for a workflow.
func (b *Breaker) stuckCount(ctx context.Context, workflowID string) (int, error) {
	keys, err := b.kvs.Keys(ctx, stuckPattern(workflowID))
	if err != nil {
		return 0, fmt.Errorf("failed to count stuck keys: %w", err)
	}
	return len(keys), nil
}

// Blacklist manually blacklists a workflow. Reasons carry a "manual:"
// prefix to keep them distinguishable from breaker trips.
func (b *Breaker) Blacklist(ctx context.Context, workflowID, reason, addedBy string) (*store.BlacklistEntry, error) {
	if reason == "" {
		reason = "unspecified"
	}
	if !strings.HasPrefix(reason, "manual:") {
		reason = "manual:" + reason
	}
	entry, _, err := b.db.AddBlacklistEntry(ctx, workflowID, reason, addedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to add blacklist entry: %w", err)
	}
	log.Info(log.CatBreaker, "Workflow blacklisted manually",
		"workflowID", workflowID, "reason", reason, "by", addedBy)
	return entry, nil
}

// Unblacklist removes a workflow's active entry and resets its window so
// the next stuck declaration starts a fresh count.
func (b *Breaker) Unblacklist(ctx context.Context, workflowID, removedBy string) error {
	if err := b.db.RemoveBlacklistEntry(ctx, workflowID, removedBy); err != nil {
		return err
	}
	keys, err := b.kvs.Keys(ctx, stuckPattern(workflowID))
	if err != nil {
		return fmt.Errorf("failed to list stuck keys: %w", err)
	}
	if len(keys) > 0 {
		if err := b.kvs.Del(ctx, keys...); err != nil {
			return fmt.Errorf("failed to clear stuck counters: %w", err)
		}
	}
	log.Info(log.CatBreaker, "Workflow removed from blacklist",
		"workflowID", workflowID, "by", removedBy)
	return nil
}

// List returns blacklist entries.
func (b *Breaker) List(ctx context.Context, includeRemoved bool) ([]store.BlacklistEntry, error) {
	return b.db.ListBlacklist(ctx, includeRemoved)
}

// Describe summarizes breaker settings for the admin surface.
func (b *Breaker) Describe() string {
	return strings.Join([]string{
		fmt.Sprintf("threshold=%d", b.threshold),
		fmt.Sprintf("window=%s", b.window),
	}, " ")
}
