package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpireTech/bifrost/internal/kv"
	"github.com/SpireTech/bifrost/internal/store"
)

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *miniredis.Miniredis, store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kvs := kv.NewRedisFromClient(client)

	db, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return New(kvs, db, cfg), mr, db
}

func stuckEvent(workflowID, executionID string) *store.StuckEvent {
	return &store.StuckEvent{
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		WorkerPID:   1,
		ElapsedMS:   310000,
	}
}

func TestAdmitAllowsUnknownWorkflow(t *testing.T) {
	b, _, _ := newTestBreaker(t, Config{Threshold: 3, Window: time.Hour})
	assert.NoError(t, b.Admit(context.Background(), "wf-1", false))
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _, db := newTestBreaker(t, Config{Threshold: 3, Window: time.Hour})
	ctx := context.Background()

	tripped, err := b.RecordStuck(ctx, stuckEvent("wf-1", "e1"))
	require.NoError(t, err)
	assert.False(t, tripped)

	tripped, err = b.RecordStuck(ctx, stuckEvent("wf-1", "e2"))
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.NoError(t, b.Admit(ctx, "wf-1", false), "below threshold, still admitted")

	tripped, err = b.RecordStuck(ctx, stuckEvent("wf-1", "e3"))
	require.NoError(t, err)
	assert.True(t, tripped)

	err = b.Admit(ctx, "wf-1", false)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "wf-1", blocked.WorkflowID)
	assert.Equal(t, "auto:stuck:3", blocked.Reason)

	entry, err := db.GetActiveBlacklistEntry(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "circuit_breaker", entry.AddedBy)
}

func TestBreakerCountsPerWorkflow(t *testing.T) {
	b, _, _ := newTestBreaker(t, Config{Threshold: 2, Window: time.Hour})
	ctx := context.Background()

	_, err := b.RecordStuck(ctx, stuckEvent("wf-1", "e1"))
	require.NoError(t, err)
	_, err = b.RecordStuck(ctx, stuckEvent("wf-2", "e2"))
	require.NoError(t, err)

	// One declaration each; neither workflow trips.
	assert.NoError(t, b.Admit(ctx, "wf-1", false))
	assert.NoError(t, b.Admit(ctx, "wf-2", false))
}

func TestBreakerWindowExpiry(t *testing.T) {
	b, mr, _ := newTestBreaker(t, Config{Threshold: 2, Window: time.Minute})
	ctx := context.Background()

	_, err := b.RecordStuck(ctx, stuckEvent("wf-1", "e1"))
	require.NoError(t, err)

	// The first declaration ages out of the window.
	mr.FastForward(2 * time.Minute)

	tripped, err := b.RecordStuck(ctx, stuckEvent("wf-1", "e2"))
	require.NoError(t, err)
	assert.False(t, tripped, "expired declarations must not count")
	assert.NoError(t, b.Admit(ctx, "wf-1", false))
}

func TestScriptsBypassBlacklist(t *testing.T) {
	b, _, _ := newTestBreaker(t, Config{Threshold: 1, Window: time.Hour})
	ctx := context.Background()

	tripped, err := b.RecordStuck(ctx, stuckEvent("wf-1", "e1"))
	require.NoError(t, err)
	require.True(t, tripped)

	assert.Error(t, b.Admit(ctx, "wf-1", false))
	assert.NoError(t, b.Admit(ctx, "wf-1", true), "scripts are never blocked")
	assert.NoError(t, b.Admit(ctx, "", false), "no workflow identity, nothing to block")
}

func TestManualBlacklistAndRemove(t *testing.T) {
	b, _, _ := newTestBreaker(t, Config{Threshold: 5, Window: time.Hour})
	ctx := context.Background()

	entry, err := b.Blacklist(ctx, "wf-1", "misbehaving", "operator")
	require.NoError(t, err)
	assert.Equal(t, "manual:misbehaving", entry.Reason)
	assert.Error(t, b.Admit(ctx, "wf-1", false))

	require.NoError(t, b.Unblacklist(ctx, "wf-1", "operator"))
	assert.NoError(t, b.Admit(ctx, "wf-1", false))
}

func TestManualBlacklistReasonPrefix(t *testing.T) {
	b, _, _ := newTestBreaker(t, Config{Threshold: 5, Window: time.Hour})
	ctx := context.Background()

	entry, err := b.Blacklist(ctx, "wf-1", "manual:already tagged", "operator")
	require.NoError(t, err)
	assert.Equal(t, "manual:already tagged", entry.Reason, "prefix is not doubled")

	entry, err = b.Blacklist(ctx, "wf-2", "", "operator")
	require.NoError(t, err)
	assert.Equal(t, "manual:unspecified", entry.Reason)
}

func TestUnblacklistResetsWindow(t *testing.T) {
	b, _, _ := newTestBreaker(t, Config{Threshold: 2, Window: time.Hour})
	ctx := context.Background()

	_, err := b.RecordStuck(ctx, stuckEvent("wf-1", "e1"))
	require.NoError(t, err)
	tripped, err := b.RecordStuck(ctx, stuckEvent("wf-1", "e2"))
	require.NoError(t, err)
	require.True(t, tripped)

	require.NoError(t, b.Unblacklist(ctx, "wf-1", "operator"))

	// Counters were cleared with the entry: one new declaration does not
	// immediately re-trip.
	tripped, err = b.RecordStuck(ctx, stuckEvent("wf-1", "e3"))
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.NoError(t, b.Admit(ctx, "wf-1", false))
}

func TestBreakerTripNotifier(t *testing.T) {
	var gotWorkflow string
	var gotCount int
	b, _, _ := newTestBreaker(t, Config{
		Threshold: 1,
		Window:    time.Hour,
		OnTrip: func(ctx context.Context, workflowID string, count int) {
			gotWorkflow = workflowID
			gotCount = count
		},
	})

	_, err := b.RecordStuck(context.Background(), stuckEvent("wf-1", "e1"))
	require.NoError(t, err)
	assert.Equal(t, "wf-1", gotWorkflow)
	assert.Equal(t, 1, gotCount)
}

func TestBreakerNotifiesOncePerActiveEntry(t *testing.T) {
	var notified int
	b, _, _ := newTestBreaker(t, Config{
		Threshold: 3,
		Window:    time.Hour,
		OnTrip: func(ctx context.Context, workflowID string, count int) {
			notified++
		},
	})
	ctx := context.Background()

	// Declarations keep arriving past the threshold while the entry is
	// active; only the one that created the entry notifies.
	for i, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		tripped, err := b.RecordStuck(ctx, stuckEvent("wf-1", id))
		require.NoError(t, err)
		assert.Equal(t, i == 2, tripped, "only the third declaration trips")
	}
	assert.Equal(t, 1, notified)

	// A fresh entry after removal notifies again.
	require.NoError(t, b.Unblacklist(ctx, "wf-1", "operator"))
	for _, id := range []string{"e6", "e7", "e8"} {
		_, err := b.RecordStuck(ctx, stuckEvent("wf-1", id))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, notified)
}
