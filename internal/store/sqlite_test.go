package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpireTech/bifrost/internal/engine/execution"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSQLiteCreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "deep", "bifrost.db")

	s, err := NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewSQLitePreMigrationBackup(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "bifrost.db")

	s1, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s1.PutWorkflow(context.Background(), &Workflow{
		ID: "wf-1", Name: "first", Code: "x",
	}))
	require.NoError(t, s1.Close())

	s2, err := NewSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	info, err := os.Stat(path + ".bak")
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &Workflow{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Name:           "nightly-sync",
		Code:           "sync()",
		DefaultTimeout: 2 * time.Minute,
	}
	require.NoError(t, s.PutWorkflow(ctx, wf))

	got, err := s.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly-sync", got.Name)
	assert.Equal(t, "org-1", got.OrganizationID)
	assert.Equal(t, 2*time.Minute, got.DefaultTimeout)

	// Replace updates in place.
	wf.Code = "sync_v2()"
	require.NoError(t, s.PutWorkflow(ctx, wf))
	got, err = s.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "sync_v2()", got.Code)

	_, err = s.LoadWorkflow(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteExecutionTerminalFirstWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := &ExecutionRecord{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Status:      execution.StatusSuccess,
		Payload:     `{"rows":3}`,
		StartedAt:   now.Add(-time.Second),
		FinishedAt:  now,
		DurationMS:  1000,
	}
	logs := []LogLine{
		{Seq: 0, Level: "info", Message: "starting", At: now},
		{Seq: 1, Level: "info", Message: "done", At: now},
	}
	require.NoError(t, s.WriteExecutionTerminal(ctx, first, logs))

	// A later write for the same execution is silently dropped.
	second := &ExecutionRecord{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Status:      execution.StatusFailed,
		FinishedAt:  now.Add(time.Minute),
	}
	require.NoError(t, s.WriteExecutionTerminal(ctx, second, nil))

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, got.Status)
	assert.Equal(t, `{"rows":3}`, got.Payload)

	gotLogs, err := s.GetExecutionLogs(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, gotLogs, 2)
	assert.Equal(t, "starting", gotLogs[0].Message)
	assert.Equal(t, "done", gotLogs[1].Message)
}

func TestGetExecutionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExecution(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBlacklistLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetActiveBlacklistEntry(ctx, "wf-1")
	assert.ErrorIs(t, err, ErrNotFound)

	entry, created, err := s.AddBlacklistEntry(ctx, "wf-1", "auto:stuck:5", "breaker")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "wf-1", entry.WorkflowID)
	assert.Equal(t, "auto:stuck:5", entry.Reason)
	assert.False(t, entry.Removed)

	// A second add converges on the existing active entry.
	dup, created, err := s.AddBlacklistEntry(ctx, "wf-1", "manual:operator request", "operator")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, entry.ID, dup.ID)
	assert.Equal(t, "auto:stuck:5", dup.Reason)

	require.NoError(t, s.RemoveBlacklistEntry(ctx, "wf-1", "operator"))
	_, err = s.GetActiveBlacklistEntry(ctx, "wf-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Removal is a tombstone: history survives.
	all, err := s.ListBlacklist(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Removed)
	assert.Equal(t, "operator", all[0].RemovedBy)
	require.NotNil(t, all[0].RemovedAt)

	active, err := s.ListBlacklist(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)

	// A fresh entry can be added after removal.
	again, created, err := s.AddBlacklistEntry(ctx, "wf-1", "auto:stuck:7", "breaker")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, entry.ID, again.ID)
}

func TestRemoveBlacklistEntryNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.RemoveBlacklistEntry(context.Background(), "wf-1", "operator")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStuckHistoryAggregation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.PutWorkflow(ctx, &Workflow{
		ID: "wf-hot", OrganizationID: "org-1", Name: "hot sync", Code: "x",
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordStuckEvent(ctx, &StuckEvent{
			WorkflowID:  "wf-hot",
			ExecutionID: "exec-hot",
			WorkerPID:   i + 1,
			ElapsedMS:   5000,
			At:          now,
		}))
	}
	require.NoError(t, s.RecordStuckEvent(ctx, &StuckEvent{
		WorkflowID:  "wf-cold",
		ExecutionID: "exec-cold",
		At:          now.Add(-2 * time.Hour),
	}))

	counts, err := s.StuckHistory(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, "wf-hot", counts[0].WorkflowID)
	assert.Equal(t, "hot sync", counts[0].Name)
	assert.Equal(t, 3, counts[0].Count)

	// Widen the window and the old event shows up too.
	counts, err = s.StuckHistory(ctx, now.Add(-3*time.Hour))
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, "wf-hot", counts[0].WorkflowID)
	assert.Equal(t, "", counts[1].Name, "deleted definitions aggregate without a name")
}
