package admin

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpireTech/bifrost/internal/broker"
	"github.com/SpireTech/bifrost/internal/engine/breaker"
	"github.com/SpireTech/bifrost/internal/engine/execution"
	"github.com/SpireTech/bifrost/internal/engine/registry"
	"github.com/SpireTech/bifrost/internal/engine/worker"
	"github.com/SpireTech/bifrost/internal/kv"
	"github.com/SpireTech/bifrost/internal/store"
)

type fixture struct {
	svc   *Service
	kvs   kv.Store
	queue broker.Queue
	db    store.Store
	brk   *breaker.Breaker
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	kvs := kv.NewRedisFromClient(client)
	queue := broker.NewRedisFromClient(client, "test:executions")
	db, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	brk := breaker.New(kvs, db, breaker.Config{Threshold: 5, Window: time.Hour})
	return &fixture{
		svc:   NewService(kvs, queue, brk, db),
		kvs:   kvs,
		queue: queue,
		db:    db,
		brk:   brk,
		mr:    mr,
	}
}

func registerWorker(t *testing.T, kvs kv.Store, workerID string, hb registry.Heartbeat) {
	t.Helper()
	payload, err := json.Marshal(hb)
	require.NoError(t, err)
	require.NoError(t, kvs.HSet(context.Background(), registry.WorkerKey(workerID), map[string]string{
		"worker_id":    workerID,
		"hostname":     "host-1",
		"started_at":   time.Now().UTC().Format(time.RFC3339),
		"heartbeat_at": time.Now().UTC().Format(time.RFC3339),
		"snapshot":     string(payload),
	}))
}

func TestListWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registerWorker(t, f.kvs, "worker-b", registry.Heartbeat{WorkerID: "worker-b"})
	registerWorker(t, f.kvs, "worker-a", registry.Heartbeat{
		WorkerID:   "worker-a",
		QueueDepth: 4,
		Processes: []worker.Snapshot{
			{PID: 1, State: worker.StateActive},
			{PID: 2, State: worker.StateDraining},
		},
	})

	infos, err := f.svc.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "worker-a", infos[0].WorkerID, "sorted by id")
	require.NotNil(t, infos[0].Heartbeat)
	assert.Len(t, infos[0].Heartbeat.Processes, 2)
	assert.Equal(t, int64(4), infos[0].Heartbeat.QueueDepth)
}

func TestGetWorkerNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetWorker(context.Background(), "ghost")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestRecycleCommandReachesListener(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var recycled []int
	rec := recyclerFunc(func(pid int, reason string) error {
		mu.Lock()
		recycled = append(recycled, pid)
		mu.Unlock()
		return nil
	})

	l := NewListener(f.kvs, "worker-a", rec, nil)
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond) // let the subscription establish

	require.NoError(t, f.svc.RecycleProcess(ctx, "worker-a", 3, "hot recycle", "operator"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(recycled) == 1 && recycled[0] == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

type recyclerFunc func(pid int, reason string) error

func (f recyclerFunc) RecycleProcess(pid int, reason string) error { return f(pid, reason) }

func TestShutdownCommand(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownCh := make(chan string, 1)
	l := NewListener(f.kvs, "worker-a", recyclerFunc(func(int, string) error { return nil }),
		func(reason string) { shutdownCh <- reason })

	go func() { _ = l.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, f.svc.ShutdownWorker(ctx, "worker-a", "maintenance", "operator"))

	select {
	case reason := <-shutdownCh:
		assert.Equal(t, "maintenance", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown command not delivered")
	}
}

func TestListQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2"} {
		payload, err := json.Marshal(execution.Request{ExecutionID: id, WorkflowID: "wf-1"})
		require.NoError(t, err)
		require.NoError(t, f.queue.Enqueue(ctx, payload))
	}
	require.NoError(t, f.queue.Enqueue(ctx, []byte("junk")))

	reqs, err := f.svc.ListQueue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reqs, 2, "unparseable entries are skipped")
	assert.Equal(t, "e1", reqs[0].ExecutionID)

	depth, err := f.svc.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)
}

func TestPendingExecutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.kvs.Set(ctx, "exec:e2:pending", "{}", time.Minute))
	require.NoError(t, f.kvs.Set(ctx, "exec:e1:pending", "{}", time.Minute))

	ids, err := f.svc.PendingExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids)
}

func TestBlacklistManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.svc.BlacklistWorkflow(ctx, "wf-1", "misbehaving", "operator")
	require.NoError(t, err)
	assert.Equal(t, "manual:misbehaving", entry.Reason)

	entries, err := f.svc.ListBlacklist(ctx, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, f.svc.UnblacklistWorkflow(ctx, "wf-1", "operator"))
	entries, err = f.svc.ListBlacklist(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStuckHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.db.RecordStuckEvent(ctx, &store.StuckEvent{
		WorkflowID: "wf-1", ExecutionID: "e1", At: time.Now(),
	}))

	counts, err := f.svc.StuckHistory(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, "wf-1", counts[0].WorkflowID)
	assert.Equal(t, 1, counts[0].Count)
}

func TestGetExecutionWithLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.db.WriteExecutionTerminal(ctx, &store.ExecutionRecord{
		ExecutionID: "e1",
		WorkflowID:  "wf-1",
		Status:      execution.StatusSuccess,
		FinishedAt:  time.Now(),
	}, []store.LogLine{{Seq: 0, Level: "info", Message: "done", At: time.Now()}}))

	rec, logs, err := f.svc.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, rec.Status)
	require.Len(t, logs, 1)
	assert.Equal(t, "done", logs[0].Message)
}
