// Package registry maintains a worker daemon's presence in the key-value
// store: a TTL-bound registration hash refreshed by a heartbeat loop. A
// daemon that dies simply ages out; no reaper is needed.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/SpireTech/bifrost/internal/engine/worker"
	"github.com/SpireTech/bifrost/internal/kv"
	"github.com/SpireTech/bifrost/internal/log"
	"github.com/SpireTech/bifrost/internal/telemetry"
)

// RegistrationTTL is how long a registration survives without a heartbeat.
const RegistrationTTL = 30 * time.Second

// WorkerKey builds the registration key for a worker id.
func WorkerKey(workerID string) string {
	return "worker:" + workerID
}

// Snapshotter provides the worker pool's current state. Implemented by the
// orchestrator.
type Snapshotter interface {
	Snapshots() []worker.Snapshot
}

// Heartbeat is the state payload stored with each refresh and surfaced by
// the admin worker listing.
type Heartbeat struct {
	WorkerID   string    `json:"worker_id"`
	At         time.Time `json:"at"`
	UptimeMS   int64     `json:"uptime_ms"`
	MemoryMB   uint64    `json:"memory_mb"`
	QueueDepth int64     `json:"queue_depth"`
	// QueueHead is a bounded slice of pending execution ids, oldest first.
	QueueHead []string          `json:"queue_head,omitempty"`
	Inflight  int               `json:"inflight"`
	Processes []worker.Snapshot `json:"processes"`
}

// queueHeadLimit bounds how many pending ids a heartbeat carries.
const queueHeadLimit = 10

// Config configures the registry.
type Config struct {
	KV        kv.Store
	Telemetry *telemetry.Publisher
	WorkerID  string
	Pool      Snapshotter
	// QueueDepth reports the broker backlog. Optional.
	QueueDepth func(ctx context.Context) (int64, error)
	// QueueSnapshot returns up to limit pending payloads without consuming
	// them. Optional.
	QueueSnapshot func(ctx context.Context, limit int) ([][]byte, error)
	// Inflight reports unacked routed executions. Optional.
	Inflight func() int
	// Interval is the heartbeat cadence (default 10s, must stay well
	// inside RegistrationTTL).
	Interval time.Duration
}

// Registry registers one worker daemon and keeps its heartbeat fresh.
type Registry struct {
	kvs       kv.Store
	tel       *telemetry.Publisher
	workerID  string
	pool      Snapshotter
	queueLen  func(ctx context.Context) (int64, error)
	queueSnap func(ctx context.Context, limit int) ([][]byte, error)
	inflight  func() int
	interval  time.Duration
	startedAt time.Time
}

// New creates a Registry.
func New(cfg Config) *Registry {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Registry{
		kvs:       cfg.KV,
		tel:       cfg.Telemetry,
		workerID:  cfg.WorkerID,
		pool:      cfg.Pool,
		queueLen:  cfg.QueueDepth,
		queueSnap: cfg.QueueSnapshot,
		inflight:  cfg.Inflight,
		interval:  cfg.Interval,
	}
}

// Register writes the registration hash and announces the daemon online.
func (r *Registry) Register(ctx context.Context) error {
	r.startedAt = time.Now().UTC()
	hostname, _ := os.Hostname()

	key := WorkerKey(r.workerID)
	if err := r.kvs.HSet(ctx, key, map[string]string{
		"worker_id":  r.workerID,
		"hostname":   hostname,
		"os_pid":     fmt.Sprintf("%d", os.Getpid()),
		"started_at": r.startedAt.Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	if err := r.kvs.Expire(ctx, key, RegistrationTTL); err != nil {
		return fmt.Errorf("failed to set registration TTL: %w", err)
	}

	log.Info(log.CatRegistry, "Worker registered", "workerID", r.workerID, "ttl", RegistrationTTL)
	r.tel.Publish(ctx, telemetry.EventWorkerOnline, map[string]any{
		"hostname": hostname,
	})
	return nil
}

// Run refreshes the registration on the heartbeat cadence until ctx is
// cancelled, then deregisters.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.deregister()
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

// beat refreshes the TTL and publishes the current state snapshot.
func (r *Registry) beat(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	hb := Heartbeat{
		WorkerID: r.workerID,
		At:       time.Now().UTC(),
		UptimeMS: time.Since(r.startedAt).Milliseconds(),
		MemoryMB: mem.Alloc / (1024 * 1024),
	}
	if r.pool != nil {
		hb.Processes = r.pool.Snapshots()
	}
	if r.inflight != nil {
		hb.Inflight = r.inflight()
	}
	if r.queueLen != nil {
		if depth, err := r.queueLen(ctx); err == nil {
			hb.QueueDepth = depth
		} else {
			log.Warn(log.CatRegistry, "Reading queue depth failed", "error", err)
		}
	}
	if r.queueSnap != nil {
		if payloads, err := r.queueSnap(ctx, queueHeadLimit); err == nil {
			hb.QueueHead = queueHeadIDs(payloads)
		} else {
			log.Warn(log.CatRegistry, "Reading queue head failed", "error", err)
		}
	}

	payload, err := json.Marshal(hb)
	if err != nil {
		log.ErrorErr(log.CatRegistry, "Marshalling heartbeat", err, "workerID", r.workerID)
		return
	}

	key := WorkerKey(r.workerID)
	if err := r.kvs.HSet(ctx, key, map[string]string{
		"snapshot":     string(payload),
		"heartbeat_at": hb.At.Format(time.RFC3339),
	}); err != nil {
		log.ErrorErr(log.CatRegistry, "Writing heartbeat", err, "workerID", r.workerID)
		return
	}
	if err := r.kvs.Expire(ctx, key, RegistrationTTL); err != nil {
		log.ErrorErr(log.CatRegistry, "Refreshing registration TTL", err, "workerID", r.workerID)
		return
	}

	r.tel.Publish(ctx, telemetry.EventWorkerHeartbeat, map[string]any{
		"queue_depth": hb.QueueDepth,
		"inflight":    hb.Inflight,
		"processes":   len(hb.Processes),
	})
	log.Debug(log.CatRegistry, "Heartbeat published", "workerID", r.workerID,
		"processes", len(hb.Processes))
}

// queueHeadIDs extracts execution ids from raw queue payloads, skipping
// anything unparseable.
func queueHeadIDs(payloads [][]byte) []string {
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		var head struct {
			ExecutionID string `json:"execution_id"`
		}
		if err := json.Unmarshal(p, &head); err != nil || head.ExecutionID == "" {
			continue
		}
		ids = append(ids, head.ExecutionID)
	}
	return ids
}

// deregister removes the registration promptly instead of waiting for the
// TTL. Uses a fresh context: the caller's is already cancelled.
func (r *Registry) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.kvs.Del(ctx, WorkerKey(r.workerID)); err != nil {
		log.ErrorErr(log.CatRegistry, "Deregistering worker", err, "workerID", r.workerID)
	}
	r.tel.Publish(ctx, telemetry.EventWorkerOffline, nil)
	log.Info(log.CatRegistry, "Worker deregistered", "workerID", r.workerID)
}
