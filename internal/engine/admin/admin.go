// Package admin is the operator control surface: worker listings built
// from the registry, queue inspection, blacklist management, stuck-event
// history, and targeted process commands delivered over pub/sub.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/SpireTech/bifrost/internal/broker"
	"github.com/SpireTech/bifrost/internal/engine/breaker"
	"github.com/SpireTech/bifrost/internal/engine/execution"
	"github.com/SpireTech/bifrost/internal/engine/registry"
	"github.com/SpireTech/bifrost/internal/kv"
	"github.com/SpireTech/bifrost/internal/log"
	"github.com/SpireTech/bifrost/internal/store"
)

// Command actions accepted on a worker's command channel.
const (
	ActionRecyclePr = "recycle_process"
	ActionShutdown  = "shutdown"
)

// Command is the wire shape of an admin command.
type Command struct {
	Action      string `json:"action"`
	PID         int    `json:"pid,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// CommandChannel builds the pub/sub channel for one worker daemon.
func CommandChannel(workerID string) string {
	return registry.WorkerKey(workerID) + ":commands"
}

// WorkerInfo is one row of the worker listing.
type WorkerInfo struct {
	WorkerID    string              `json:"worker_id"`
	Hostname    string              `json:"hostname"`
	StartedAt   string              `json:"started_at"`
	HeartbeatAt string              `json:"heartbeat_at"`
	Heartbeat   *registry.Heartbeat `json:"heartbeat,omitempty"`
}

// Service implements the admin operations.
type Service struct {
	kvs   kv.Store
	queue broker.Queue
	brk   *breaker.Breaker
	db    store.Store
}

// NewService creates the admin service.
func NewService(kvs kv.Store, queue broker.Queue, brk *breaker.Breaker, db store.Store) *Service {
	return &Service{kvs: kvs, queue: queue, brk: brk, db: db}
}

// ListWorkers returns every live registered worker daemon, sorted by id.
// Daemons whose heartbeats stopped have aged out of the registry and do
// not appear.
func (s *Service) ListWorkers(ctx context.Context) ([]WorkerInfo, error) {
	keys, err := s.kvs.Keys(ctx, "worker:*")
	if err != nil {
		return nil, fmt.Errorf("failed to list worker keys: %w", err)
	}

	var infos []WorkerInfo
	for _, key := range keys {
		if strings.HasSuffix(key, ":commands") {
			continue
		}
		info, err := s.workerInfo(ctx, key)
		if err != nil {
			log.Warn(log.CatAdmin, "Skipping unreadable worker entry", "key", key, "error", err)
			continue
		}
		infos = append(infos, *info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].WorkerID < infos[j].WorkerID })
	return infos, nil
}

// GetWorker returns one worker daemon's registration and latest heartbeat.
func (s *Service) GetWorker(ctx context.Context, workerID string) (*WorkerInfo, error) {
	return s.workerInfo(ctx, registry.WorkerKey(workerID))
}

func (s *Service) workerInfo(ctx context.Context, key string) (*WorkerInfo, error) {
	fields, err := s.kvs.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker hash: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("worker %s: %w", key, kv.ErrNotFound)
	}

	info := &WorkerInfo{
		WorkerID:    fields["worker_id"],
		Hostname:    fields["hostname"],
		StartedAt:   fields["started_at"],
		HeartbeatAt: fields["heartbeat_at"],
	}
	if snap := fields["snapshot"]; snap != "" {
		var hb registry.Heartbeat
		if err := json.Unmarshal([]byte(snap), &hb); err == nil {
			info.Heartbeat = &hb
		}
	}
	return info, nil
}

// RecycleProcess asks one worker daemon to recycle a specific process.
// Delivery is best-effort pub/sub: if the daemon is offline the command
// is lost, which is the right behavior for a process that no longer
// exists anyway.
func (s *Service) RecycleProcess(ctx context.Context, workerID string, pid int, reason, requestedBy string) error {
	return s.send(ctx, workerID, Command{
		Action:      ActionRecyclePr,
		PID:         pid,
		Reason:      reason,
		RequestedBy: requestedBy,
	})
}

// ShutdownWorker asks a worker daemon to drain and exit.
func (s *Service) ShutdownWorker(ctx context.Context, workerID, reason, requestedBy string) error {
	return s.send(ctx, workerID, Command{
		Action:      ActionShutdown,
		Reason:      reason,
		RequestedBy: requestedBy,
	})
}

func (s *Service) send(ctx context.Context, workerID string, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if err := s.kvs.Publish(ctx, CommandChannel(workerID), string(payload)); err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	log.Info(log.CatAdmin, "Command published",
		"workerID", workerID, "action", cmd.Action, "pid", cmd.PID, "by", cmd.RequestedBy)
	return nil
}

// ListQueue returns up to limit pending execution requests, oldest first.
// Unparseable payloads are skipped.
func (s *Service) ListQueue(ctx context.Context, limit int) ([]execution.Request, error) {
	payloads, err := s.queue.Snapshot(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot queue: %w", err)
	}
	reqs := make([]execution.Request, 0, len(payloads))
	for _, p := range payloads {
		var req execution.Request
		if err := json.Unmarshal(p, &req); err != nil {
			log.Warn(log.CatAdmin, "Skipping unparseable queue entry", "error", err)
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// QueueDepth returns the number of pending broker messages.
func (s *Service) QueueDepth(ctx context.Context) (int64, error) {
	return s.queue.Len(ctx)
}

// PendingExecutions returns execution ids that are admitted but not yet
// terminal, from the key-value mirror.
func (s *Service) PendingExecutions(ctx context.Context) ([]string, error) {
	keys, err := s.kvs.Keys(ctx, "exec:*:pending")
	if err != nil {
		return nil, fmt.Errorf("failed to list pending executions: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(key, "exec:"), ":pending")
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListBlacklist returns blacklist entries.
func (s *Service) ListBlacklist(ctx context.Context, includeRemoved bool) ([]store.BlacklistEntry, error) {
	return s.brk.List(ctx, includeRemoved)
}

// BlacklistWorkflow manually blacklists a workflow.
func (s *Service) BlacklistWorkflow(ctx context.Context, workflowID, reason, requestedBy string) (*store.BlacklistEntry, error) {
	return s.brk.Blacklist(ctx, workflowID, reason, requestedBy)
}

// UnblacklistWorkflow removes a workflow from the blacklist and resets its
// stuck window.
func (s *Service) UnblacklistWorkflow(ctx context.Context, workflowID, requestedBy string) error {
	return s.brk.Unblacklist(ctx, workflowID, requestedBy)
}

// StuckHistory aggregates stuck declarations per workflow over the window.
func (s *Service) StuckHistory(ctx context.Context, window time.Duration) ([]store.StuckCount, error) {
	return s.db.StuckHistory(ctx, time.Now().Add(-window))
}

// GetExecution returns a terminal record with its flushed logs.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*store.ExecutionRecord, []store.LogLine, error) {
	rec, err := s.db.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	logs, err := s.db.GetExecutionLogs(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	return rec, logs, nil
}
