// Package consumer runs the broker consume loop: it admits execution
// requests, prepares their contexts, routes them to the orchestrator, and
// finalizes terminal results. The broker message for an execution is acked
// only after its terminal record is durable, so a crash anywhere in
// between leads to redelivery rather than loss.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/SpireTech/bifrost/internal/broker"
	"github.com/SpireTech/bifrost/internal/engine/breaker"
	"github.com/SpireTech/bifrost/internal/engine/execution"
	"github.com/SpireTech/bifrost/internal/kv"
	"github.com/SpireTech/bifrost/internal/log"
	"github.com/SpireTech/bifrost/internal/store"
	"github.com/SpireTech/bifrost/internal/telemetry"
)

// Router dispatches prepared contexts. Implemented by the orchestrator.
type Router interface {
	Route(pctx *execution.PreparedContext) error
}

// Prewarmer warms per-execution resources (secret material, connections)
// before routing. Optional; failures are logged, never fatal.
type Prewarmer interface {
	Prewarm(ctx context.Context, pctx *execution.PreparedContext) error
}

// Config configures the consumer.
type Config struct {
	Queue     broker.Queue
	Store     store.Store
	KV        kv.Store
	Breaker   *breaker.Breaker
	Telemetry *telemetry.Publisher
	Prewarmer Prewarmer
	// DefaultTimeout applies when neither the request nor the workflow
	// carries one.
	DefaultTimeout time.Duration
	// PendingTTL bounds the pending-execution mirror keys.
	PendingTTL time.Duration
	// RetryBase is the first backoff step for store writes and workflow
	// loads (default 100ms, doubling, 4 attempts).
	RetryBase time.Duration
}

// Consumer owns the consume loop and the finalization path.
type Consumer struct {
	queue     broker.Queue
	db        store.Store
	kvs       kv.Store
	brk       *breaker.Breaker
	tel       *telemetry.Publisher
	prewarmer Prewarmer
	router    Router

	defaultTimeout time.Duration
	pendingTTL     time.Duration
	retryBase      time.Duration

	// workflowCache holds recently loaded workflow definitions so bursts
	// against the same workflow skip the store.
	workflowCache *gocache.Cache

	mu sync.Mutex
	// inflight maps execution id to its unacked broker delivery.
	inflight map[string]*broker.Delivery
	// logs buffers per-execution admission log lines, flushed with the
	// terminal record.
	logs map[string][]store.LogLine
}

// New creates a Consumer. Call SetRouter before Run: the orchestrator is
// constructed after the consumer because its result sink is Finalize.
func New(cfg Config) *Consumer {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = cfg.DefaultTimeout + 15*time.Minute
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	return &Consumer{
		queue:          cfg.Queue,
		db:             cfg.Store,
		kvs:            cfg.KV,
		brk:            cfg.Breaker,
		tel:            cfg.Telemetry,
		prewarmer:      cfg.Prewarmer,
		defaultTimeout: cfg.DefaultTimeout,
		pendingTTL:     cfg.PendingTTL,
		retryBase:      cfg.RetryBase,
		workflowCache:  gocache.New(5*time.Minute, 10*time.Minute),
		inflight:       make(map[string]*broker.Delivery),
		logs:           make(map[string][]store.LogLine),
	}
}

// SetRouter wires the orchestrator in after construction.
func (c *Consumer) SetRouter(r Router) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.router = r
}

func pendingKey(executionID string) string {
	return "exec:" + executionID + ":pending"
}

// Run consumes the queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	log.Info(log.CatConsumer, "Consumer started")
	for {
		d, err := c.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				log.Info(log.CatConsumer, "Consumer stopped")
				return nil
			}
			log.ErrorErr(log.CatConsumer, "Receiving from queue", err)
			continue
		}
		c.handle(ctx, d)
	}
}

// handle admits and routes one delivery.
func (c *Consumer) handle(ctx context.Context, d *broker.Delivery) {
	var req execution.Request
	if err := json.Unmarshal(d.Payload, &req); err != nil {
		// Unparseable payloads have no execution id to finalize against;
		// ack to keep them from poisoning the queue.
		log.ErrorErr(log.CatConsumer, "Discarding malformed request", err)
		c.ack(ctx, d)
		return
	}

	if err := req.Validate(); err != nil {
		log.Warn(log.CatConsumer, "Rejecting invalid request",
			"executionID", req.ExecutionID, "error", err)
		c.finalizeDirect(ctx, d, &req, execution.StatusFailed,
			execution.ErrorTypeValidation, err.Error())
		return
	}

	c.appendLog(req.ExecutionID, "info", "request received")

	if err := c.brk.Admit(ctx, req.WorkflowID, req.IsScript); err != nil {
		var blocked *breaker.BlockedError
		if errors.As(err, &blocked) {
			log.Warn(log.CatConsumer, "Execution blocked by blacklist",
				"executionID", req.ExecutionID, "workflowID", req.WorkflowID,
				"reason", blocked.Reason)
			c.tel.Publish(ctx, telemetry.EventExecutionBlocked, map[string]any{
				"execution_id": req.ExecutionID,
				"workflow_id":  req.WorkflowID,
				"reason":       blocked.Reason,
			})
			c.finalizeDirect(ctx, d, &req, execution.StatusBlocked,
				execution.ErrorTypeBlacklisted, blocked.Error())
			return
		}
		// Admission infrastructure failed; leave the message for retry.
		log.ErrorErr(log.CatConsumer, "Admission check failed", err,
			"executionID", req.ExecutionID)
		c.nack(ctx, d)
		return
	}

	pctx, err := c.prepare(ctx, &req)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.finalizeDirect(ctx, d, &req, execution.StatusFailed,
				execution.ErrorTypeValidation,
				fmt.Sprintf("workflow %s not found", req.WorkflowID))
			return
		}
		log.ErrorErr(log.CatConsumer, "Preparing execution context", err,
			"executionID", req.ExecutionID)
		c.nack(ctx, d)
		return
	}

	if c.prewarmer != nil {
		if err := c.prewarmer.Prewarm(ctx, pctx); err != nil {
			log.Warn(log.CatConsumer, "Prewarm failed, continuing",
				"executionID", req.ExecutionID, "error", err)
		}
	}

	// Mirror the pending execution so the admin surface can see work that
	// is admitted but not yet terminal.
	if err := c.kvs.Set(ctx, pendingKey(req.ExecutionID),
		fmt.Sprintf(`{"workflow_id":%q,"admitted_at":%q}`, req.WorkflowID, time.Now().UTC().Format(time.RFC3339)),
		c.pendingTTL); err != nil {
		log.Warn(log.CatConsumer, "Writing pending mirror failed",
			"executionID", req.ExecutionID, "error", err)
	}

	c.mu.Lock()
	router := c.router
	c.inflight[req.ExecutionID] = d
	c.mu.Unlock()

	c.appendLog(req.ExecutionID, "info", "admitted and routed")

	if err := router.Route(pctx); err != nil {
		c.mu.Lock()
		delete(c.inflight, req.ExecutionID)
		c.mu.Unlock()
		log.Warn(log.CatConsumer, "Routing failed, requeueing",
			"executionID", req.ExecutionID, "error", err)
		c.nack(ctx, d)
	}
}

// prepare resolves the workflow, scope, code, and timeout for a request.
func (c *Consumer) prepare(ctx context.Context, req *execution.Request) (*execution.PreparedContext, error) {
	pctx := &execution.PreparedContext{Request: *req}

	if req.IsScript {
		pctx.Code = req.CodeRef
		pctx.WorkflowName = "script"
		pctx.Scope = execution.EffectiveScope(req.OrganizationID, req.CallerOrgID)
		pctx.Timeout = c.resolveTimeout(req, 0)
		return pctx, nil
	}

	wf, err := c.loadWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	pctx.WorkflowName = wf.Name
	pctx.Code = wf.Code
	pctx.Scope = execution.EffectiveScope(wf.OrganizationID, req.CallerOrgID)
	pctx.Timeout = c.resolveTimeout(req, wf.DefaultTimeout)
	return pctx, nil
}

// resolveTimeout picks the per-execution timeout: request override, then
// workflow default, then engine default. Validation has already rejected
// overrides below one second.
func (c *Consumer) resolveTimeout(req *execution.Request, workflowDefault time.Duration) time.Duration {
	if req.TimeoutSeconds != nil {
		return time.Duration(*req.TimeoutSeconds) * time.Second
	}
	if workflowDefault > 0 {
		return workflowDefault
	}
	return c.defaultTimeout
}

// loadWorkflow fetches a definition, caching hits and retrying transient
// store failures with bounded backoff.
func (c *Consumer) loadWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	if cached, ok := c.workflowCache.Get(id); ok {
		return cached.(*store.Workflow), nil
	}

	var wf *store.Workflow
	err := c.withRetry(ctx, func() error {
		var loadErr error
		wf, loadErr = c.db.LoadWorkflow(ctx, id)
		if errors.Is(loadErr, store.ErrNotFound) {
			// Definitive, not transient.
			return backoffAbort{loadErr}
		}
		return loadErr
	})
	var abort backoffAbort
	if errors.As(err, &abort) {
		return nil, abort.error
	}
	if err != nil {
		return nil, err
	}
	c.workflowCache.SetDefault(id, wf)
	return wf, nil
}

// backoffAbort wraps an error that should not be retried.
type backoffAbort struct{ error }

// withRetry runs fn with bounded exponential backoff: 4 attempts starting
// at retryBase and doubling.
func (c *Consumer) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := c.retryBase
	for attempt := 0; attempt < 4; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var abort backoffAbort
		if errors.As(err, &abort) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Finalize is the orchestrator's result sink: it writes the terminal
// record durably, acks the broker message, feeds the circuit breaker, and
// clears the pending mirror. Safe to call for executions this consumer
// never routed; the write is idempotent and a missing delivery just means
// nothing to ack.
func (c *Consumer) Finalize(res execution.ResultMessage) {
	ctx := context.Background()

	rec := &store.ExecutionRecord{
		ExecutionID:  res.ExecutionID,
		WorkflowID:   res.WorkflowID,
		Status:       res.TerminalStatusOf(),
		ErrorType:    res.ErrorType,
		ErrorMessage: res.ErrorMessage,
		StartedAt:    res.StartedAt,
		FinishedAt:   time.Now(),
		DurationMS:   res.Duration.Milliseconds(),
	}
	if res.Kind == execution.ResultSuccess && res.Payload != nil {
		if encoded, err := json.Marshal(res.Payload); err == nil {
			rec.Payload = string(encoded)
		} else {
			log.Warn(log.CatConsumer, "Payload not serializable, storing empty",
				"executionID", res.ExecutionID, "error", err)
		}
	}

	c.appendLog(res.ExecutionID, "info", fmt.Sprintf("terminal status: %s", rec.Status))
	logs := c.drainLogs(res.ExecutionID)

	if err := c.withRetry(ctx, func() error {
		return c.db.WriteExecutionTerminal(ctx, rec, logs)
	}); err != nil {
		// Not durable: leave the delivery unacked so the broker redelivers
		// after restart rather than losing the result.
		log.ErrorErr(log.CatConsumer, "Terminal write failed, leaving message unacked", err,
			"executionID", res.ExecutionID)
		return
	}

	c.mu.Lock()
	d := c.inflight[res.ExecutionID]
	delete(c.inflight, res.ExecutionID)
	c.mu.Unlock()
	if d != nil {
		c.ack(ctx, d)
	}

	if res.Kind == execution.ResultStuck {
		if _, err := c.brk.RecordStuck(ctx, &store.StuckEvent{
			WorkflowID:  res.WorkflowID,
			ExecutionID: res.ExecutionID,
			ElapsedMS:   res.Duration.Milliseconds(),
		}); err != nil {
			log.ErrorErr(log.CatConsumer, "Recording stuck event", err,
				"executionID", res.ExecutionID)
		}
		c.tel.Publish(ctx, telemetry.EventExecutionStuck, map[string]any{
			"execution_id": res.ExecutionID,
			"workflow_id":  res.WorkflowID,
			"elapsed_ms":   res.Duration.Milliseconds(),
		})
	}

	c.workflowCache.Delete(res.WorkflowID)
	if err := c.kvs.Del(ctx, pendingKey(res.ExecutionID)); err != nil {
		log.Warn(log.CatConsumer, "Clearing pending mirror failed",
			"executionID", res.ExecutionID, "error", err)
	}

	log.Info(log.CatConsumer, "Execution finalized",
		"executionID", res.ExecutionID, "status", rec.Status,
		"durationMS", rec.DurationMS)
}

// finalizeDirect writes a terminal record for a request that never reached
// a worker (validation failure, blacklist) and acks its delivery.
func (c *Consumer) finalizeDirect(ctx context.Context, d *broker.Delivery, req *execution.Request, status execution.TerminalStatus, errorType, errorMessage string) {
	c.appendLog(req.ExecutionID, "warn", errorMessage)
	rec := &store.ExecutionRecord{
		ExecutionID:  req.ExecutionID,
		WorkflowID:   req.WorkflowID,
		Status:       status,
		ErrorType:    errorType,
		ErrorMessage: errorMessage,
		FinishedAt:   time.Now(),
	}
	if err := c.withRetry(ctx, func() error {
		return c.db.WriteExecutionTerminal(ctx, rec, c.drainLogs(req.ExecutionID))
	}); err != nil {
		log.ErrorErr(log.CatConsumer, "Terminal write failed, requeueing", err,
			"executionID", req.ExecutionID)
		c.nack(ctx, d)
		return
	}
	c.ack(ctx, d)
}

// InflightCount reports unacked routed executions, for the heartbeat.
func (c *Consumer) InflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Consumer) appendLog(executionID, level, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := c.logs[executionID]
	c.logs[executionID] = append(lines, store.LogLine{
		Seq:     len(lines),
		Level:   level,
		Message: message,
		At:      time.Now().UTC(),
	})
}

func (c *Consumer) drainLogs(executionID string) []store.LogLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := c.logs[executionID]
	delete(c.logs, executionID)
	return lines
}

func (c *Consumer) ack(ctx context.Context, d *broker.Delivery) {
	if err := d.Ack(ctx); err != nil {
		log.ErrorErr(log.CatConsumer, "Acking delivery", err)
	}
}

func (c *Consumer) nack(ctx context.Context, d *broker.Delivery) {
	if err := d.Nack(ctx); err != nil {
		log.ErrorErr(log.CatConsumer, "Nacking delivery", err)
	}
}
