// Package orchestrator owns the pool of worker units: spawning, routing,
// proactive replacement, crash recovery, and graceful shutdown. It is the
// only component that talks to workers, always through their channels.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/SpireTech/bifrost/internal/engine/execution"
	"github.com/SpireTech/bifrost/internal/engine/worker"
	"github.com/SpireTech/bifrost/internal/log"
)

// ErrNoCapacity is returned by Route when every worker is saturated and the
// pool is at its maximum size. The caller should retry later.
var ErrNoCapacity = errors.New("no worker capacity available")

// ErrStopped is returned by Route after Stop has been called.
var ErrStopped = errors.New("orchestrator stopped")

// ErrUnknownPID is returned when a control operation names a worker the
// orchestrator does not track.
var ErrUnknownPID = errors.New("unknown worker pid")

// ResultSink receives terminal results forwarded from workers. Implemented
// by the consumer's finalization path.
type ResultSink func(res execution.ResultMessage)

// StateChangeHook observes worker state transitions, for telemetry.
type StateChangeHook func(pid int, change worker.StateChange)

// Config configures the orchestrator.
type Config struct {
	// Runner executes dispatched work in every spawned worker. Required.
	Runner worker.ExecutionRunner
	// OnResult receives every terminal result. Required.
	OnResult ResultSink
	// OnStateChange observes worker transitions. Optional.
	OnStateChange StateChangeHook
	// MinWorkers is the number of workers warmed at start (default 2).
	MinWorkers int
	// MaxWorkers caps the pool, counting draining workers (default 10).
	MaxWorkers int
	// PoolSize is each worker's concurrent execution bound.
	PoolSize int
	// CancelGrace is each worker's stuck-declaration grace period.
	CancelGrace time.Duration
	// RecycleAfter is each worker's proactive recycle threshold. 0 disables.
	RecycleAfter int
	// GracefulShutdown bounds how long Stop waits for draining workers.
	GracefulShutdown time.Duration
	// WorkerTick overrides the worker supervisor cadence, for tests.
	WorkerTick time.Duration
	// Clock provides time to spawned workers. Defaults to the real clock.
	Clock worker.Clock
}

// record is the orchestrator's view of one worker unit.
type record struct {
	w *worker.Worker
	// replaced is set once a successor for this worker has been spawned,
	// so a Draining transition triggers at most one replacement.
	replaced bool
}

// Orchestrator manages the worker pool.
type Orchestrator struct {
	cfg     Config
	mu      sync.Mutex
	workers map[int]*record
	nextPID int
	stopped bool
	wg      sync.WaitGroup
}

// New creates an orchestrator and warms MinWorkers workers.
func New(cfg Config) *Orchestrator {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 2
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = worker.RealClock{}
	}

	o := &Orchestrator{
		cfg:     cfg,
		workers: make(map[int]*record),
	}

	o.mu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		o.spawnLocked("warm_start")
	}
	o.mu.Unlock()

	return o
}

// spawnLocked creates and starts a worker. Caller holds o.mu.
func (o *Orchestrator) spawnLocked(reason string) *record {
	o.nextPID++
	pid := o.nextPID

	w := worker.New(worker.Config{
		PID:          pid,
		Runner:       o.cfg.Runner,
		PoolSize:     o.cfg.PoolSize,
		CancelGrace:  o.cfg.CancelGrace,
		RecycleAfter: o.cfg.RecycleAfter,
		Tick:         o.cfg.WorkerTick,
		Clock:        o.cfg.Clock,
	})
	rec := &record{w: w}
	o.workers[pid] = rec
	w.Start()

	log.Info(log.CatOrch, "Worker spawned", "pid", pid, "reason", reason, "poolSize", len(o.workers))

	o.wg.Add(2)
	go o.drainEvents(rec)
	go o.watchExit(rec)
	return rec
}

// drainEvents consumes one worker's event channel until it closes.
func (o *Orchestrator) drainEvents(rec *record) {
	defer o.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatOrch, "Event drain panic",
				"pid", rec.w.PID(), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	for ev := range rec.w.Events() {
		switch {
		case ev.Result != nil:
			o.cfg.OnResult(*ev.Result)
		case ev.StateChange != nil:
			o.handleStateChange(rec, *ev.StateChange)
		case ev.Snapshot != nil:
			// Periodic snapshots are informational; readers pull fresh
			// state through Snapshots instead.
		case ev.Rejected != nil:
			o.reroute(ev.Rejected.Context)
		}
	}
}

func (o *Orchestrator) handleStateChange(rec *record, change worker.StateChange) {
	if o.cfg.OnStateChange != nil {
		o.cfg.OnStateChange(rec.w.PID(), change)
	}

	// A worker leaving Active stops accepting work permanently. Spawn the
	// replacement now rather than when it exits, so capacity never dips
	// below the warm minimum no matter how many drain at once.
	if change.From == worker.StateActive && change.To != worker.StateActive {
		o.mu.Lock()
		if !o.stopped && !rec.replaced {
			rec.replaced = true
			if len(o.workers) < o.cfg.MaxWorkers {
				o.spawnLocked("replace:" + change.Reason)
			}
		}
		o.mu.Unlock()
	}
}

// reroute re-dispatches an execution a worker bounced back.
func (o *Orchestrator) reroute(pctx *execution.PreparedContext) {
	if err := o.Route(pctx); err != nil {
		// Nowhere to put it. Fail it so the broker message is finalized
		// rather than silently lost.
		log.ErrorErr(log.CatOrch, "Rerouting rejected execution", err,
			"executionID", pctx.Request.ExecutionID)
		o.cfg.OnResult(execution.ResultMessage{
			Kind:         execution.ResultFailure,
			ExecutionID:  pctx.Request.ExecutionID,
			WorkflowID:   pctx.Request.WorkflowID,
			ErrorType:    execution.ErrorTypeRuntime,
			ErrorMessage: fmt.Sprintf("no worker available: %v", err),
		})
	}
}

// watchExit waits for one worker's supervisor loop to stop, recovers any
// executions a crash orphaned, and removes the record.
func (o *Orchestrator) watchExit(rec *record) {
	defer o.wg.Done()
	<-rec.w.Done()

	pid := rec.w.PID()
	crashed := rec.w.Crashed() || rec.w.State() != worker.StateExiting
	// The supervisor loop is gone; read its final in-flight set directly
	// rather than from the periodic snapshot, which can trail dispatches.
	snap := rec.w.Snapshot()

	o.mu.Lock()
	delete(o.workers, pid)
	needReplacement := !o.stopped && o.countActiveLocked() < o.cfg.MinWorkers &&
		len(o.workers) < o.cfg.MaxWorkers
	if needReplacement {
		o.spawnLocked("worker_exit")
	}
	o.mu.Unlock()

	if crashed {
		log.Error(log.CatOrch, "Worker died without orderly exit", "pid", pid,
			"inflight", len(snap.CurrentExecutions))
		stuck := make(map[string]bool, len(snap.StuckExecutions))
		for _, id := range snap.StuckExecutions {
			stuck[id] = true
		}
		for _, ex := range snap.CurrentExecutions {
			if stuck[ex.ExecutionID] {
				// Already reported as a stuck result when it was declared.
				continue
			}
			o.cfg.OnResult(execution.ResultMessage{
				Kind:         execution.ResultFailure,
				ExecutionID:  ex.ExecutionID,
				WorkflowID:   ex.WorkflowID,
				ErrorType:    execution.ErrorTypeWorkerCrashed,
				ErrorMessage: fmt.Sprintf("worker %d crashed while hosting this execution", pid),
			})
		}
	} else {
		log.Info(log.CatOrch, "Worker retired", "pid", pid,
			"completed", snap.ExecutionsCompleted)
	}
}

func (o *Orchestrator) countActiveLocked() int {
	n := 0
	for _, rec := range o.workers {
		if rec.w.State() == worker.StateActive {
			n++
		}
	}
	return n
}

// Route dispatches a prepared execution to an Active worker with free
// channel capacity, spawning a new worker when none has room and the pool
// is under its cap.
func (o *Orchestrator) Route(pctx *execution.PreparedContext) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return ErrStopped
	}

	d := worker.Dispatch{Context: pctx}
	for _, rec := range o.workers {
		if rec.w.State() != worker.StateActive {
			continue
		}
		select {
		case rec.w.Work() <- d:
			log.Debug(log.CatOrch, "Execution routed",
				"executionID", pctx.Request.ExecutionID, "pid", rec.w.PID())
			return nil
		default:
			// Saturated; try the next one.
		}
	}

	if len(o.workers) < o.cfg.MaxWorkers {
		rec := o.spawnLocked("demand")
		select {
		case rec.w.Work() <- d:
			return nil
		default:
			return ErrNoCapacity
		}
	}

	return ErrNoCapacity
}

// RecycleProcess asks one worker to drain and exit, spawning its
// replacement first so the pool never loses its last Active worker.
func (o *Orchestrator) RecycleProcess(pid int, reason string) error {
	o.mu.Lock()
	rec, ok := o.workers[pid]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownPID, pid)
	}
	if !o.stopped && !rec.replaced {
		rec.replaced = true
		if len(o.workers) < o.cfg.MaxWorkers {
			o.spawnLocked("recycle_replacement")
		}
	}
	o.mu.Unlock()

	log.Info(log.CatOrch, "Recycling worker", "pid", pid, "reason", reason)
	rec.w.Recycle(reason)
	return nil
}

// Snapshots returns the current snapshot of every tracked worker.
func (o *Orchestrator) Snapshots() []worker.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]worker.Snapshot, 0, len(o.workers))
	for _, rec := range o.workers {
		out = append(out, rec.w.Snapshot())
	}
	return out
}

// WorkerCount returns the current pool size including draining workers.
func (o *Orchestrator) WorkerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.workers)
}

// ActiveCount returns how many workers currently accept work.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.countActiveLocked()
}

// Stop drains the pool: every worker is asked to shut down and Stop waits
// for them, bounded by the configured graceful shutdown window and the
// caller's context. Workers still alive past the deadline are abandoned
// with their stuck executions.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	recs := make([]*record, 0, len(o.workers))
	for _, rec := range o.workers {
		recs = append(recs, rec)
	}
	o.mu.Unlock()

	log.Info(log.CatOrch, "Stopping worker pool", "workers", len(recs))
	for _, rec := range recs {
		rec.w.Shutdown()
	}

	deadline := o.cfg.GracefulShutdown
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info(log.CatOrch, "Worker pool drained")
		return nil
	case <-timer.C:
		return fmt.Errorf("shutdown deadline exceeded after %s", deadline)
	case <-ctx.Done():
		return ctx.Err()
	}
}
