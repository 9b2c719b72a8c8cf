package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SpireTech/bifrost/internal/engine/execution"
	"github.com/SpireTech/bifrost/internal/log"
)

// Defaults for the supervisor loop.
const (
	// DefaultPoolSize is the default number of concurrent runner threads.
	DefaultPoolSize = 4
	// DefaultTick is the supervisor poll cadence.
	DefaultTick = 250 * time.Millisecond
	// DefaultCancelGrace is the window between cancellation request and
	// declaring an execution stuck.
	DefaultCancelGrace = 10 * time.Second
	// defaultSnapshotEvery is the number of ticks between snapshot events.
	defaultSnapshotEvery = 4
	// eventBufferSize bounds the worker-to-orchestrator event channel.
	eventBufferSize = 64
)

// ExecutionRunner drives one execution to completion. Implemented by the
// runner package; abstracted here so tests can substitute their own.
type ExecutionRunner interface {
	Run(ctx context.Context, pctx *execution.PreparedContext, cancel *execution.CancelSignal) execution.ResultMessage
}

// Config configures a worker unit.
type Config struct {
	// PID is the synthetic process identifier assigned by the orchestrator.
	PID int
	// Runner executes dispatched work. Required.
	Runner ExecutionRunner
	// PoolSize bounds concurrent executions (default 4).
	PoolSize int
	// CancelGrace is the stuck-declaration grace period (default 10s).
	CancelGrace time.Duration
	// RecycleAfter proactively drains the worker after N completed
	// executions. 0 disables.
	RecycleAfter int
	// Tick is the supervisor poll cadence (default 250ms).
	Tick time.Duration
	// Clock provides time. Defaults to RealClock.
	Clock Clock
}

// Worker is a long-lived worker unit hosting a bounded pool of runner
// threads under a single-threaded cooperative supervisor. All coordination
// with the orchestrator is via the work, control, and event channels; no
// memory is shared mutably across that boundary.
type Worker struct {
	pid          int
	runner       ExecutionRunner
	poolSize     int
	cancelGrace  time.Duration
	recycleAfter int
	tick         time.Duration
	clock        Clock

	work        chan Dispatch
	control     chan Control
	events      chan Event
	completions chan execution.ResultMessage

	mu                  sync.RWMutex
	state               State
	startedAt           time.Time
	executionsCompleted int
	handles             map[string]*execution.Handle
	stuck               map[string]time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	crashed atomic.Bool
	started atomic.Bool
}

// New creates a worker unit. Call Start to launch the supervisor loop.
func New(cfg Config) *Worker {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		pid:          cfg.PID,
		runner:       cfg.Runner,
		poolSize:     cfg.PoolSize,
		cancelGrace:  cfg.CancelGrace,
		recycleAfter: cfg.RecycleAfter,
		tick:         cfg.Tick,
		clock:        cfg.Clock,
		work:         make(chan Dispatch, cfg.PoolSize),
		control:      make(chan Control, 4),
		events:       make(chan Event, eventBufferSize),
		completions:  make(chan execution.ResultMessage, cfg.PoolSize*2),
		state:        StateActive,
		startedAt:    cfg.Clock.Now(),
		handles:      make(map[string]*execution.Handle),
		stuck:        make(map[string]time.Time),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Start launches the supervisor loop. Idempotent.
func (w *Worker) Start() {
	if w.started.Swap(true) {
		return
	}
	go w.run()
}

// PID returns the synthetic process identifier.
func (w *Worker) PID() int { return w.pid }

// Work returns the dispatch channel. The orchestrator sends non-blocking;
// a full channel means the worker is at capacity.
func (w *Worker) Work() chan<- Dispatch { return w.work }

// Events returns the worker-to-orchestrator event channel. It is closed
// when the supervisor loop exits.
func (w *Worker) Events() <-chan Event { return w.events }

// Done is closed when the supervisor loop has stopped, for any reason.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Crashed reports whether the supervisor loop died from a panic rather
// than an orderly exit.
func (w *Worker) Crashed() bool { return w.crashed.Load() }

// Recycle asks the worker to enter PendingKill. Non-blocking.
func (w *Worker) Recycle(reason string) {
	w.sendControl(Control{Action: ControlRecycle, Reason: reason})
}

// Shutdown asks the worker to exit, draining in-flight executions first.
// Non-blocking.
func (w *Worker) Shutdown() {
	w.sendControl(Control{Action: ControlShutdown, Reason: "shutdown"})
}

func (w *Worker) sendControl(c Control) {
	select {
	case w.control <- c:
	default:
		log.Warn(log.CatWorker, "Control channel full, dropping message",
			"pid", w.pid, "action", c.Action)
	}
}

// State returns the current state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// ExecutionsCompleted returns the lifetime completion count.
func (w *Worker) ExecutionsCompleted() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.executionsCompleted
}

// CurrentExecutions returns execution IDs currently hosted, including
// stuck ones.
func (w *Worker) CurrentExecutions() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]string, 0, len(w.handles))
	for id := range w.handles {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot builds a point-in-time view of the worker for heartbeats.
func (w *Worker) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshotLocked()
}

func (w *Worker) snapshotLocked() Snapshot {
	now := w.clock.Now()
	snap := Snapshot{
		PID:                 w.pid,
		State:               w.state,
		StartedAt:           w.startedAt,
		UptimeMS:            now.Sub(w.startedAt).Milliseconds(),
		ExecutionsCompleted: w.executionsCompleted,
	}
	for _, h := range w.handles {
		snap.CurrentExecutions = append(snap.CurrentExecutions, ExecutionSnapshot{
			ExecutionID:  h.ExecutionID,
			WorkflowID:   h.WorkflowID,
			WorkflowName: h.WorkflowName,
			ElapsedMS:    h.Elapsed(now).Milliseconds(),
			Status:       h.Status(),
		})
	}
	for id := range w.stuck {
		snap.StuckExecutions = append(snap.StuckExecutions, id)
	}
	return snap
}

// run is the single-threaded cooperative supervisor loop. It polls on a
// short cadence and never blocks on a single execution. A panic here is
// fatal to the worker: the orchestrator observes the closed Done channel
// and spawns a replacement.
func (w *Worker) run() {
	defer close(w.done)
	defer close(w.events)
	defer w.cancel()
	defer func() {
		if r := recover(); r != nil {
			w.crashed.Store(true)
			log.Error(log.CatWorker, "Supervisor panic, worker dying",
				"pid", w.pid, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	ticks := 0
	for {
		w.drainControl()
		// Completion observation precedes timeout enforcement within a
		// tick: an execution finishing as its timeout fires is a success.
		w.drainCompletions()
		w.acceptWork()
		w.checkDeadlines()

		if w.shouldExit() {
			w.exit()
			return
		}

		ticks++
		if ticks%defaultSnapshotEvery == 0 {
			snap := w.Snapshot()
			w.emit(Event{PID: w.pid, Snapshot: &snap})
		}

		<-ticker.C
	}
}

// drainControl applies all pending control messages.
func (w *Worker) drainControl() {
	for {
		select {
		case c := <-w.control:
			w.applyControl(c)
		default:
			return
		}
	}
}

func (w *Worker) applyControl(c Control) {
	switch c.Action {
	case ControlRecycle:
		w.transition(StatePendingKill, c.Reason)
	case ControlShutdown:
		w.mu.RLock()
		idle := len(w.handles) == 0
		w.mu.RUnlock()
		if idle {
			w.transition(StateExiting, c.Reason)
		} else {
			w.transition(StateDraining, c.Reason)
		}
	default:
		log.Warn(log.CatWorker, "Unknown control action", "pid", w.pid, "action", c.Action)
	}
}

// drainCompletions collects finished runner threads and emits their
// results. Results for handles already declared stuck are discarded:
// once stuck, never done.
func (w *Worker) drainCompletions() {
	for {
		select {
		case res := <-w.completions:
			w.finishExecution(res)
		default:
			return
		}
	}
}

func (w *Worker) finishExecution(res execution.ResultMessage) {
	w.mu.Lock()
	h, ok := w.handles[res.ExecutionID]
	if !ok {
		w.mu.Unlock()
		log.Warn(log.CatWorker, "Completion for unknown execution",
			"pid", w.pid, "executionID", res.ExecutionID)
		return
	}
	if h.Status() == execution.HandleStuck {
		// The thread eventually returned, but the execution was already
		// reported stuck and the terminal record written.
		delete(w.handles, res.ExecutionID)
		delete(w.stuck, res.ExecutionID)
		w.mu.Unlock()
		log.Info(log.CatWorker, "Late completion from stuck execution discarded",
			"pid", w.pid, "executionID", res.ExecutionID)
		return
	}
	if err := h.MarkDone(); err != nil {
		w.mu.Unlock()
		log.ErrorErr(log.CatWorker, "Marking handle done", err,
			"pid", w.pid, "executionID", res.ExecutionID)
		return
	}
	delete(w.handles, res.ExecutionID)
	w.executionsCompleted++
	completed := w.executionsCompleted
	w.mu.Unlock()

	w.emit(Event{PID: w.pid, Result: &res})

	if w.recycleAfter > 0 && completed >= w.recycleAfter && w.State() == StateActive {
		w.transition(StateDraining, fmt.Sprintf("recycle_after:%d", w.recycleAfter))
	}
}

// acceptWork admits queued dispatches while Active with free capacity.
// Dispatches arriving in any other state are returned to the orchestrator.
func (w *Worker) acceptWork() {
	for {
		w.mu.RLock()
		state := w.state
		capacity := w.poolSize - len(w.handles)
		w.mu.RUnlock()

		if state != StateActive {
			// Reject anything queued; a draining worker never accepts.
			select {
			case d := <-w.work:
				log.Info(log.CatWorker, "Rejecting dispatch, worker not active",
					"pid", w.pid, "state", state,
					"executionID", d.Context.Request.ExecutionID)
				w.emit(Event{PID: w.pid, Rejected: &d})
				continue
			default:
				return
			}
		}

		if capacity <= 0 {
			return
		}

		select {
		case d := <-w.work:
			w.startExecution(d.Context)
		default:
			return
		}
	}
}

func (w *Worker) startExecution(pctx *execution.PreparedContext) {
	h := execution.NewHandle(pctx, w.clock.Now())

	w.mu.Lock()
	w.handles[h.ExecutionID] = h
	w.mu.Unlock()

	log.Debug(log.CatWorker, "Execution started",
		"pid", w.pid, "executionID", h.ExecutionID,
		"workflowID", h.WorkflowID, "timeout", h.Timeout)

	// One runner thread per in-flight execution. The thread never talks
	// to the orchestrator directly; it reports back via the completions
	// channel and dies. If the worker exits first the result is dropped
	// with it.
	go func() {
		res := w.runner.Run(w.ctx, pctx, h.Cancel)
		select {
		case w.completions <- res:
		case <-w.done:
		}
	}()
}

// checkDeadlines enforces the timeout / stuck protocol for each handle.
func (w *Worker) checkDeadlines() {
	now := w.clock.Now()

	w.mu.RLock()
	handles := make([]*execution.Handle, 0, len(w.handles))
	for _, h := range w.handles {
		handles = append(handles, h)
	}
	w.mu.RUnlock()

	for _, h := range handles {
		switch h.Status() {
		case execution.HandleRunning:
			if h.TimedOut(now) {
				if h.RequestCancel(now) {
					log.Info(log.CatWorker, "Timeout, cancellation requested",
						"pid", w.pid, "executionID", h.ExecutionID,
						"elapsed", h.Elapsed(now))
				}
			}
		case execution.HandleCancelling:
			if h.GraceExpired(now, w.cancelGrace) {
				w.declareStuck(h, now)
			}
		}
	}
}

// declareStuck marks a handle stuck, emits the stuck result, and drains
// the worker so the stuck thread dies with the process.
func (w *Worker) declareStuck(h *execution.Handle, now time.Time) {
	if err := h.MarkStuck(); err != nil {
		log.ErrorErr(log.CatWorker, "Marking handle stuck", err,
			"pid", w.pid, "executionID", h.ExecutionID)
		return
	}

	w.mu.Lock()
	w.stuck[h.ExecutionID] = now
	w.mu.Unlock()

	elapsed := h.Elapsed(now)
	log.Warn(log.CatWorker, "Execution stuck, ignored cancellation past grace period",
		"pid", w.pid, "executionID", h.ExecutionID,
		"workflowID", h.WorkflowID, "elapsed", elapsed)

	w.emit(Event{PID: w.pid, Result: &execution.ResultMessage{
		Kind:         execution.ResultStuck,
		ExecutionID:  h.ExecutionID,
		WorkflowID:   h.WorkflowID,
		ErrorType:    execution.ErrorTypeStuck,
		ErrorMessage: fmt.Sprintf("execution ignored cancellation for %s after its %s timeout", w.cancelGrace, h.Timeout),
		Duration:     elapsed,
		StartedAt:    h.StartedAt,
	}})

	if w.State() == StateActive {
		w.transition(StateDraining, "stuck_execution")
	}
}

// shouldExit reports whether a draining worker has finished its healthy
// executions. Stuck executions do not block the exit; they are abandoned.
func (w *Worker) shouldExit() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.state == StateExiting {
		return true
	}
	if w.state != StateDraining && w.state != StatePendingKill {
		return false
	}
	for id, h := range w.handles {
		if _, isStuck := w.stuck[id]; !isStuck && !h.Status().IsTerminal() {
			return false
		}
	}
	return true
}

func (w *Worker) exit() {
	if w.State() != StateExiting {
		w.transition(StateExiting, "drain_complete")
	}

	w.mu.RLock()
	abandoned := len(w.stuck)
	w.mu.RUnlock()

	log.Info(log.CatWorker, "Worker exiting",
		"pid", w.pid,
		"completed", w.ExecutionsCompleted(),
		"abandonedStuck", abandoned)
}

// transition moves the worker to the target state and emits a StateChange
// event. Invalid transitions are logged and ignored; state transitions are
// totally ordered because only the supervisor loop calls this.
func (w *Worker) transition(target State, reason string) {
	w.mu.Lock()
	from := w.state
	if !from.CanTransitionTo(target) {
		w.mu.Unlock()
		log.Warn(log.CatWorker, "Invalid state transition ignored",
			"pid", w.pid, "from", from, "to", target, "reason", reason)
		return
	}
	w.state = target
	w.mu.Unlock()

	log.Info(log.CatWorker, "Worker state changed",
		"pid", w.pid, "from", from, "to", target, "reason", reason)

	w.emit(Event{PID: w.pid, StateChange: &StateChange{From: from, To: target, Reason: reason}})
}

// emit sends an event. Results and rejected dispatches block until
// delivered: dropping one loses a terminal outcome or an execution.
// Snapshots and state changes are best-effort.
func (w *Worker) emit(ev Event) {
	if ev.Result != nil || ev.Rejected != nil {
		select {
		case w.events <- ev:
		case <-w.done:
		}
		return
	}
	select {
	case w.events <- ev:
	default:
		log.Warn(log.CatWorker, "Event channel full, dropping event", "pid", w.pid)
	}
}
