package worker

import (
	"time"

	"github.com/SpireTech/bifrost/internal/engine/execution"
)

// Dispatch asks a worker to run one prepared execution.
type Dispatch struct {
	Context *execution.PreparedContext
}

// ControlAction identifies a control message.
type ControlAction string

const (
	// ControlRecycle asks the worker to enter PendingKill: reject new
	// work, finish healthy executions, then exit.
	ControlRecycle ControlAction = "recycle"
	// ControlShutdown asks the worker to exit, draining first if
	// executions are in flight.
	ControlShutdown ControlAction = "shutdown"
)

// Control is a message on the worker's control channel.
type Control struct {
	Action ControlAction
	Reason string
}

// StateChange reports a worker state transition on the event channel.
type StateChange struct {
	From   State
	To     State
	Reason string
}

// ExecutionSnapshot describes one in-flight execution for heartbeats.
type ExecutionSnapshot struct {
	ExecutionID  string                 `json:"execution_id"`
	WorkflowID   string                 `json:"workflow_id,omitempty"`
	WorkflowName string                 `json:"workflow_name,omitempty"`
	ElapsedMS    int64                  `json:"elapsed_ms"`
	Status       execution.HandleStatus `json:"status"`
}

// Snapshot is a point-in-time view of a worker unit, used to build
// heartbeats and the admin worker listing.
type Snapshot struct {
	PID                 int                 `json:"pid"`
	State               State               `json:"state"`
	StartedAt           time.Time           `json:"started_at"`
	UptimeMS            int64               `json:"uptime_ms"`
	ExecutionsCompleted int                 `json:"executions_completed"`
	CurrentExecutions   []ExecutionSnapshot `json:"current_executions"`
	StuckExecutions     []string            `json:"stuck_executions,omitempty"`
}

// Event is the worker-to-orchestrator message. Exactly one field is set.
type Event struct {
	PID int
	// Result is a terminal outcome for one execution.
	Result *execution.ResultMessage
	// StateChange reports a state transition.
	StateChange *StateChange
	// Snapshot is a periodic heartbeat snapshot.
	Snapshot *Snapshot
	// Rejected returns a dispatch the worker could not accept.
	Rejected *Dispatch
}

// Clock provides time for the supervisor loop. Use the real clock in
// production and a fake in tests.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }
