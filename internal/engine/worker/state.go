// Package worker implements the long-lived worker unit: a single-threaded
// cooperative supervisor loop scheduling a bounded pool of runner threads,
// with timeout enforcement, stuck detection, and drain semantics.
package worker

// State represents the lifecycle state of a worker unit. Valid transitions:
//
//	Active      -> Draining, PendingKill, Exiting
//	Draining    -> Exiting
//	PendingKill -> Exiting
//	Exiting     -> (terminal)
//
// Active -> Draining is monotonic: a draining worker never accepts new
// work again. Active -> Exiting happens only on shutdown with no current
// executions.
type State string

const (
	// StateActive accepts new executions.
	StateActive State = "active"
	// StateDraining rejects new work and exits when all healthy
	// executions finish. Stuck executions are abandoned at exit.
	StateDraining State = "draining"
	// StatePendingKill behaves like Draining for acceptance but is
	// surfaced separately in telemetry: an operator asked for the kill.
	StatePendingKill State = "pending_kill"
	// StateExiting is terminal; the supervisor loop has stopped.
	StateExiting State = "exiting"
)

// validTransitions defines the allowed state transitions for worker units.
var validTransitions = map[State]map[State]bool{
	StateActive: {
		StateDraining:    true,
		StatePendingKill: true,
		StateExiting:     true,
	},
	StateDraining: {
		StateExiting: true,
	},
	StatePendingKill: {
		StateExiting: true,
	},
	// Terminal state has no valid transitions
	StateExiting: {},
}

// String returns the string representation of the State.
func (s State) String() string {
	return string(s)
}

// AcceptsWork returns true if the worker may take new executions.
func (s State) AcceptsWork() bool {
	return s == StateActive
}

// IsTerminal returns true if this is the terminal state.
func (s State) IsTerminal() bool {
	return s == StateExiting
}

// CanTransitionTo returns true if transitioning from the current state to
// the target state is valid.
func (s State) CanTransitionTo(target State) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}
