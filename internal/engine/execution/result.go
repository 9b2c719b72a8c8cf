package execution

import "time"

// TerminalStatus classifies the final outcome of an execution.
type TerminalStatus string

const (
	StatusSuccess   TerminalStatus = "success"
	StatusFailed    TerminalStatus = "failed"
	StatusTimeout   TerminalStatus = "timeout"
	StatusStuck     TerminalStatus = "stuck"
	StatusCancelled TerminalStatus = "cancelled"
	StatusBlocked   TerminalStatus = "blocked"
)

// Error type classifications carried on failure results.
const (
	ErrorTypeUser          = "UserError"
	ErrorTypeRuntime       = "RuntimeError"
	ErrorTypeTimeout       = "Timeout"
	ErrorTypeCancelled     = "Cancelled"
	ErrorTypeStuck         = "ExecutionStuck"
	ErrorTypeValidation    = "ValidationError"
	ErrorTypeBlacklisted   = "WorkflowBlacklisted"
	ErrorTypeWorkerCrashed = "WorkerCrashed"
)

// ResultKind tags a ResultMessage.
type ResultKind string

const (
	// ResultSuccess carries the sandbox's return value.
	ResultSuccess ResultKind = "success"
	// ResultFailure carries a classified error.
	ResultFailure ResultKind = "failure"
	// ResultStuck marks an execution that ignored cancellation past the
	// grace period. Produced by the worker supervisor, not the runner.
	ResultStuck ResultKind = "stuck"
)

// ResultMessage is the tagged terminal message for one execution, sent from
// the worker to the orchestrator and forwarded to the consumer.
type ResultMessage struct {
	Kind        ResultKind
	ExecutionID string
	WorkflowID  string
	// Payload is the sandbox return value. Set only for ResultSuccess.
	Payload any
	// ErrorType and ErrorMessage classify the failure. Set for
	// ResultFailure and ResultStuck.
	ErrorType    string
	ErrorMessage string
	// Duration is wall time from dispatch to terminal outcome.
	Duration time.Duration
	// StartedAt is when the execution began running.
	StartedAt time.Time
}

// TerminalStatusOf maps a result message to its persisted terminal status.
func (m ResultMessage) TerminalStatusOf() TerminalStatus {
	switch m.Kind {
	case ResultSuccess:
		return StatusSuccess
	case ResultStuck:
		return StatusStuck
	default:
		switch m.ErrorType {
		case ErrorTypeTimeout:
			return StatusTimeout
		case ErrorTypeCancelled:
			return StatusCancelled
		default:
			return StatusFailed
		}
	}
}
