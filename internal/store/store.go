// Package store is the durable system of record: workflow definitions,
// terminal execution results, execution logs, the workflow blacklist, and
// stuck-event history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/SpireTech/bifrost/internal/engine/execution"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Workflow is a stored workflow definition.
type Workflow struct {
	ID             string
	OrganizationID string
	Name           string
	Code           string
	// DefaultTimeout applies when a request carries no override. Zero means
	// use the engine default.
	DefaultTimeout time.Duration
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExecutionRecord is the terminal record for one execution. Exactly one is
// written per execution id; later writes for the same id are ignored.
type ExecutionRecord struct {
	ExecutionID  string
	WorkflowID   string
	Status       execution.TerminalStatus
	Payload      string
	ErrorType    string
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time
	DurationMS   int64
}

// LogLine is one buffered log line flushed with an execution's terminal
// record.
type LogLine struct {
	Seq     int
	Level   string
	Message string
	At      time.Time
}

// BlacklistEntry blocks one workflow from admission. At most one active
// entry exists per workflow; removal is a tombstone, not a delete, so the
// audit trail survives.
type BlacklistEntry struct {
	ID         int64
	WorkflowID string
	Reason     string
	AddedBy    string
	AddedAt    time.Time
	Removed    bool
	RemovedBy  string
	RemovedAt  *time.Time
}

// StuckEvent records one stuck declaration for offline analysis.
type StuckEvent struct {
	ID          int64
	WorkflowID  string
	ExecutionID string
	WorkerPID   int
	ElapsedMS   int64
	At          time.Time
}

// StuckCount aggregates stuck events per workflow over a window. Name is
// empty when the workflow definition no longer exists.
type StuckCount struct {
	WorkflowID string
	Name       string
	Count      int
	LastAt     time.Time
}

// Store is the persistence interface for the execution engine.
type Store interface {
	// LoadWorkflow fetches a workflow definition by id.
	LoadWorkflow(ctx context.Context, id string) (*Workflow, error)
	// PutWorkflow inserts or replaces a workflow definition.
	PutWorkflow(ctx context.Context, wf *Workflow) error

	// WriteExecutionTerminal writes the terminal record and its buffered
	// logs in one transaction. Writing the same execution id twice is a
	// no-op: the first terminal result wins.
	WriteExecutionTerminal(ctx context.Context, rec *ExecutionRecord, logs []LogLine) error
	// GetExecution fetches a terminal record by execution id.
	GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error)
	// GetExecutionLogs fetches the logs flushed with a terminal record, in
	// sequence order.
	GetExecutionLogs(ctx context.Context, executionID string) ([]LogLine, error)

	// GetActiveBlacklistEntry returns the active entry for a workflow, or
	// ErrNotFound.
	GetActiveBlacklistEntry(ctx context.Context, workflowID string) (*BlacklistEntry, error)
	// AddBlacklistEntry creates an active entry unless one already exists;
	// in that case it returns the existing entry and no error, so
	// concurrent trippers converge on one entry. The bool reports whether
	// this call created the entry.
	AddBlacklistEntry(ctx context.Context, workflowID, reason, addedBy string) (*BlacklistEntry, bool, error)
	// RemoveBlacklistEntry tombstones the active entry for a workflow.
	// Returns ErrNotFound when none is active.
	RemoveBlacklistEntry(ctx context.Context, workflowID, removedBy string) error
	// ListBlacklist returns entries, active only or including removed.
	ListBlacklist(ctx context.Context, includeRemoved bool) ([]BlacklistEntry, error)

	// RecordStuckEvent appends one stuck declaration.
	RecordStuckEvent(ctx context.Context, ev *StuckEvent) error
	// StuckHistory aggregates stuck events per workflow since the cutoff.
	StuckHistory(ctx context.Context, since time.Time) ([]StuckCount, error)

	Close() error
}
