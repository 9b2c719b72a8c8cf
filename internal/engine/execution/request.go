// Package execution provides the foundational types for the execution
// engine: the broker request payload, the in-worker execution handle and
// its state machine, result messages, cancellation, and tenant scope
// resolution.
package execution

import (
	"fmt"
	"time"
)

// Request is the payload the consumer receives from the broker.
// Requests are immutable after enqueue.
type Request struct {
	// ExecutionID is the opaque unique identifier for this execution.
	ExecutionID string `json:"execution_id"`
	// WorkflowID is the stable identity of the workflow. Empty for
	// script-mode executions.
	WorkflowID string `json:"workflow_id,omitempty"`
	// OrganizationID is the tenant scope. Empty for global workflows.
	OrganizationID string `json:"organization_id,omitempty"`
	// CallerOrgID is the caller's scope, used for global-workflow scope
	// resolution.
	CallerOrgID string `json:"caller_org_id,omitempty"`
	// CodeRef locates the workflow source. For script-mode executions it
	// carries the source itself.
	CodeRef string `json:"code_ref,omitempty"`
	// Params maps parameter names to values.
	Params map[string]any `json:"params,omitempty"`
	// TimeoutSeconds overrides the workflow's default timeout. Nil means
	// no override; values below 1 are invalid.
	TimeoutSeconds *int `json:"timeout_seconds,omitempty"`
	// IsScript marks script-mode executions, which bypass the blacklist.
	IsScript bool `json:"is_script,omitempty"`
	// EnqueuedAt is when the request entered the broker.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Validate checks the request for admission. A request with an explicit
// timeout override below one second is invalid; an absent override means
// "use the default".
func (r *Request) Validate() error {
	if r.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	if r.WorkflowID == "" && !r.IsScript {
		return fmt.Errorf("workflow_id is required for non-script executions")
	}
	if r.IsScript && r.CodeRef == "" {
		return fmt.Errorf("code_ref is required for script executions")
	}
	if r.TimeoutSeconds != nil && *r.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds must be >= 1 when set, got %d", *r.TimeoutSeconds)
	}
	return nil
}

// PreparedContext is everything a worker needs to run one execution. The
// consumer builds it at admission time; it is immutable once routed.
type PreparedContext struct {
	Request      Request
	WorkflowName string
	// Code is the resolved workflow source.
	Code string
	// Scope is the effective tenant scope per the resolution rule.
	Scope Scope
	// Timeout is the resolved per-execution timeout.
	Timeout time.Duration
}
