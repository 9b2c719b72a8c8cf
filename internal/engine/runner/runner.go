// Package runner drives a single execution from "context ready" to a
// terminal outcome, cooperating with cancellation. Timeout enforcement is
// the worker supervisor's job; the runner never blocks on behalf of the
// sandbox beyond what the sandbox itself does.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/SpireTech/bifrost/internal/engine/execution"
	"github.com/SpireTech/bifrost/internal/engine/sandbox"
	"github.com/SpireTech/bifrost/internal/log"
)

// Runner invokes the sandbox for one execution at a time.
type Runner struct {
	sandbox sandbox.Sandbox
	secrets sandbox.SecretSource
	config  sandbox.ConfigSource
}

// New creates a Runner. secrets and config may be nil; capability calls
// against them then fail as user errors.
func New(sb sandbox.Sandbox, secrets sandbox.SecretSource, config sandbox.ConfigSource) *Runner {
	return &Runner{sandbox: sb, secrets: secrets, config: config}
}

// Run executes one prepared context to completion and returns its result
// message. The handle's cancel signal is exposed to the sandbox and to
// every capability object; if the sandbox ignores it the supervisor will
// eventually declare the execution stuck and discard this result.
// A sandbox panic is confined here and reported as a runtime error.
func (r *Runner) Run(ctx context.Context, pctx *execution.PreparedContext, cancel *execution.CancelSignal) (msg execution.ResultMessage) {
	started := time.Now()
	msg = execution.ResultMessage{
		ExecutionID: pctx.Request.ExecutionID,
		WorkflowID:  pctx.Request.WorkflowID,
		StartedAt:   started,
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error(log.CatRunner, "Sandbox panic recovered",
				"executionID", pctx.Request.ExecutionID,
				"panic", rec,
				"stack", string(debug.Stack()))
			msg.Kind = execution.ResultFailure
			msg.ErrorType = execution.ErrorTypeRuntime
			msg.ErrorMessage = fmt.Sprintf("panic: %v", rec)
			msg.Duration = time.Since(started)
		}
	}()

	env := &sandbox.Env{
		Code:         pctx.Code,
		Params:       pctx.Request.Params,
		Scope:        pctx.Scope,
		Cancel:       cancel,
		Capabilities: sandbox.NewCapabilitySet(pctx.Scope, cancel, r.secrets, r.config),
	}

	log.Debug(log.CatRunner, "Invoking sandbox",
		"executionID", pctx.Request.ExecutionID,
		"workflowID", pctx.Request.WorkflowID,
		"scope", pctx.Scope)

	payload, err := r.sandbox.Execute(ctx, env)
	msg.Duration = time.Since(started)

	if err != nil {
		msg.Kind = execution.ResultFailure
		msg.ErrorType, msg.ErrorMessage = classify(err, cancel)
		return msg
	}

	msg.Kind = execution.ResultSuccess
	msg.Payload = payload
	return msg
}

// classify maps a sandbox error to an engine error type. A cancellation
// error after the supervisor requested cancellation is a timeout: the
// sandbox cooperated with a deadline-triggered cancel.
func classify(err error, cancel *execution.CancelSignal) (errorType, errorMessage string) {
	var userErr *sandbox.UserError
	switch {
	case errors.Is(err, sandbox.ErrCancelled), errors.Is(err, context.Canceled):
		if cancel != nil && cancel.IsSet() {
			return execution.ErrorTypeTimeout, "execution cancelled after exceeding its timeout"
		}
		return execution.ErrorTypeCancelled, err.Error()
	case errors.As(err, &userErr):
		return execution.ErrorTypeUser, userErr.Msg
	default:
		return execution.ErrorTypeRuntime, err.Error()
	}
}
