package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// seconds builds a timeout override in place.
func seconds(n int) *int { return &n }

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"valid workflow", Request{ExecutionID: "e1", WorkflowID: "wf-1"}, false},
		{"valid script", Request{ExecutionID: "e1", IsScript: true, CodeRef: "x"}, false},
		{"missing execution id", Request{WorkflowID: "wf-1"}, true},
		{"missing workflow id", Request{ExecutionID: "e1"}, true},
		{"script without code", Request{ExecutionID: "e1", IsScript: true}, true},
		{"negative timeout", Request{ExecutionID: "e1", WorkflowID: "wf-1", TimeoutSeconds: seconds(-1)}, true},
		{"explicit zero timeout", Request{ExecutionID: "e1", WorkflowID: "wf-1", TimeoutSeconds: seconds(0)}, true},
		{"absent timeout means default", Request{ExecutionID: "e1", WorkflowID: "wf-1"}, false},
		{"positive timeout", Request{ExecutionID: "e1", WorkflowID: "wf-1", TimeoutSeconds: seconds(60)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEffectiveScope(t *testing.T) {
	// Workflow org wins; caller org fills in for global workflows; both
	// empty means global scope.
	assert.Equal(t, "org-1", EffectiveScope("org-1", "org-2").OrganizationID)
	assert.Equal(t, "org-2", EffectiveScope("", "org-2").OrganizationID)
	assert.True(t, EffectiveScope("", "").IsGlobal())
}

func TestCancelSignalIdempotent(t *testing.T) {
	s := NewCancelSignal()
	assert.False(t, s.IsSet())

	s.Set()
	s.Set() // second set is a no-op
	assert.True(t, s.IsSet())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done channel not closed after Set")
	}
}

func newRunningHandle(now time.Time) *Handle {
	return NewHandle(&PreparedContext{
		Request: Request{ExecutionID: "e1", WorkflowID: "wf-1"},
		Timeout: 30 * time.Second,
	}, now)
}

func TestHandleTimeoutAndGrace(t *testing.T) {
	start := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	h := newRunningHandle(start)

	assert.False(t, h.TimedOut(start.Add(30*time.Second)), "boundary is exclusive")
	assert.True(t, h.TimedOut(start.Add(31*time.Second)))

	// Grace is measured from the first cancellation request only.
	assert.False(t, h.GraceExpired(start.Add(time.Hour), 10*time.Second),
		"no grace before cancellation was requested")

	cancelAt := start.Add(31 * time.Second)
	require.True(t, h.RequestCancel(cancelAt))
	assert.True(t, h.Cancel.IsSet())
	assert.Equal(t, HandleCancelling, h.Status())

	require.False(t, h.RequestCancel(cancelAt.Add(5*time.Second)), "idempotent")
	assert.Equal(t, cancelAt, *h.CancelRequestedAt(), "grace clock did not move")

	assert.False(t, h.GraceExpired(cancelAt.Add(10*time.Second), 10*time.Second))
	assert.True(t, h.GraceExpired(cancelAt.Add(11*time.Second), 10*time.Second))
}

func TestHandleOnceStuckNeverDone(t *testing.T) {
	now := time.Now()
	h := newRunningHandle(now)

	require.Error(t, h.MarkStuck(), "cannot be stuck before cancellation")
	require.True(t, h.RequestCancel(now))
	require.NoError(t, h.MarkStuck())
	assert.Equal(t, HandleStuck, h.Status())

	assert.Error(t, h.MarkDone(), "once stuck, never done")
	assert.Equal(t, HandleStuck, h.Status())
}

func TestHandleDoneFromRunningAndCancelling(t *testing.T) {
	now := time.Now()

	h := newRunningHandle(now)
	require.NoError(t, h.MarkDone())
	assert.Equal(t, HandleDone, h.Status())
	assert.False(t, h.RequestCancel(now), "terminal handles cannot be cancelled")

	h = newRunningHandle(now)
	require.True(t, h.RequestCancel(now))
	require.NoError(t, h.MarkDone(), "a cancelling execution may still finish")
}

func TestTerminalStatusOf(t *testing.T) {
	tests := []struct {
		name string
		msg  ResultMessage
		want TerminalStatus
	}{
		{"success", ResultMessage{Kind: ResultSuccess}, StatusSuccess},
		{"stuck", ResultMessage{Kind: ResultStuck, ErrorType: ErrorTypeStuck}, StatusStuck},
		{"timeout", ResultMessage{Kind: ResultFailure, ErrorType: ErrorTypeTimeout}, StatusTimeout},
		{"cancelled", ResultMessage{Kind: ResultFailure, ErrorType: ErrorTypeCancelled}, StatusCancelled},
		{"user error", ResultMessage{Kind: ResultFailure, ErrorType: ErrorTypeUser}, StatusFailed},
		{"runtime error", ResultMessage{Kind: ResultFailure, ErrorType: ErrorTypeRuntime}, StatusFailed},
		{"worker crash", ResultMessage{Kind: ResultFailure, ErrorType: ErrorTypeWorkerCrashed}, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.TerminalStatusOf())
		})
	}
}

// The handle state machine never leaves a terminal state, and a stuck
// handle can never become done, under any operation sequence.
func TestHandleStateMachineProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		now := time.Now()
		h := newRunningHandle(now)
		wasStuck := false

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 30).Draw(t, "ops")
		for i, op := range ops {
			at := now.Add(time.Duration(i) * time.Second)
			switch op {
			case 0:
				h.RequestCancel(at)
			case 1:
				_ = h.MarkStuck()
			case 2:
				_ = h.MarkDone()
			}
			if h.Status() == HandleStuck {
				wasStuck = true
			}
			if wasStuck && h.Status() != HandleStuck {
				t.Fatalf("handle left Stuck for %s", h.Status())
			}
		}
	})
}
