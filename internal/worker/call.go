package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"visiond/pkg/types"
)

// call tracks one invocation from submission to a terminal state. The
// deadline starts at submission and covers queue wait, environment wait and
// execution.
type call struct {
	id      string
	model   string
	payload json.RawMessage

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     types.CallState
	output    json.RawMessage
	errMsg    string
	submitted time.Time
	finished  time.Time
	cancelled bool
}

func newCall(id, model string, payload json.RawMessage, timeout time.Duration) *call {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return &call{
		id:        id,
		model:     model,
		payload:   payload,
		ctx:       ctx,
		cancel:    cancel,
		state:     types.CallQueued,
		submitted: time.Now(),
	}
}

func (c *call) setRunning() {
	c.mu.Lock()
	if c.state == types.CallQueued {
		c.state = types.CallRunning
	}
	c.mu.Unlock()
}

// finish moves the call to a terminal state once; later attempts are no-ops.
func (c *call) finish(state types.CallState, output json.RawMessage, errMsg string) {
	c.mu.Lock()
	if !c.state.Terminal() {
		c.state = state
		c.output = output
		c.errMsg = errMsg
		c.finished = time.Now()
	}
	c.mu.Unlock()
	c.cancel()
}

// requestCancel flags the call and fires its context. Returns false when the
// call already reached a terminal state.
func (c *call) requestCancel() bool {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	c.cancelled = true
	c.mu.Unlock()
	c.cancel()
	return true
}

func (c *call) wasCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *call) snapshot() types.CallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := types.CallStatus{
		CallID:      c.id,
		Model:       c.model,
		State:       c.state,
		Output:      c.output,
		Error:       c.errMsg,
		SubmittedAt: c.submitted.Unix(),
	}
	if !c.finished.IsZero() {
		st.FinishedAt = c.finished.Unix()
	}
	return st
}

// classify maps a context error on an unfinished call to its terminal state:
// an explicit cancel wins over the deadline.
func (c *call) classify(err error) (types.CallState, string) {
	if c.wasCancelled() {
		return types.CallCancelled, "cancelled by caller"
	}
	if err == context.DeadlineExceeded || c.ctx.Err() == context.DeadlineExceeded {
		return types.CallTimedOut, "call deadline exceeded"
	}
	return types.CallCancelled, "cancelled"
}
