// pkg/endpoint/pending.go
package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

type callResult struct {
	payload json.RawMessage
	err     error
}

// PendingCall is the handle for one in-flight call. It is fulfilled exactly
// once, by a response, a rejection, a timeout or a drain.
type PendingCall struct {
	ID        protocol.RequestID
	Call      protocol.Call
	CreatedAt time.Time

	done  chan callResult // buffered(1), written once
	timer *time.Timer
}

func newPendingCall(id protocol.RequestID, call protocol.Call, now time.Time) *PendingCall {
	return &PendingCall{ID: id, Call: call, CreatedAt: now, done: make(chan callResult, 1)}
}

func (p *PendingCall) finish(res callResult) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- res
}

// Wait blocks until the call is fulfilled or ctx ends. Giving up on ctx only
// abandons the wait; the entry is still cleaned up by its response or a drain.
func (p *PendingCall) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-p.done:
		// Leave the result readable for another Wait.
		p.done <- res
		return res.payload, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s (request %d): %w", p.Call, p.ID, ctx.Err())
	}
}

// CorrelationTable maps outstanding request IDs to their handles. It is not
// safe for concurrent use; the endpoint serializes access under its mutex.
type CorrelationTable struct {
	calls map[protocol.RequestID]*PendingCall
	now   func() time.Time
}

// NewCorrelationTable returns an empty table.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{
		calls: make(map[protocol.RequestID]*PendingCall),
		now:   time.Now,
	}
}

// Register creates the pending entry for id.
func (t *CorrelationTable) Register(id protocol.RequestID, call protocol.Call) (*PendingCall, error) {
	if _, exists := t.calls[id]; exists {
		return nil, fmt.Errorf("register %s: %w: %d", call, ErrDuplicateRequestID, id)
	}
	p := newPendingCall(id, call, t.now())
	t.calls[id] = p
	return p, nil
}

// insert adopts a handle created while the call was queued.
func (t *CorrelationTable) insert(p *PendingCall) error {
	if _, exists := t.calls[p.ID]; exists {
		return fmt.Errorf("register %s: %w: %d", p.Call, ErrDuplicateRequestID, p.ID)
	}
	t.calls[p.ID] = p
	return nil
}

// Resolve fulfills id with payload. Unknown IDs are a no-op and report false.
func (t *CorrelationTable) Resolve(id protocol.RequestID, payload json.RawMessage) bool {
	return t.fulfill(id, callResult{payload: payload})
}

// Reject fulfills id with err. Unknown IDs are a no-op and report false.
func (t *CorrelationTable) Reject(id protocol.RequestID, err error) bool {
	return t.fulfill(id, callResult{err: err})
}

// DrainAll rejects every pending entry with err and returns how many there were.
func (t *CorrelationTable) DrainAll(err error) int {
	n := len(t.calls)
	for id := range t.calls {
		t.fulfill(id, callResult{err: err})
	}
	return n
}

// Len is the number of in-flight calls.
func (t *CorrelationTable) Len() int { return len(t.calls) }

// Lookup returns the in-flight entry for id.
func (t *CorrelationTable) Lookup(id protocol.RequestID) (*PendingCall, bool) {
	p, ok := t.calls[id]
	return p, ok
}

func (t *CorrelationTable) fulfill(id protocol.RequestID, res callResult) bool {
	p, ok := t.calls[id]
	if !ok {
		return false
	}
	delete(t.calls, id)
	p.finish(res)
	return true
}
