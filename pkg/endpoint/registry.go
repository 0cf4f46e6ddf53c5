// pkg/endpoint/registry.go
package endpoint

import (
	"context"

	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

// Handler receives the pushes of one subscription. Handlers run one at a
// time on the endpoint's dispatch goroutine, in arrival order and, for a
// key, in registration order. A handler may make calls and release
// subscriptions; a slow one delays later pushes but not responses.
type Handler func(push protocol.Push)

type entryState int

const (
	entryPending entryState = iota
	entryActive
	entryUnsubscribing
)

func (s entryState) String() string {
	switch s {
	case entryPending:
		return "pending"
	case entryActive:
		return "active"
	case entryUnsubscribing:
		return "unsubscribing"
	}
	return "unknown"
}

// ackFuture carries the outcome of one upstream subscribe. Every subscriber
// that joined the entry before the acknowledgment waits on the same future.
type ackFuture struct {
	done chan struct{}
	err  error
}

func newAckFuture() *ackFuture {
	return &ackFuture{done: make(chan struct{})}
}

func (f *ackFuture) complete(err error) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	f.err = err
	close(f.done)
	return true
}

func (f *ackFuture) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type subscriber struct {
	id uint64
	fn Handler
}

type registryEntry struct {
	key   protocol.Key
	req   protocol.Request
	state entryState
	subs  []subscriber
	ack   *ackFuture

	// set once the entry starts unsubscribing; closed when it is deleted
	unsubDone chan struct{}
	unsubErr  error
}

// registry holds one entry per upstream subscription and the local
// subscribers sharing it. It is not safe for concurrent use; the endpoint
// serializes access under its mutex.
type registry struct {
	entries map[protocol.Key]*registryEntry
	order   []protocol.Key
	nextSub uint64
}

// newRegistry returns an empty registry.
func newRegistry() *registry {
	return &registry{entries: make(map[protocol.Key]*registryEntry)}
}

// Add attaches fn to the subscription for req. created reports whether the
// entry is new, in which case the caller owes the upstream subscribe. If the
// key is still being torn down nothing is added and the returned channel
// closes once the caller may retry.
func (r *registry) Add(req protocol.Request, fn Handler) (id uint64, ent *registryEntry, created bool, retry <-chan struct{}) {
	key := protocol.KeyOf(req)
	ent, ok := r.entries[key]
	if ok && ent.state == entryUnsubscribing {
		return 0, ent, false, ent.unsubDone
	}
	if !ok {
		ent = &registryEntry{key: key, req: req, state: entryPending, ack: newAckFuture()}
		r.entries[key] = ent
		r.order = append(r.order, key)
		created = true
	}
	r.nextSub++
	ent.subs = append(ent.subs, subscriber{id: r.nextSub, fn: fn})
	return r.nextSub, ent, created, nil
}

// Get returns the entry for key.
func (r *registry) Get(key protocol.Key) (*registryEntry, bool) {
	ent, ok := r.entries[key]
	return ent, ok
}

// Remove detaches subscriber id from key. It reports whether the subscriber
// was present and whether the entry is left without subscribers.
func (r *registry) Remove(key protocol.Key, id uint64) (removed, empty bool) {
	ent, ok := r.entries[key]
	if !ok {
		return false, false
	}
	for i, s := range ent.subs {
		if s.id == id {
			ent.subs = append(ent.subs[:i:i], ent.subs[i+1:]...)
			return true, len(ent.subs) == 0
		}
	}
	return false, len(ent.subs) == 0
}

// Handlers snapshots the callbacks a push for key goes to. Pushes for
// entries that are unsubscribing or unknown get none.
func (r *registry) Handlers(key protocol.Key) []Handler {
	ent, ok := r.entries[key]
	if !ok || ent.state == entryUnsubscribing {
		return nil
	}
	hs := make([]Handler, len(ent.subs))
	for i, s := range ent.subs {
		hs[i] = s.fn
	}
	return hs
}

// Delete removes ent if it is still the entry registered for its key. A
// pending acknowledgment is failed with err and anyone waiting for the
// teardown is released.
func (r *registry) Delete(ent *registryEntry, err error) bool {
	if cur, ok := r.entries[ent.key]; !ok || cur != ent {
		return false
	}
	delete(r.entries, ent.key)
	for i, k := range r.order {
		if k == ent.key {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	ent.ack.complete(err)
	if ent.unsubDone != nil {
		close(ent.unsubDone)
	}
	return true
}

// Clear deletes every entry.
func (r *registry) Clear(err error) int {
	n := len(r.entries)
	for _, key := range append([]protocol.Key(nil), r.order...) {
		r.Delete(r.entries[key], err)
	}
	return n
}

// Active returns the subscribe requests of the acknowledged entries in the
// order they were created. They are what a new connection must replay.
func (r *registry) Active() []protocol.Request {
	var reqs []protocol.Request
	for _, key := range r.order {
		if ent := r.entries[key]; ent.state == entryActive {
			reqs = append(reqs, ent.req)
		}
	}
	return reqs
}

// Len is the number of entries, whatever their state.
func (r *registry) Len() int { return len(r.entries) }

// Subscribers is the number of local subscribers sharing key.
func (r *registry) Subscribers(key protocol.Key) int {
	if ent, ok := r.entries[key]; ok {
		return len(ent.subs)
	}
	return 0
}
