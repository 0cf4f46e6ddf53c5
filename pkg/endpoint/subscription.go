// pkg/endpoint/subscription.go
package endpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/lightforgemedia/go-ggconsole/pkg/protocol"
)

// Subscription is one local subscriber's hold on a stream. Release is its
// only teardown path.
type Subscription struct {
	e   *Endpoint
	key protocol.Key
	id  uint64

	once sync.Once
	ent  *registryEntry
	done <-chan struct{}
}

// Key identifies the upstream subscription this handle shares.
func (s *Subscription) Key() protocol.Key { return s.key }

// Release detaches this subscriber. When it was the last one the upstream
// unsubscribe is sent and Release waits, bounded by ctx, for the daemon to
// acknowledge it. Releasing twice is a no-op.
func (s *Subscription) Release(ctx context.Context) error {
	s.once.Do(func() { s.ent, s.done = s.e.release(s.key, s.id) })
	if s.done == nil {
		return nil
	}
	select {
	case <-s.done:
		return s.ent.unsubErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Endpoint) subscribe(ctx context.Context, req protocol.Request, fn Handler) (*Subscription, error) {
	for {
		e.mu.Lock()
		if e.state == StateClosed || e.state == StateDisconnected {
			state := e.state
			e.mu.Unlock()
			return nil, fmt.Errorf("%s: %w (%s)", req.Call, ErrNotConnected, state)
		}
		id, ent, created, retry := e.subs.Add(req, fn)
		if retry != nil {
			e.mu.Unlock()
			select {
			case <-retry:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if created {
			e.wg.Add(1)
			go e.establish(ent)
		}
		e.mu.Unlock()

		sub := &Subscription{e: e, key: ent.key, id: id}
		if err := ent.ack.wait(ctx); err != nil {
			sub.once.Do(func() { e.release(ent.key, id) })
			return nil, err
		}
		if !created {
			e.cfg.logger.Debug(fmt.Sprintf("Endpoint %s: Joined subscription %s", e.id, ent.key))
		}
		return sub, nil
	}
}

// establish performs the upstream subscribe for a new entry and settles the
// acknowledgment every early subscriber is waiting on.
func (e *Endpoint) establish(ent *registryEntry) {
	defer e.wg.Done()
	_, err := e.call(e.ctx, ent.req)

	e.mu.Lock()
	if cur, ok := e.subs.Get(ent.key); !ok || cur != ent {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.subs.Delete(ent, err)
		e.mu.Unlock()
		e.cfg.logger.Info(fmt.Sprintf("Endpoint %s: Subscribe %s failed: %v", e.id, ent.key, err))
		return
	}
	ent.state = entryActive
	ent.ack.complete(nil)
	if len(ent.subs) == 0 {
		// every subscriber left before the acknowledgment
		e.beginUnsubscribeLocked(ent)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.cfg.logger.Info(fmt.Sprintf("Endpoint %s: Subscribed %s", e.id, ent.key))
	e.requestSnapshot(ent.req)
}

// requestSnapshot asks the daemon to re-send the current state of a
// list-style stream so a new subscriber does not wait for the next change.
func (e *Endpoint) requestSnapshot(req protocol.Request) {
	push, ok := req.Call.ForcePush()
	if !ok {
		return
	}
	if _, err := e.call(e.ctx, protocol.NewRequest(push)); err != nil {
		e.cfg.logger.Warn(fmt.Sprintf("Endpoint %s: %s failed: %v", e.id, push, err))
	}
}

// release removes one subscriber. It returns a channel to wait on when the
// removal started an upstream unsubscribe.
func (e *Endpoint) release(key protocol.Key, id uint64) (*registryEntry, <-chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.subs.Get(key)
	if !ok {
		return nil, nil
	}
	removed, empty := e.subs.Remove(key, id)
	if !removed || !empty || ent.state != entryActive {
		return nil, nil
	}
	e.beginUnsubscribeLocked(ent)
	return ent, ent.unsubDone
}

// beginUnsubscribeLocked moves an empty active entry to unsubscribing.
// Pushes for it are dropped from now on; the entry goes away once the
// daemon answers the unsubscribe.
func (e *Endpoint) beginUnsubscribeLocked(ent *registryEntry) {
	ent.state = entryUnsubscribing
	ent.unsubDone = make(chan struct{})
	_, hasUnsub := ent.req.Call.Unsubscribe()
	if !hasUnsub || !(e.state == StateConnected || e.state.connecting()) {
		e.subs.Delete(ent, nil)
		return
	}
	e.wg.Add(1)
	go e.unsubscribe(ent)
}

func (e *Endpoint) unsubscribe(ent *registryEntry) {
	defer e.wg.Done()
	call, _ := ent.req.Call.Unsubscribe()
	_, err := e.call(e.ctx, protocol.NewRequest(call, ent.req.Args...))
	if err != nil {
		err = fmt.Errorf("unsubscribe %s: %w", ent.key, err)
		e.cfg.logger.Info(fmt.Sprintf("Endpoint %s: %v", e.id, err))
	} else {
		e.cfg.logger.Info(fmt.Sprintf("Endpoint %s: Unsubscribed %s", e.id, ent.key))
	}

	e.mu.Lock()
	if cur, ok := e.subs.Get(ent.key); ok && cur == ent {
		ent.unsubErr = err
		e.subs.Delete(ent, nil)
	}
	e.mu.Unlock()
}

// enqueue hands a push to the dispatch goroutine. The read goroutine never
// waits on a handler.
func (e *Endpoint) enqueue(push *protocol.Push) {
	e.mu.Lock()
	e.pushes = append(e.pushes, push)
	e.mu.Unlock()
	select {
	case e.pushSig <- struct{}{}:
	default:
	}
}

// dispatchLoop delivers queued pushes in arrival order.
func (e *Endpoint) dispatchLoop() {
	defer close(e.pushDone)
	drain := func() {
		for {
			e.mu.Lock()
			batch := e.pushes
			e.pushes = nil
			e.mu.Unlock()
			if len(batch) == 0 {
				return
			}
			for _, push := range batch {
				e.dispatch(push)
			}
		}
	}
	for {
		select {
		case <-e.pushSig:
			drain()
		case <-e.pushStop:
			drain()
			return
		}
	}
}

// dispatch delivers a push to the subscribers of its key, in registration
// order, outside the lock. Subscribers are looked up at delivery time, so a
// push queued behind a release is dropped.
func (e *Endpoint) dispatch(push *protocol.Push) {
	e.mu.Lock()
	handlers := e.subs.Handlers(push.Key)
	e.mu.Unlock()
	if len(handlers) == 0 {
		e.cfg.logger.Debug(fmt.Sprintf("Endpoint %s: Dropping %s push for %s: no subscribers", e.id, push.Type, push.Key))
		return
	}
	for _, h := range handlers {
		e.invoke(h, *push)
	}
}

func (e *Endpoint) invoke(h Handler, push protocol.Push) {
	defer func() {
		if r := recover(); r != nil {
			e.cfg.logger.Error(fmt.Sprintf("Endpoint %s: Subscriber for %s panicked: %v", e.id, push.Key, r))
		}
	}()
	h(push)
}
