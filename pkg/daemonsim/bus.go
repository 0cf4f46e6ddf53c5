// pkg/daemonsim/bus.go
package daemonsim

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cskr/pubsub"
)

// BusHandler receives one message published on a topic matching the
// subscription's filter.
type BusHandler func(topic string, payload []byte)

// Bus carries the daemon's local pub/sub traffic.
type Bus interface {
	Publish(topic string, payload []byte) error
	// Subscribe calls fn for every message whose topic matches filter until
	// the returned cancel func is called.
	Subscribe(filter string, fn BusHandler) (cancel func(), err error)
	Close() error
}

// ErrBusClosed is returned by a bus after Close.
var ErrBusClosed = errors.New("bus closed")

// allTopics is the single cskr/pubsub topic every message travels on;
// filter matching happens in the subscriber.
const allTopics = "pubsub"

type busMessage struct {
	topic   string
	payload []byte
}

// MemoryBus is an in-process Bus backed by cskr/pubsub.
type MemoryBus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewMemoryBus creates a bus whose subscriber channels buffer capacity
// messages.
func NewMemoryBus(capacity int, logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{ps: pubsub.New(capacity), logger: logger}
}

func (b *MemoryBus) Publish(topic string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.ps.Pub(busMessage{topic: topic, payload: append([]byte(nil), payload...)}, allTopics)
	return nil
}

func (b *MemoryBus) Subscribe(filter string, fn BusHandler) (func(), error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("subscribe %q: nil handler", filter)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	ch := b.ps.Sub(allTopics)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		// The channel must be drained until pubsub closes it.
		for raw := range ch {
			msg, ok := raw.(busMessage)
			if !ok || !MatchTopic(filter, msg.topic) {
				continue
			}
			fn(msg.topic, msg.payload)
		}
		b.logger.Debug(fmt.Sprintf("Bus: subscription %q closed", filter))
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if !b.closed {
				go b.ps.Unsub(ch, allTopics)
			}
		})
	}, nil
}

// Close stops delivery to every subscriber.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.ps.Shutdown()
	b.wg.Wait()
	return nil
}
