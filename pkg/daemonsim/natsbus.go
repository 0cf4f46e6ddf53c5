// pkg/daemonsim/natsbus.go
package daemonsim

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSBus is a Bus backed by a NATS server, so several simulated daemons can
// share one pub/sub space. Topic levels map to subject tokens: '/' becomes
// '.', '+' becomes '*' and '#' becomes '>'.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NATSOptions configures NewNATSBus.
type NATSOptions struct {
	// URL is the NATS server URL; nats.DefaultURL when empty.
	URL string
	// Prefix namespaces every subject, e.g. "ggconsole".
	Prefix string
	// ConnectionOptions are passed to nats.Connect.
	ConnectionOptions []nats.Option
	Logger            *slog.Logger
}

// NewNATSBus connects to NATS.
func NewNATSBus(opts NATSOptions) (*NATSBus, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	conn, err := nats.Connect(opts.URL, opts.ConnectionOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSBus{
		conn:   conn,
		prefix: opts.Prefix,
		logger: opts.Logger,
		subs:   make(map[*nats.Subscription]struct{}),
	}, nil
}

func (b *NATSBus) subject(topic string) string {
	r := strings.NewReplacer("/", ".", "+", "*", "#", ">")
	s := r.Replace(topic)
	if b.prefix != "" {
		s = b.prefix + "." + s
	}
	return s
}

func (b *NATSBus) topic(subject string) string {
	if b.prefix != "" {
		subject = strings.TrimPrefix(subject, b.prefix+".")
	}
	return strings.ReplaceAll(subject, ".", "/")
}

func (b *NATSBus) Publish(topic string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if strings.Contains(topic, ".") {
		return fmt.Errorf("topic %q: '.' is reserved on the NATS bus", topic)
	}
	return b.conn.Publish(b.subject(topic), payload)
}

func (b *NATSBus) Subscribe(filter string, fn BusHandler) (func(), error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("subscribe %q: nil handler", filter)
	}
	subjects := []string{b.subject(filter)}
	// NATS '>' needs at least one token; MQTT "a/#" also matches "a".
	if parent, ok := strings.CutSuffix(filter, "/#"); ok {
		subjects = append(subjects, b.subject(parent))
	}

	var subs []*nats.Subscription
	for _, subject := range subjects {
		sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
			fn(b.topic(msg.Subject), msg.Data)
		})
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, fmt.Errorf("failed to subscribe to %q: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	b.mu.Lock()
	for _, s := range subs {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()
	b.logger.Debug(fmt.Sprintf("Bus: NATS subscription %q on %v", filter, subjects))

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, s := range subs {
				if _, ok := b.subs[s]; ok {
					s.Unsubscribe()
					delete(b.subs, s)
				}
			}
		})
	}, nil
}

// Flush waits until the server has processed everything sent so far.
func (b *NATSBus) Flush() error {
	return b.conn.Flush()
}

// Close unsubscribes everything and closes the NATS connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for s := range b.subs {
		s.Unsubscribe()
	}
	b.subs = make(map[*nats.Subscription]struct{})
	b.mu.Unlock()
	b.conn.Close()
	return nil
}
