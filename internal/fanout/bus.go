// Package fanout provides the cross-instance broadcast bus built on NATS.
// Every service instance subscribes to a subject per namespace; an instance
// broadcasts by publishing to the subject, and each instance (the originator
// included, via loop-back) delivers the frame to its locally connected
// sockets. While the NATS connection is down the bus degrades to local-only
// delivery rather than dropping events.
package fanout

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ballpark/livecast/internal/metrics"
)

// SubjectPrefix is the NATS subject prefix for namespace fan-out.
// Subjects take the form livecast.<namespace>.
const SubjectPrefix = "livecast."

// Reconnect backoff policy: 50ms per attempt, capped at 2s.
const (
	reconnectStep = 50 * time.Millisecond
	reconnectCap  = 2000 * time.Millisecond
)

// LocalDeliverFunc delivers a raw frame to every socket attached to the
// namespace on this instance.
type LocalDeliverFunc func(namespace string, data []byte)

// Config holds NATS connection settings for the bus.
type Config struct {
	URL  string // nats://localhost:4222
	Name string // client name for identification
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:  "nats://localhost:4222",
		Name: "livecast",
	}
}

// Bus wraps the NATS connection with namespace-keyed pub/sub and a degraded
// local-only mode while the transport is unavailable.
type Bus struct {
	conn      *nats.Conn
	deliver   LocalDeliverFunc
	mu        sync.Mutex
	subs      map[string]*nats.Subscription
	connected atomic.Bool
}

// New connects to NATS and returns a ready Bus. The deliver callback is
// invoked for every frame received on a subscribed namespace subject,
// including this instance's own publishes (loop-back delivery). Instances
// may join or leave the cluster at any time; the connection reconnects
// forever with bounded backoff.
func New(config Config, deliver LocalDeliverFunc) (*Bus, error) {
	b := &Bus{
		deliver: deliver,
		subs:    make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(BackoffDelay),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.connected.Store(false)
			if err != nil {
				log.Printf("[fanout] disconnected: %v (degraded local-only delivery)", err)
			} else {
				log.Printf("[fanout] disconnected (degraded local-only delivery)")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.connected.Store(true)
			metrics.TransportReconnects.Inc()
			log.Printf("[fanout] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			b.connected.Store(false)
			log.Printf("[fanout] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("fanout: nats connect: %w", err)
	}

	b.conn = nc
	b.connected.Store(true)
	log.Printf("[fanout] connected to %s", nc.ConnectedUrl())

	return b, nil
}

// Subscribe starts delivering the namespace's subject to local sockets.
// Called once per namespace at startup.
func (b *Bus) Subscribe(namespace string) error {
	subject := SubjectFor(namespace)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		b.deliver(namespace, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("fanout: subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[subject] = sub
	b.mu.Unlock()

	return nil
}

// Broadcast delivers an already-encoded frame to every socket subscribed to
// the namespace across every instance. When the transport is up, the frame
// is published and arrives locally through this instance's own
// subscription. When the transport is down (or the publish fails), the
// frame is delivered to local sockets only; it is never silently dropped.
// Per-broadcast errors are not surfaced to the caller; connection state is
// observable through logs and metrics.
func (b *Bus) Broadcast(namespace string, data []byte) {
	if b.connected.Load() {
		err := b.conn.Publish(SubjectFor(namespace), data)
		if err == nil {
			metrics.BroadcastsTotal.WithLabelValues(namespace, "bus").Inc()
			return
		}
		log.Printf("[fanout] publish %s failed: %v (delivering locally)", namespace, err)
	}

	metrics.BroadcastsTotal.WithLabelValues(namespace, "local").Inc()
	b.deliver(namespace, data)
}

// Connected reports whether the underlying transport is currently up.
func (b *Bus) Connected() bool {
	return b.connected.Load()
}

// SubjectFor returns the NATS subject for a namespace.
func SubjectFor(namespace string) string {
	return SubjectPrefix + namespace
}

// BackoffDelay computes the reconnect delay for the given attempt count:
// 50ms × attempt, capped at 2000ms. The first attempt waits one step.
func BackoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(attempts) * reconnectStep
	if d > reconnectCap {
		return reconnectCap
	}
	return d
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[fanout] drain %s: %v", subject, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)

	if err := b.conn.Drain(); err != nil {
		log.Printf("[fanout] connection drain: %v", err)
	}

	log.Printf("[fanout] bus closed")
}
