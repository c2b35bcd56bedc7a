package fanout

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vidforge/vidforge/internal/eventbus"
	"github.com/vidforge/vidforge/internal/idgen"
	"github.com/vidforge/vidforge/internal/outbox"
)

// socketEvents maps durable bus event types to socket frame names. Job
// events key on the asset id, billing events on the user id; both arrive as
// the delivery's aggregate id.
var socketEvents = map[string]string{
	outbox.EventJobSubmitted:        "job:queued",
	outbox.EventJobStarted:          "job:started",
	outbox.EventJobCompleted:        "job:completed",
	outbox.EventJobFailed:           "job:failed",
	outbox.EventReservationReserved: "credits:reserved",
	outbox.EventReservationCaptured: "credits:captured",
	outbox.EventReservationReleased: "credits:refunded",
}

// SocketEvent maps a durable bus event type to its subscriber-facing frame
// name. The worker's Redis-only publish path uses it when no AMQP broker is
// configured.
func SocketEvent(eventType string) (string, bool) {
	event, ok := socketEvents[eventType]
	return event, ok
}

// Bridge feeds the hub from the durable event bus and the ephemeral Redis
// channel. Bus delivery is at-least-once, so frames are deduped on the
// outbox idempotency key; each milestone reaches a subscriber once.
type Bridge struct {
	hub    *Hub
	seen   *dedupe
	logger *slog.Logger
}

func NewBridge(hub *Hub, logger *slog.Logger) *Bridge {
	return &Bridge{hub: hub, seen: newDedupe(4096), logger: logger}
}

// Start binds a per-node transient queue to the exchange and launches the
// Redis subscriber. Either source works without the other; a node without
// AMQP still gets progress frames and vice versa.
func (b *Bridge) Start(ctx context.Context, bus *eventbus.Bus, rt *eventbus.Realtime) error {
	if bus != nil {
		cfg := eventbus.ConsumerConfig{
			Queue:     "fanout." + idgen.Hex(6),
			Patterns:  []string{"job.*", "billing.reservation.*"},
			Transient: true,
		}
		if err := bus.Consume(ctx, cfg, b.HandleDelivery); err != nil {
			return err
		}
	}
	if rt != nil {
		go func() {
			if err := rt.Run(ctx, b.HandleNotification); err != nil && ctx.Err() == nil {
				b.logger.Error("realtime subscriber stopped", "error", err)
			}
		}()
	}
	return nil
}

// HandleDelivery translates one bus delivery into a socket frame.
func (b *Bridge) HandleDelivery(ctx context.Context, d eventbus.Delivery) error {
	event, ok := socketEvents[d.EventType]
	if !ok {
		return nil // not a subscriber-facing event
	}
	if d.AggregateID == "" {
		return nil
	}
	if d.IdempotencyKey != "" && !b.seen.first(d.IdempotencyKey) {
		return nil
	}
	b.hub.Broadcast(d.AggregateID, event, d.Payload)
	return nil
}

// HandleNotification forwards an ephemeral frame (progress) to the hub.
func (b *Bridge) HandleNotification(n eventbus.Notification) {
	if n.Resource == "" || n.Event == "" {
		return
	}
	b.hub.Broadcast(n.Resource, n.Event, n.Payload)
}

// dedupe is a bounded first-seen set. When full, the oldest keys fall out;
// good enough for the redelivery window of a socket stream.
type dedupe struct {
	mu   sync.Mutex
	keys map[string]bool
	ring []string
	next int
}

func newDedupe(size int) *dedupe {
	return &dedupe{
		keys: make(map[string]bool, size),
		ring: make([]string, size),
	}
}

// first reports whether key has not been seen before, and records it.
func (d *dedupe) first(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys[key] {
		return false
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.keys, old)
	}
	d.ring[d.next] = key
	d.next = (d.next + 1) % len(d.ring)
	d.keys[key] = true
	return true
}
