package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// realtimeChannel is the Redis pub/sub channel for ephemeral notifications.
const realtimeChannel = "realtime:events"

// Notification is a transient frame fanned out to WebSocket subscribers of a
// resource. Unlike outbox events these are fire-and-forget: a missed
// progress update is not worth durable delivery.
type Notification struct {
	Resource string          `json:"resource"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Realtime bridges notification producers (workers) and consumers (the
// fan-out hub) across nodes via Redis pub/sub.
type Realtime struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRealtime(rdb *redis.Client, logger *slog.Logger) *Realtime {
	return &Realtime{rdb: rdb, logger: logger}
}

// Publish broadcasts a notification to every node.
func (r *Realtime) Publish(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := r.rdb.Publish(ctx, realtimeChannel, body).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Run subscribes and delivers notifications to fn until ctx ends. Malformed
// frames are logged and skipped.
func (r *Realtime) Run(ctx context.Context, fn func(Notification)) error {
	sub := r.rdb.Subscribe(ctx, realtimeChannel)
	defer sub.Close()

	// Force the subscription before consuming so tests can publish
	// immediately after Run is up.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", realtimeChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				r.logger.Warn("dropping malformed realtime frame", "error", err)
				continue
			}
			fn(n)
		}
	}
}
