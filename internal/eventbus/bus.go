// Package eventbus connects the platform to RabbitMQ. Outbox dispatchers
// publish durable events onto a topic exchange; per-node fan-out consumers
// bind pattern queues to it. Messages that keep failing on the consumer side
// dead-letter into a parking queue instead of poisoning the stream.
//
// The package also carries the Redis pub/sub bridge used for ephemeral
// notifications (job started, progress) that never touch the outbox.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vidforge/vidforge/internal/outbox"
)

const (
	// Exchange carries every platform event, routed by event type.
	Exchange = "video_editor_events"
	// DeadLetterExchange receives messages consumers gave up on.
	DeadLetterExchange = "video_editor_dlx"
	// DeadLetterQueue parks dead messages for manual inspection.
	DeadLetterQueue = "video_editor_events.dead"

	retryHeader = "x-retry-count"
)

// Bus is a RabbitMQ connection with the platform topology declared.
type Bus struct {
	conn   *amqp.Connection
	ch     *amqp.Channel // publish channel, guarded by mu
	mu     sync.Mutex
	logger *slog.Logger
}

// Dial connects and declares the exchanges and the dead letter queue.
func Dial(url string, logger *slog.Logger) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event bus: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		conn.Close()
		return nil, err
	}

	return &Bus{conn: conn, ch: ch, logger: logger}, nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead letter queue: %w", err)
	}
	if err := ch.QueueBind(DeadLetterQueue, "#", DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead letter queue: %w", err)
	}
	return nil
}

func (b *Bus) Close() error {
	return b.conn.Close()
}

// Publish sends an outbox event to the exchange, routed by its event type.
// Implements the dispatcher's Publisher interface.
func (b *Bus) Publish(ctx context.Context, evt *outbox.Event) error {
	headers := amqp.Table{
		"x-aggregate-type":  evt.AggregateType,
		"x-aggregate-id":    evt.AggregateID,
		"x-idempotency-key": evt.IdempotencyKey,
		"x-outbox-id":       evt.ID,
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.ch.PublishWithContext(ctx, Exchange, evt.EventType, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         evt.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", evt.EventType, err)
	}
	return nil
}

// Delivery is a consumed event with its outbox metadata unpacked. Consumers
// dedupe on IdempotencyKey; delivery is at-least-once.
type Delivery struct {
	EventType      string
	AggregateType  string
	AggregateID    string
	IdempotencyKey string
	OutboxID       string
	Redelivered    bool
	Payload        []byte
}

// ConsumerConfig describes one pattern subscription.
type ConsumerConfig struct {
	Queue      string
	Patterns   []string
	MaxRetries int  // consumer-side retries before dead-lettering (default 3)
	Transient  bool // auto-delete, non-durable queue (per-node fan-out)
	Prefetch   int  // default 10
}

// Consume binds a queue to the exchange and feeds deliveries to handler on a
// dedicated channel until ctx ends. Handler errors trigger a redelivery with
// an incremented retry header; past MaxRetries the message dead-letters.
func (b *Bus) Consume(ctx context.Context, cfg ConsumerConfig, handler func(context.Context, Delivery) error) error {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	args := amqp.Table{"x-dead-letter-exchange": DeadLetterExchange}
	q, err := ch.QueueDeclare(cfg.Queue, !cfg.Transient, cfg.Transient, false, false, args)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}
	for _, pattern := range cfg.Patterns {
		if err := ch.QueueBind(q.Name, pattern, Exchange, false, nil); err != nil {
			ch.Close()
			return fmt.Errorf("failed to bind %s to %s: %w", q.Name, pattern, err)
		}
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				b.handleDelivery(ctx, ch, cfg, d, handler)
			}
		}
	}()
	return nil
}

func (b *Bus) handleDelivery(ctx context.Context, ch *amqp.Channel, cfg ConsumerConfig, d amqp.Delivery, handler func(context.Context, Delivery) error) {
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))

	err := handler(msgCtx, toDelivery(d))
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			b.logger.Error("failed to ack delivery", "error", ackErr)
		}
		return
	}

	retries := headerInt(d.Headers, retryHeader)
	if retries >= cfg.MaxRetries {
		b.logger.Error("message exhausted retries, dead-lettering",
			"routingKey", d.RoutingKey, "retries", retries, "error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			b.logger.Error("failed to nack delivery", "error", nackErr)
		}
		return
	}

	// Republish with the retry header bumped, then ack the original so the
	// queue position resets instead of hot-looping at the head.
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(retries + 1)

	pubErr := ch.PublishWithContext(ctx, Exchange, d.RoutingKey, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         d.Body,
	})
	if pubErr != nil {
		b.logger.Error("failed to requeue delivery, nacking", "error", pubErr)
		d.Nack(false, true)
		return
	}
	b.logger.Warn("handler failed, message requeued",
		"routingKey", d.RoutingKey, "retry", retries+1, "error", err)
	d.Ack(false)
}

func toDelivery(d amqp.Delivery) Delivery {
	return Delivery{
		EventType:      d.RoutingKey,
		AggregateType:  headerString(d.Headers, "x-aggregate-type"),
		AggregateID:    headerString(d.Headers, "x-aggregate-id"),
		IdempotencyKey: headerString(d.Headers, "x-idempotency-key"),
		OutboxID:       headerString(d.Headers, "x-outbox-id"),
		Redelivered:    d.Redelivered || headerInt(d.Headers, retryHeader) > 0,
		Payload:        d.Body,
	}
}

func headerString(t amqp.Table, key string) string {
	if t == nil {
		return ""
	}
	if v, ok := t[key].(string); ok {
		return v
	}
	return ""
}

func headerInt(t amqp.Table, key string) int {
	if t == nil {
		return 0
	}
	switch v := t[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}

// headerCarrier adapts an amqp.Table to the trace propagation interface.
type headerCarrier amqp.Table

func (c headerCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier{}
