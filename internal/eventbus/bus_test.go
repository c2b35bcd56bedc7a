package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

func TestToDelivery(t *testing.T) {
	d := amqp.Delivery{
		RoutingKey: "job.completed",
		Body:       []byte(`{"operationId":1}`),
		Headers: amqp.Table{
			"x-aggregate-type":  "video",
			"x-aggregate-id":    "vid_1",
			"x-idempotency-key": "op:1:completed",
			"x-outbox-id":       "evt-1",
		},
	}

	got := toDelivery(d)
	if got.EventType != "job.completed" {
		t.Fatalf("event type = %s", got.EventType)
	}
	if got.AggregateID != "vid_1" || got.AggregateType != "video" {
		t.Fatalf("aggregate = %s/%s", got.AggregateType, got.AggregateID)
	}
	if got.IdempotencyKey != "op:1:completed" || got.OutboxID != "evt-1" {
		t.Fatalf("metadata = %+v", got)
	}
	if got.Redelivered {
		t.Fatal("fresh delivery marked redelivered")
	}

	d.Headers[retryHeader] = int32(2)
	if !toDelivery(d).Redelivered {
		t.Fatal("retried delivery should be marked redelivered")
	}
}

func TestHeaderInt(t *testing.T) {
	table := amqp.Table{"a": int32(3), "b": int64(4), "c": "nope"}
	if headerInt(table, "a") != 3 {
		t.Fatal("int32 header")
	}
	if headerInt(table, "b") != 4 {
		t.Fatal("int64 header")
	}
	if headerInt(table, "c") != 0 {
		t.Fatal("non-numeric header should be 0")
	}
	if headerInt(nil, "a") != 0 {
		t.Fatal("nil table should be 0")
	}
}

func TestHeaderCarrier(t *testing.T) {
	table := amqp.Table{}
	c := headerCarrier(table)
	c.Set("traceparent", "00-abc-def-01")
	if c.Get("traceparent") != "00-abc-def-01" {
		t.Fatal("round trip failed")
	}
	if len(c.Keys()) != 1 {
		t.Fatalf("keys = %v", c.Keys())
	}
	if c.Get("missing") != "" {
		t.Fatal("missing key should be empty")
	}
}

func TestRealtimePublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rt := NewRealtime(rdb, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Notification, 1)
	go rt.Run(ctx, func(n Notification) {
		received <- n
	})

	// Give the subscriber a moment to attach.
	time.Sleep(50 * time.Millisecond)

	payload, _ := json.Marshal(map[string]any{"progress": 42})
	err := rt.Publish(ctx, Notification{
		Resource: "vid_1",
		Event:    "job:progress",
		Payload:  payload,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case n := <-received:
		if n.Resource != "vid_1" || n.Event != "job:progress" {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}
