package finalize

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/vidforge/vidforge/internal/ledger"
	"github.com/vidforge/vidforge/internal/operation"
	"github.com/vidforge/vidforge/internal/outbox"
)

type fixture struct {
	svc    *Service
	ops    *operation.MemoryStore
	ledger *ledger.MemoryStore
	events *outbox.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events := outbox.NewMemoryStore()
	lg := ledger.NewMemoryStore(events)
	lg.CreateUser("usr_1", 100)
	ops := operation.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		svc:    NewMemory(ops, lg, events, logger),
		ops:    ops,
		ledger: lg,
		events: events,
	}
}

// submit seeds an operation with a reservation, the way the submission path
// leaves things before a worker picks the job up.
func (f *fixture) submit(t *testing.T, cost int64) *operation.Operation {
	t.Helper()
	ctx := context.Background()
	op := &operation.Operation{
		AssetID: "vid_abc123",
		Type:    operation.TypeResize,
		Status:  operation.StatusPending,
		Params:  operation.Params{Width: 640, Height: 480},
	}
	id, err := f.ops.Add(ctx, op)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	op.ID = id
	if cost > 0 {
		if _, err := f.ledger.Reserve(ctx, "usr_1", operation.Ref(id), cost); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
	}
	return op
}

func (f *fixture) eventKeys() map[string]string {
	keys := make(map[string]string)
	for _, evt := range f.events.All() {
		keys[evt.IdempotencyKey] = evt.EventType
	}
	return keys
}

func TestSuccessCapturesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.submit(t, 10)

	if err := f.svc.Started(ctx, op, "usr_1"); err != nil {
		t.Fatalf("Started: %v", err)
	}
	if err := f.svc.Success(ctx, op, "usr_1", "/data/vid_abc123/resize_640x480.mp4"); err != nil {
		t.Fatalf("Success: %v", err)
	}

	got, err := f.ops.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != operation.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ResultPath == "" {
		t.Fatal("result path not stored")
	}

	// Capture keeps the credits spent.
	if bal, _ := f.ledger.Balance(ctx, "usr_1"); bal != 90 {
		t.Fatalf("balance = %d, want 90", bal)
	}
	sum, _ := f.ledger.SumEntries(ctx, "usr_1")
	if sum != -10 {
		t.Fatalf("entry sum = %d, want -10", sum)
	}

	keys := f.eventKeys()
	for key, eventType := range map[string]string{
		operation.IdempotencyKey(op.ID, "started"):   outbox.EventJobStarted,
		operation.IdempotencyKey(op.ID, "completed"): outbox.EventJobCompleted,
		"billing:" + operation.Ref(op.ID) + ":reserved": outbox.EventReservationReserved,
		"billing:" + operation.Ref(op.ID) + ":captured": outbox.EventReservationCaptured,
	} {
		if keys[key] != eventType {
			t.Fatalf("missing outbox event %s (%s); have %v", key, eventType, keys)
		}
	}
}

func TestTerminalFailureRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.submit(t, 10)

	if err := f.svc.Started(ctx, op, "usr_1"); err != nil {
		t.Fatalf("Started: %v", err)
	}
	if err := f.svc.TerminalFailure(ctx, op, "usr_1", "transcode exploded"); err != nil {
		t.Fatalf("TerminalFailure: %v", err)
	}

	got, _ := f.ops.Get(ctx, op.ID)
	if got.Status != operation.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "transcode exploded" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}

	// Refund restores the balance and nets the ledger to zero.
	if bal, _ := f.ledger.Balance(ctx, "usr_1"); bal != 100 {
		t.Fatalf("balance = %d, want 100", bal)
	}
	sum, _ := f.ledger.SumEntries(ctx, "usr_1")
	if sum != 0 {
		t.Fatalf("entry sum = %d, want 0", sum)
	}

	keys := f.eventKeys()
	if keys[operation.IdempotencyKey(op.ID, "failed")] != outbox.EventJobFailed {
		t.Fatalf("missing job.failed event; have %v", keys)
	}
	if keys["billing:"+operation.Ref(op.ID)+":released"] != outbox.EventReservationReleased {
		t.Fatalf("missing billing released event; have %v", keys)
	}
}

func TestSuccessReplayIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.submit(t, 10)

	if err := f.svc.Started(ctx, op, "usr_1"); err != nil {
		t.Fatalf("Started: %v", err)
	}
	if err := f.svc.Success(ctx, op, "usr_1", "/tmp/out.mp4"); err != nil {
		t.Fatalf("Success: %v", err)
	}
	if err := f.svc.Success(ctx, op, "usr_1", "/tmp/out.mp4"); err != nil {
		t.Fatalf("Success replay: %v", err)
	}

	if bal, _ := f.ledger.Balance(ctx, "usr_1"); bal != 90 {
		t.Fatalf("balance = %d after replay, want 90", bal)
	}
	completed := 0
	for _, evt := range f.events.All() {
		if evt.EventType == outbox.EventJobCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("completed events = %d, want 1", completed)
	}
}

func TestStartedReplayIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.submit(t, 10)

	if err := f.svc.Started(ctx, op, "usr_1"); err != nil {
		t.Fatalf("Started: %v", err)
	}
	if err := f.svc.Started(ctx, op, "usr_1"); err != nil {
		t.Fatalf("Started replay: %v", err)
	}
}

func TestStartedAfterTerminalFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.submit(t, 10)

	if err := f.svc.Started(ctx, op, "usr_1"); err != nil {
		t.Fatalf("Started: %v", err)
	}
	if err := f.svc.TerminalFailure(ctx, op, "usr_1", "boom"); err != nil {
		t.Fatalf("TerminalFailure: %v", err)
	}
	if err := f.svc.Started(ctx, op, "usr_1"); !errors.Is(err, operation.ErrInvalidTransition) {
		t.Fatalf("Started after failed = %v, want ErrInvalidTransition", err)
	}
}

func TestSuccessAfterJanitorRefundFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.submit(t, 10)

	if err := f.svc.Started(ctx, op, "usr_1"); err != nil {
		t.Fatalf("Started: %v", err)
	}
	// A janitor decided the operation was stuck: refund, then fail it.
	if _, err := f.ledger.Release(ctx, operation.Ref(op.ID)); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := f.ops.UpdateStatus(ctx, op.ID, operation.StatusFailed, "", "stuck"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if err := f.svc.Success(ctx, op, "usr_1", "/tmp/out.mp4"); !errors.Is(err, operation.ErrInvalidTransition) {
		t.Fatalf("Success after janitor refund = %v, want ErrInvalidTransition", err)
	}
	if bal, _ := f.ledger.Balance(ctx, "usr_1"); bal != 100 {
		t.Fatalf("balance = %d, want refund to stand", bal)
	}
}

func TestFailureWithoutReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.submit(t, 0) // no reservation, e.g. recovered row

	if err := f.svc.TerminalFailure(ctx, op, "usr_1", "source file missing"); err != nil {
		t.Fatalf("TerminalFailure: %v", err)
	}
	got, _ := f.ops.Get(ctx, op.ID)
	if got.Status != operation.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestEventPayloadShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.submit(t, 10)

	if err := f.svc.Started(ctx, op, "usr_1"); err != nil {
		t.Fatalf("Started: %v", err)
	}
	for _, evt := range f.events.All() {
		if evt.EventType != outbox.EventJobStarted {
			continue
		}
		if evt.AggregateType != "video" {
			t.Fatalf("aggregate type = %q, want video", evt.AggregateType)
		}
		if evt.AggregateID != "vid_abc123" {
			t.Fatalf("aggregate id = %q", evt.AggregateID)
		}
		return
	}
	t.Fatal("job.started event not found")
}
