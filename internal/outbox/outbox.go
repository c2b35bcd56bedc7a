// Package outbox implements the transactional outbox: durable event records
// written inside business transactions and drained to the event bus by a
// polling dispatcher with at-least-once delivery.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"
)

var ErrNotFound = errors.New("outbox event not found")

// Status of an outbox event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Event types emitted by the platform.
const (
	EventJobSubmitted        = "job.submitted"
	EventJobStarted          = "job.started"
	EventJobCompleted        = "job.completed"
	EventJobFailed           = "job.failed"
	EventReservationReserved = "billing.reservation.reserved"
	EventReservationCaptured = "billing.reservation.captured"
	EventReservationReleased = "billing.reservation.released"
)

// Event is one row in the outbox_events table.
type Event struct {
	ID             string    `json:"id"`
	EventType      string    `json:"eventType"`
	AggregateType  string    `json:"aggregateType"`
	AggregateID    string    `json:"aggregateId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Payload        []byte    `json:"payload"`
	Status         Status    `json:"status"`
	Attempts       int       `json:"attempts"`
	NextAttemptAt  time.Time `json:"nextAttemptAt"`
	LockedAt       *time.Time
	LockedBy       string
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// retryBase is the base for the failure backoff: 2.5 * 2^attempts seconds.
const retryBase = 2500 * time.Millisecond

// Backoff returns the delay before the next publish attempt.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 20 {
		attempts = 20 // cap the shift, not the schedule
	}
	return time.Duration(float64(retryBase) * math.Pow(2, float64(attempts)))
}

// Store persists outbox events. Insert happens inside business transactions;
// the claim protocol drives the dispatcher side.
type Store interface {
	// Insert appends an event. A duplicate idempotency key is silently
	// ignored so business code can retry safely.
	Insert(ctx context.Context, evt *Event) error
	// ClaimBatch atomically leases up to n retryable events (pending or
	// failed, next_attempt_at due, not currently leased) for dispatcherID.
	ClaimBatch(ctx context.Context, n int, dispatcherID string, lease time.Duration) ([]*Event, error)
	MarkPublished(ctx context.Context, id string) error
	// MarkFailed increments attempts; at maxAttempts the event goes dead,
	// otherwise it is rescheduled with exponential backoff.
	MarkFailed(ctx context.Context, id string, maxAttempts int) error
	// CountRetryable returns the pending+failed backlog size.
	CountRetryable(ctx context.Context) (int, error)
	// PrunePublished deletes published events older than the cutoff.
	PrunePublished(ctx context.Context, before time.Time) (int64, error)
}

// TxInserter is implemented by stores that can write inside a caller-owned
// database transaction. The ledger and submission paths require it.
type TxInserter interface {
	InsertTx(ctx context.Context, tx *sql.Tx, evt *Event) error
}
