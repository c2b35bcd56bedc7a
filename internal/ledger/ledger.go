// Package ledger tracks user credit balances as an append-only entry log.
//
// Flow:
//  1. User buys credits (addition entry, idempotent on request id)
//  2. Submission reserves the job cost (reservation entry, negative)
//  3. Success settles the reservation (debit_capture entry, amount zero)
//  4. Failure returns the credits (refund entry, positive)
//
// Synchronous operations that never enter the queue spend directly through a
// deduction entry instead of the reserve/settle cycle.
//
// The cached balance on the users row always equals the sum of the user's
// entries; every mutation updates both under the same row lock.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vidforge/vidforge/internal/metrics"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAlreadyReserved     = errors.New("reservation already exists")
	ErrNoReservation       = errors.New("no reservation for operation")
	ErrSettled             = errors.New("reservation already settled the other way")
	ErrRequestCollision    = errors.New("request id already used with different parameters")
)

// EntryType classifies a ledger entry. The sign convention is enforced by
// database triggers: additions and refunds are positive, deductions and
// reservations negative, captures exactly zero.
type EntryType string

const (
	TypeAddition    EntryType = "addition"
	TypeDeduction   EntryType = "deduction"
	TypeReservation EntryType = "reservation"
	TypeCapture     EntryType = "debit_capture"
	TypeRefund      EntryType = "refund"
)

// Entry is one immutable row in the credit_transactions table.
type Entry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        EntryType `json:"type"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description,omitempty"`
	OperationID string    `json:"operationId,omitempty"` // "op-<n>", set for reservation lifecycle entries
	RequestID   string    `json:"requestId,omitempty"`   // client-supplied purchase idempotency key
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists the ledger.
type Store interface {
	// Balance returns the cached balance from the users row.
	Balance(ctx context.Context, userID string) (int64, error)
	// AddCredits appends an addition entry. A repeated requestID with the
	// same user and amount returns the original entry without changing the
	// balance; a repeated requestID bound to different parameters returns
	// ErrRequestCollision.
	AddCredits(ctx context.Context, userID string, amount int64, requestID, description string) (*Entry, error)
	// Deduct spends credits directly, without a reservation. Used by
	// synchronous operations. Idempotent on requestID like AddCredits.
	Deduct(ctx context.Context, userID string, amount int64, requestID, description string) (*Entry, error)
	// Reserve appends a reservation entry for operationID, deducting amount
	// from the balance. An existing reservation for the same operation is
	// returned with ErrAlreadyReserved; callers treat it as success.
	Reserve(ctx context.Context, userID, operationID string, amount int64) (*Entry, error)
	// Capture settles a reservation as spent. The user is resolved from the
	// reservation row. Idempotent; a prior refund for the same operation
	// returns ErrSettled.
	Capture(ctx context.Context, operationID string) (*Entry, error)
	// Release returns a reservation's credits to the user's balance.
	// Idempotent; a prior capture for the same operation returns ErrSettled.
	Release(ctx context.Context, operationID string) (*Entry, error)
	// History returns entries for a user, newest first.
	History(ctx context.Context, userID string, limit, offset int) ([]*Entry, error)
	// ListEntries returns every entry for a user in insertion order. Used by
	// reconciliation to replay the running balance.
	ListEntries(ctx context.Context, userID string) ([]*Entry, error)
	// ListStaleReservations returns reservations created before cutoff that
	// have neither a capture nor a refund.
	ListStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]*Entry, error)
	// SumEntries returns the sum of all entry amounts for a user. Used by
	// reconciliation to verify the cached balance.
	SumEntries(ctx context.Context, userID string) (int64, error)
	// AllUserIDs lists every user with at least one ledger entry.
	AllUserIDs(ctx context.Context) ([]string, error)
	// InsertAdjustment appends a compensating addition or deduction entry
	// without touching the cached balance. Reconciliation repair uses it to
	// bring the entry sum back in line with the balance the users table
	// already shows.
	InsertAdjustment(ctx context.Context, userID string, amount int64, requestID, description string) (*Entry, error)
}

// TxStore is implemented by stores that can run reservation lifecycle
// operations inside a caller-owned transaction. The submission and finalizer
// paths use it to keep ledger writes atomic with operation rows and outbox
// events.
type TxStore interface {
	ReserveTx(ctx context.Context, tx *sql.Tx, userID, operationID string, amount int64) (*Entry, error)
	CaptureTx(ctx context.Context, tx *sql.Tx, operationID string) (*Entry, error)
	ReleaseTx(ctx context.Context, tx *sql.Tx, operationID string) (*Entry, error)
}

// Settled reports whether err means the reservation was already finalized,
// either this way (idempotent replay) or the other.
func Settled(err error) bool {
	return errors.Is(err, ErrSettled)
}

// recordOp counts a ledger mutation outcome. Idempotent replays count as ok.
func recordOp(op string, err error) {
	result := "ok"
	if err != nil && !errors.Is(err, ErrAlreadyReserved) {
		result = "error"
	}
	metrics.LedgerOpsTotal.WithLabelValues(op, result).Inc()
}
