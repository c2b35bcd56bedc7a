// Package finalize settles operation lifecycle transitions. Each transition
// commits the status change, the billing settlement, and the outbox event in
// one transaction, so a crash can never leave an operation completed without
// its capture or failed without its refund.
package finalize

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vidforge/vidforge/internal/asset"
	"github.com/vidforge/vidforge/internal/ledger"
	"github.com/vidforge/vidforge/internal/operation"
	"github.com/vidforge/vidforge/internal/outbox"
)

// Service drives operation transitions.
type Service struct {
	ops    operation.Store
	ledger ledger.Store
	events outbox.Store
	logger *slog.Logger

	tx *txBackend // nil when the stores cannot share a transaction
}

// txBackend holds the concrete Postgres stores needed to run a transition
// inside one database transaction.
type txBackend struct {
	db     *sql.DB
	ops    *operation.PostgresStore
	ledger *ledger.PostgresStore
	events *outbox.PostgresStore
}

// New creates a transactional finalizer over Postgres-backed stores.
func New(db *sql.DB, ops *operation.PostgresStore, lg *ledger.PostgresStore, events *outbox.PostgresStore, logger *slog.Logger) *Service {
	return &Service{
		ops:    ops,
		ledger: lg,
		events: events,
		logger: logger,
		tx:     &txBackend{db: db, ops: ops, ledger: lg, events: events},
	}
}

// NewMemory creates a finalizer over in-memory stores. Steps run
// sequentially instead of atomically; fine for tests and demo mode.
func NewMemory(ops operation.Store, lg ledger.Store, events outbox.Store, logger *slog.Logger) *Service {
	return &Service{ops: ops, ledger: lg, events: events, logger: logger}
}

// Started moves op to processing and records the job.started event. Replays
// after the operation already advanced are no-ops.
func (s *Service) Started(ctx context.Context, op *operation.Operation, userID string) error {
	err := s.transition(ctx, op, userID, operation.StatusProcessing, "", "", settleNone)
	if err != nil {
		return fmt.Errorf("failed to mark operation %d started: %w", op.ID, err)
	}
	return nil
}

// Success moves op to completed, captures its reservation, and records the
// job.completed event.
func (s *Service) Success(ctx context.Context, op *operation.Operation, userID, resultPath string) error {
	err := s.transition(ctx, op, userID, operation.StatusCompleted, resultPath, "", settleCapture)
	if err != nil {
		return fmt.Errorf("failed to finalize operation %d: %w", op.ID, err)
	}
	return nil
}

// TerminalFailure moves op to failed, refunds its reservation, and records
// the job.failed event.
func (s *Service) TerminalFailure(ctx context.Context, op *operation.Operation, userID, errMsg string) error {
	err := s.transition(ctx, op, userID, operation.StatusFailed, "", errMsg, settleRelease)
	if err != nil {
		return fmt.Errorf("failed to fail operation %d: %w", op.ID, err)
	}
	return nil
}

type settleMode int

const (
	settleNone settleMode = iota
	settleCapture
	settleRelease
)

func (s *Service) transition(ctx context.Context, op *operation.Operation, userID string, next operation.Status, resultPath, errMsg string, mode settleMode) error {
	if s.tx != nil {
		err := s.transitionTx(ctx, op, userID, next, resultPath, errMsg, mode)
		if errors.Is(err, operation.ErrInvalidTransition) {
			return s.resolveReplay(ctx, op.ID, next, err)
		}
		return err
	}

	// Memory mode: no shared transaction, apply the steps in order.
	if err := s.ops.UpdateStatus(ctx, op.ID, next, resultPath, errMsg); err != nil {
		if errors.Is(err, operation.ErrInvalidTransition) {
			return s.resolveReplay(ctx, op.ID, next, err)
		}
		return err
	}
	if err := s.settle(ctx, nil, op.ID, mode); err != nil {
		return err
	}
	return s.events.Insert(ctx, s.event(op, userID, next, resultPath, errMsg))
}

func (s *Service) transitionTx(ctx context.Context, op *operation.Operation, userID string, next operation.Status, resultPath, errMsg string, mode settleMode) error {
	tx, err := s.tx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.tx.ops.UpdateStatusTx(ctx, tx, op.ID, next, resultPath, errMsg); err != nil {
		return err
	}
	if err := s.settle(ctx, tx, op.ID, mode); err != nil {
		return err
	}
	if err := s.tx.events.InsertTx(ctx, tx, s.event(op, userID, next, resultPath, errMsg)); err != nil {
		return err
	}
	return tx.Commit()
}

// settle applies the billing side of a transition. ErrNoReservation is
// tolerated: synchronous operations and recovered legacy rows have no
// reservation to settle.
func (s *Service) settle(ctx context.Context, tx *sql.Tx, opID int64, mode settleMode) error {
	if mode == settleNone {
		return nil
	}
	ref := operation.Ref(opID)

	var err error
	switch {
	case tx != nil && mode == settleCapture:
		_, err = s.tx.ledger.CaptureTx(ctx, tx, ref)
	case tx != nil && mode == settleRelease:
		_, err = s.tx.ledger.ReleaseTx(ctx, tx, ref)
	case mode == settleCapture:
		_, err = s.ledger.Capture(ctx, ref)
	default:
		_, err = s.ledger.Release(ctx, ref)
	}
	if err == nil || errors.Is(err, ledger.ErrNoReservation) {
		return nil
	}
	return err
}

// resolveReplay decides whether an illegal transition is a benign replay.
// If the operation already sits at the requested status, a previous attempt
// committed the full transition and there is nothing left to do.
func (s *Service) resolveReplay(ctx context.Context, opID int64, next operation.Status, cause error) error {
	current, err := s.ops.Get(ctx, opID)
	if err != nil {
		return cause
	}
	if current.Status == next {
		s.logger.Debug("transition replayed", "operation_id", opID, "status", next)
		return nil
	}
	return cause
}

func (s *Service) event(op *operation.Operation, userID string, next operation.Status, resultPath, errMsg string) *outbox.Event {
	var eventType, stage string
	switch next {
	case operation.StatusProcessing:
		eventType, stage = outbox.EventJobStarted, "started"
	case operation.StatusCompleted:
		eventType, stage = outbox.EventJobCompleted, "completed"
	default:
		eventType, stage = outbox.EventJobFailed, "failed"
	}

	body := map[string]any{
		"operationId": op.ID,
		"assetId":     op.AssetID,
		"userId":      userID,
		"type":        op.Type,
		"status":      next,
	}
	if resultPath != "" {
		body["resultPath"] = resultPath
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	payload, err := json.Marshal(body)
	if err != nil {
		// Every value above is a plain scalar; this cannot happen.
		s.logger.Error("failed to marshal job event payload", "error", err)
	}

	return &outbox.Event{
		EventType:      eventType,
		AggregateType:  string(asset.KindOf(op.AssetID)),
		AggregateID:    op.AssetID,
		IdempotencyKey: operation.IdempotencyKey(op.ID, stage),
		Payload:        payload,
	}
}
