// Package submit accepts media operations. A submission writes the operation
// row, the credit reservation, and the job.submitted outbox event in one
// transaction, then hands the job to the queue; if the enqueue is lost the
// startup recovery pass re-enqueues from the operations table.
package submit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vidforge/vidforge/internal/asset"
	"github.com/vidforge/vidforge/internal/ledger"
	"github.com/vidforge/vidforge/internal/metrics"
	"github.com/vidforge/vidforge/internal/operation"
	"github.com/vidforge/vidforge/internal/outbox"
	"github.com/vidforge/vidforge/internal/queue"
)

// ErrKindMismatch rejects operations aimed at the wrong asset family, e.g. a
// video crop on an image.
var ErrKindMismatch = errors.New("operation does not apply to this asset kind")

// Enqueuer is the queue surface submissions need.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload []byte, priority int) (*queue.Job, error)
}

// Payload is the queue job body. Workers decode it to locate the operation
// without a database round-trip on the hot path.
type Payload struct {
	OperationID int64            `json:"operationId"`
	AssetID     string           `json:"assetId"`
	UserID      string           `json:"userId"`
	Type        operation.Type   `json:"type"`
	Params      operation.Params `json:"params"`
}

// Request is one submission.
type Request struct {
	UserID  string
	AssetID string
	Type    operation.Type
	Params  operation.Params
	// RequestID enables submission idempotency: a repeated request for the
	// same asset, type, and params returns the existing operation instead
	// of creating a duplicate.
	RequestID string
}

// Service validates, bills, persists, and enqueues operations.
type Service struct {
	assets asset.Store
	ops    operation.Store
	ledger ledger.Store
	events outbox.Store
	queue  Enqueuer
	cost   func(operation.Type) int64
	logger *slog.Logger

	tx *txBackend // nil when the stores cannot share a transaction
}

type txBackend struct {
	db     *sql.DB
	ops    *operation.PostgresStore
	ledger *ledger.PostgresStore
	events *outbox.PostgresStore
}

// New creates a transactional submission service over Postgres-backed stores.
func New(db *sql.DB, assets asset.Store, ops *operation.PostgresStore, lg *ledger.PostgresStore, events *outbox.PostgresStore, q Enqueuer, cost func(operation.Type) int64, logger *slog.Logger) *Service {
	return &Service{
		assets: assets,
		ops:    ops,
		ledger: lg,
		events: events,
		queue:  q,
		cost:   cost,
		logger: logger,
		tx:     &txBackend{db: db, ops: ops, ledger: lg, events: events},
	}
}

// NewMemory creates a submission service over in-memory stores for tests and
// demo mode. Without a shared transaction an insufficient-balance race is
// compensated by failing the freshly created operation.
func NewMemory(assets asset.Store, ops operation.Store, lg ledger.Store, events outbox.Store, q Enqueuer, cost func(operation.Type) int64, logger *slog.Logger) *Service {
	return &Service{assets: assets, ops: ops, ledger: lg, events: events, queue: q, cost: cost, logger: logger}
}

// Submit validates the request, reserves credits, persists the operation,
// and enqueues the job. The returned operation is pending (or the existing
// one when RequestID deduplication hits).
func (s *Service) Submit(ctx context.Context, req Request) (*operation.Operation, error) {
	a, err := s.assets.Get(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}
	if err := asset.CheckOwner(a, req.UserID); err != nil {
		return nil, err
	}
	if req.Type.IsImage() != (a.Kind == asset.KindImage) {
		return nil, fmt.Errorf("%w: %s on %s asset", ErrKindMismatch, req.Type, a.Kind)
	}
	if err := req.Params.Validate(req.Type, a.Format, a.Width, a.Height); err != nil {
		return nil, err
	}

	if req.RequestID != "" {
		if existing, err := s.ops.Find(ctx, req.AssetID, req.Type, req.Params); err == nil {
			if existing.Status != operation.StatusFailed {
				s.logger.Debug("submission deduplicated",
					"request_id", req.RequestID, "operation_id", existing.ID)
				return existing, nil
			}
		} else if !errors.Is(err, operation.ErrNotFound) {
			return nil, err
		}
	}

	op := &operation.Operation{
		AssetID: req.AssetID,
		Type:    req.Type,
		Status:  operation.StatusPending,
		Params:  req.Params,
	}
	cost := s.cost(req.Type)

	if s.tx != nil {
		err = s.persistTx(ctx, op, req.UserID, cost)
	} else {
		err = s.persistMemory(ctx, op, req.UserID, cost)
	}
	if err != nil {
		return nil, err
	}

	metrics.JobsSubmittedTotal.WithLabelValues(string(req.Type)).Inc()
	s.enqueue(ctx, op, req.UserID)
	return op, nil
}

func (s *Service) persistTx(ctx context.Context, op *operation.Operation, userID string, cost int64) error {
	tx, err := s.tx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := s.tx.ops.AddTx(ctx, tx, op)
	if err != nil {
		return err
	}
	op.ID = id
	if _, err := s.tx.ledger.ReserveTx(ctx, tx, userID, operation.Ref(id), cost); err != nil && !errors.Is(err, ledger.ErrAlreadyReserved) {
		return err
	}
	if err := s.tx.events.InsertTx(ctx, tx, s.submittedEvent(op, userID, cost)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Service) persistMemory(ctx context.Context, op *operation.Operation, userID string, cost int64) error {
	// Pre-check keeps the common insufficient-balance case from creating a
	// row at all; the reserve below still decides races authoritatively.
	if balance, err := s.ledger.Balance(ctx, userID); err != nil {
		return err
	} else if balance < cost {
		return ledger.ErrInsufficientCredits
	}

	id, err := s.ops.Add(ctx, op)
	if err != nil {
		return err
	}
	op.ID = id
	if _, err := s.ledger.Reserve(ctx, userID, operation.Ref(id), cost); err != nil && !errors.Is(err, ledger.ErrAlreadyReserved) {
		if stErr := s.ops.UpdateStatus(ctx, id, operation.StatusFailed, "", "insufficient credits"); stErr != nil {
			s.logger.Error("failed to compensate rejected submission", "operation_id", id, "error", stErr)
		}
		return err
	}
	return s.events.Insert(ctx, s.submittedEvent(op, userID, cost))
}

// enqueue hands the committed operation to the queue. A failure here is not
// surfaced to the caller: the operation and its reservation are durable, and
// the recovery pass re-enqueues pending operations on worker startup.
func (s *Service) enqueue(ctx context.Context, op *operation.Operation, userID string) {
	payload, err := json.Marshal(Payload{
		OperationID: op.ID,
		AssetID:     op.AssetID,
		UserID:      userID,
		Type:        op.Type,
		Params:      op.Params,
	})
	if err != nil {
		s.logger.Error("failed to marshal job payload", "operation_id", op.ID, "error", err)
		return
	}
	if _, err := s.queue.Enqueue(ctx, string(op.Type), payload, PriorityFor(op.Type)); err != nil {
		s.logger.Error("failed to enqueue job, recovery will pick it up",
			"operation_id", op.ID, "type", op.Type, "error", err)
	}
}

// Reenqueue puts an existing pending operation back on the queue. Startup
// recovery uses it for operations whose enqueue was lost.
func (s *Service) Reenqueue(ctx context.Context, op *operation.Operation, userID string) {
	s.enqueue(ctx, op, userID)
}

// PriorityFor maps operation types to queue priorities. Image operations are
// quick and jump ahead of long-running video transcodes.
func PriorityFor(t operation.Type) int {
	if t.IsImage() {
		return queue.PriorityHigh
	}
	return queue.PriorityNormal
}

func (s *Service) submittedEvent(op *operation.Operation, userID string, cost int64) *outbox.Event {
	payload, err := json.Marshal(map[string]any{
		"operationId": op.ID,
		"assetId":     op.AssetID,
		"userId":      userID,
		"type":        op.Type,
		"cost":        cost,
	})
	if err != nil {
		s.logger.Error("failed to marshal job.submitted payload", "error", err)
	}
	return &outbox.Event{
		EventType:      outbox.EventJobSubmitted,
		AggregateType:  string(asset.KindOf(op.AssetID)),
		AggregateID:    op.AssetID,
		IdempotencyKey: operation.IdempotencyKey(op.ID, "submitted"),
		Payload:        payload,
	}
}
