package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vidforge/vidforge/internal/idgen"
	"github.com/vidforge/vidforge/internal/outbox"
)

// PostgresStore implements Store with PostgreSQL. All balance mutations lock
// the users row first, so concurrent reservations for the same user are
// serialized and the cached balance can never drift from the entry sum.
type PostgresStore struct {
	db     *sql.DB
	events outbox.TxInserter // nil disables billing event emission
}

// NewPostgresStore creates a ledger store. When events is non-nil, every
// reservation lifecycle mutation writes a billing outbox event in the same
// transaction.
func NewPostgresStore(db *sql.DB, events outbox.TxInserter) *PostgresStore {
	return &PostgresStore{db: db, events: events}
}

// execer is the subset of sql.DB / sql.Tx the queries need.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const entryColumns = "id, user_id, type, amount, description, operation_id, request_id, created_at"

func (s *PostgresStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		"SELECT credit_balance FROM users WHERE id = $1", userID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) AddCredits(ctx context.Context, userID string, amount int64, requestID, description string) (*Entry, error) {
	entry, err := s.spend(ctx, userID, amount, requestID, description, TypeAddition)
	recordOp("add", err)
	return entry, err
}

func (s *PostgresStore) Deduct(ctx context.Context, userID string, amount int64, requestID, description string) (*Entry, error) {
	entry, err := s.spend(ctx, userID, amount, requestID, description, TypeDeduction)
	recordOp("deduct", err)
	return entry, err
}

// spend handles the two direct (non-reservation) mutations. amount is always
// the positive magnitude; the entry sign follows the type.
func (s *PostgresStore) spend(ctx context.Context, userID string, amount int64, requestID, description string, typ EntryType) (*Entry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	balance, err := lockUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if requestID != "" {
		existing, err := findByRequestID(ctx, tx, requestID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			signed := amount
			if typ == TypeDeduction {
				signed = -amount
			}
			if existing.UserID != userID || existing.Type != typ || existing.Amount != signed {
				return nil, ErrRequestCollision
			}
			return existing, nil
		}
	}

	entry := &Entry{
		ID:          idgen.New(),
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		Description: description,
		RequestID:   requestID,
		CreatedAt:   time.Now().UTC(),
	}
	if typ == TypeDeduction {
		if balance < amount {
			return nil, ErrInsufficientCredits
		}
		entry.Amount = -amount
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := updateBalance(ctx, tx, userID, entry.Amount); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, userID, operationID string, amount int64) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := s.ReserveTx(ctx, tx, userID, operationID, amount)
	if err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Capture(ctx context.Context, operationID string) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := s.CaptureTx(ctx, tx, operationID)
	if err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Release(ctx context.Context, operationID string) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := s.ReleaseTx(ctx, tx, operationID)
	if err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

// ReserveTx reserves amount credits for operationID inside tx. The caller
// owns commit and rollback.
func (s *PostgresStore) ReserveTx(ctx context.Context, tx *sql.Tx, userID, operationID string, amount int64) (*Entry, error) {
	entry, err := s.reserveTx(ctx, tx, userID, operationID, amount)
	recordOp("reserve", err)
	return entry, err
}

func (s *PostgresStore) reserveTx(ctx context.Context, tx *sql.Tx, userID, operationID string, amount int64) (*Entry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if operationID == "" {
		return nil, fmt.Errorf("operation id is required")
	}

	balance, err := lockUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	existing, err := findByOperation(ctx, tx, operationID, TypeReservation)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, ErrAlreadyReserved
	}

	if balance < amount {
		return nil, ErrInsufficientCredits
	}

	entry := &Entry{
		ID:          idgen.New(),
		UserID:      userID,
		Type:        TypeReservation,
		Amount:      -amount,
		Description: "reserved for " + operationID,
		OperationID: operationID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := updateBalance(ctx, tx, userID, entry.Amount); err != nil {
		return nil, err
	}
	if err := s.emit(ctx, tx, outbox.EventReservationReserved, "reserved", entry, balance+entry.Amount); err != nil {
		return nil, err
	}
	return entry, nil
}

// CaptureTx settles the reservation for operationID as spent inside tx.
func (s *PostgresStore) CaptureTx(ctx context.Context, tx *sql.Tx, operationID string) (*Entry, error) {
	entry, err := s.captureTx(ctx, tx, operationID)
	recordOp("capture", err)
	return entry, err
}

func (s *PostgresStore) captureTx(ctx context.Context, tx *sql.Tx, operationID string) (*Entry, error) {
	res, err := findByOperation(ctx, tx, operationID, TypeReservation)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ErrNoReservation
	}

	balance, err := lockUser(ctx, tx, res.UserID)
	if err != nil {
		return nil, err
	}

	// Settle state is only trustworthy after the user lock is held.
	settled, err := findSettlement(ctx, tx, operationID)
	if err != nil {
		return nil, err
	}
	if settled != nil {
		if settled.Type == TypeCapture {
			return settled, nil
		}
		return nil, ErrSettled
	}

	entry := &Entry{
		ID:          idgen.New(),
		UserID:      res.UserID,
		Type:        TypeCapture,
		Amount:      0,
		Description: "captured " + operationID,
		OperationID: operationID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := s.emit(ctx, tx, outbox.EventReservationCaptured, "captured", entry, balance); err != nil {
		return nil, err
	}
	return entry, nil
}

// ReleaseTx returns the reservation for operationID to the user inside tx.
func (s *PostgresStore) ReleaseTx(ctx context.Context, tx *sql.Tx, operationID string) (*Entry, error) {
	entry, err := s.releaseTx(ctx, tx, operationID)
	recordOp("release", err)
	return entry, err
}

func (s *PostgresStore) releaseTx(ctx context.Context, tx *sql.Tx, operationID string) (*Entry, error) {
	res, err := findByOperation(ctx, tx, operationID, TypeReservation)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ErrNoReservation
	}

	balance, err := lockUser(ctx, tx, res.UserID)
	if err != nil {
		return nil, err
	}

	settled, err := findSettlement(ctx, tx, operationID)
	if err != nil {
		return nil, err
	}
	if settled != nil {
		if settled.Type == TypeRefund {
			return settled, nil
		}
		return nil, ErrSettled
	}

	entry := &Entry{
		ID:          idgen.New(),
		UserID:      res.UserID,
		Type:        TypeRefund,
		Amount:      -res.Amount, // reservation amounts are negative
		Description: "released " + operationID,
		OperationID: operationID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := updateBalance(ctx, tx, res.UserID, entry.Amount); err != nil {
		return nil, err
	}
	if err := s.emit(ctx, tx, outbox.EventReservationReleased, "released", entry, balance+entry.Amount); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *PostgresStore) History(ctx context.Context, userID string, limit, offset int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) ListEntries(ctx context.Context, userID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM credit_transactions WHERE user_id = $1 ORDER BY created_at ASC, id ASC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) ListStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM credit_transactions r
		WHERE r.type = 'reservation'
		  AND r.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM credit_transactions s
			WHERE s.operation_id = r.operation_id
			  AND s.type IN ('debit_capture', 'refund')
		  )
		ORDER BY r.created_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale reservations: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) SumEntries(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1", userID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum entries: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) AllUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT user_id FROM credit_transactions ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) InsertAdjustment(ctx context.Context, userID string, amount int64, requestID, description string) (*Entry, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock the user row so the adjustment serializes with live mutations,
	// even though it deliberately leaves the cached balance untouched.
	if _, err := lockUser(ctx, tx, userID); err != nil {
		return nil, err
	}

	if requestID != "" {
		existing, err := findByRequestID(ctx, tx, requestID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	typ := TypeAddition
	if amount < 0 {
		typ = TypeDeduction
	}
	entry := &Entry{
		ID:          idgen.New(),
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		Description: description,
		RequestID:   requestID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

// emit writes a billing lifecycle event to the outbox inside tx.
func (s *PostgresStore) emit(ctx context.Context, tx *sql.Tx, eventType, stage string, entry *Entry, balance int64) error {
	if s.events == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]any{
		"userId":      entry.UserID,
		"operationId": entry.OperationID,
		"entryId":     entry.ID,
		"amount":      entry.Amount,
		"balance":     balance,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal billing payload: %w", err)
	}
	return s.events.InsertTx(ctx, tx, &outbox.Event{
		EventType:      eventType,
		AggregateType:  "user",
		AggregateID:    entry.UserID,
		IdempotencyKey: "billing:" + entry.OperationID + ":" + stage,
		Payload:        payload,
	})
}

func lockUser(ctx context.Context, q execer, userID string) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx,
		"SELECT credit_balance FROM users WHERE id = $1 FOR UPDATE", userID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock user row: %w", err)
	}
	return balance, nil
}

func updateBalance(ctx context.Context, q execer, userID string, delta int64) error {
	_, err := q.ExecContext(ctx,
		"UPDATE users SET credit_balance = credit_balance + $2, updated_at = NOW() WHERE id = $1",
		userID, delta)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, q execer, e *Entry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, type, amount, description, operation_id, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)`,
		e.ID, e.UserID, string(e.Type), e.Amount, e.Description, e.OperationID, e.RequestID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func findByRequestID(ctx context.Context, q execer, requestID string) (*Entry, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM credit_transactions WHERE request_id = $1", requestID)
	return scanEntry(row)
}

func findByOperation(ctx context.Context, q execer, operationID string, typ EntryType) (*Entry, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM credit_transactions WHERE operation_id = $1 AND type = $2 LIMIT 1",
		operationID, string(typ))
	return scanEntry(row)
}

// findSettlement returns the capture or refund entry for operationID, if any.
func findSettlement(ctx context.Context, q execer, operationID string) (*Entry, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM credit_transactions WHERE operation_id = $1 AND type IN ('debit_capture', 'refund') LIMIT 1",
		operationID)
	return scanEntry(row)
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var desc, opID, reqID sql.NullString
	err := row.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &desc, &opID, &reqID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.Description = desc.String
	e.OperationID = opID.String
	e.RequestID = reqID.String
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var e Entry
		var desc, opID, reqID sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &desc, &opID, &reqID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Description = desc.String
		e.OperationID = opID.String
		e.RequestID = reqID.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
