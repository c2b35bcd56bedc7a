package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/vidforge/vidforge/internal/idgen"
	"github.com/vidforge/vidforge/internal/outbox"
)

// MemoryStore implements Store in memory for tests and database-less demo
// runs. A single mutex stands in for the per-user row locks, which gives the
// same serialization guarantee the Postgres store gets from FOR UPDATE.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]int64
	entries  []*Entry
	events   outbox.Store // nil disables billing event emission
}

// NewMemoryStore creates an empty in-memory ledger. When events is non-nil,
// reservation lifecycle mutations append billing events to it.
func NewMemoryStore(events outbox.Store) *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]int64),
		events:   events,
	}
}

// CreateUser seeds a balance record. The Postgres store never needs this;
// there the users table is the source of truth.
func (s *MemoryStore) CreateUser(userID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.balances[userID]; !ok {
		s.balances[userID] = balance
	}
}

func (s *MemoryStore) Balance(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return balance, nil
}

func (s *MemoryStore) AddCredits(ctx context.Context, userID string, amount int64, requestID, description string) (*Entry, error) {
	entry, err := s.spend(ctx, userID, amount, requestID, description, TypeAddition)
	recordOp("add", err)
	return entry, err
}

func (s *MemoryStore) Deduct(ctx context.Context, userID string, amount int64, requestID, description string) (*Entry, error) {
	entry, err := s.spend(ctx, userID, amount, requestID, description, TypeDeduction)
	recordOp("deduct", err)
	return entry, err
}

func (s *MemoryStore) spend(ctx context.Context, userID string, amount int64, requestID, description string, typ EntryType) (*Entry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	balance, ok := s.balances[userID]
	if !ok {
		if typ == TypeDeduction {
			return nil, ErrUserNotFound
		}
		// First purchase creates the balance record.
		balance = 0
	}

	if requestID != "" {
		if existing := s.findByRequestLocked(requestID); existing != nil {
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

	s.entries = append(s.entries, entry)
	s.balances[userID] = balance + entry.Amount
	return entry, nil
}

func (s *MemoryStore) Reserve(ctx context.Context, userID, operationID string, amount int64) (*Entry, error) {
	entry, err := s.reserve(ctx, userID, operationID, amount)
	recordOp("reserve", err)
	return entry, err
}

func (s *MemoryStore) reserve(ctx context.Context, userID, operationID string, amount int64) (*Entry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	balance, ok := s.balances[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if existing := s.findByOperationLocked(operationID, TypeReservation); existing != nil {
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
	s.entries = append(s.entries, entry)
	s.balances[userID] = balance - amount
	s.emitLocked(ctx, outbox.EventReservationReserved, "reserved", entry, s.balances[userID])
	return entry, nil
}

func (s *MemoryStore) Capture(ctx context.Context, operationID string) (*Entry, error) {
	entry, err := s.capture(ctx, operationID)
	recordOp("capture", err)
	return entry, err
}

func (s *MemoryStore) capture(ctx context.Context, operationID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.findByOperationLocked(operationID, TypeReservation)
	if res == nil {
		return nil, ErrNoReservation
	}
	if settled := s.findSettlementLocked(operationID); settled != nil {
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
	s.entries = append(s.entries, entry)
	s.emitLocked(ctx, outbox.EventReservationCaptured, "captured", entry, s.balances[res.UserID])
	return entry, nil
}

func (s *MemoryStore) Release(ctx context.Context, operationID string) (*Entry, error) {
	entry, err := s.release(ctx, operationID)
	recordOp("release", err)
	return entry, err
}

func (s *MemoryStore) release(ctx context.Context, operationID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.findByOperationLocked(operationID, TypeReservation)
	if res == nil {
		return nil, ErrNoReservation
	}
	if settled := s.findSettlementLocked(operationID); settled != nil {
		if settled.Type == TypeRefund {
			return settled, nil
		}
		return nil, ErrSettled
	}

	entry := &Entry{
		ID:          idgen.New(),
		UserID:      res.UserID,
		Type:        TypeRefund,
		Amount:      -res.Amount,
		Description: "released " + operationID,
		OperationID: operationID,
		CreatedAt:   time.Now().UTC(),
	}
	s.entries = append(s.entries, entry)
	s.balances[res.UserID] += entry.Amount
	s.emitLocked(ctx, outbox.EventReservationReleased, "released", entry, s.balances[res.UserID])
	return entry, nil
}

func (s *MemoryStore) History(ctx context.Context, userID string, limit, offset int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*Entry
	for _, e := range s.entries {
		if e.UserID == userID {
			all = append(all, e)
		}
	}
	// Newest first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return copyEntries(all), nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, userID string) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*Entry
	for _, e := range s.entries {
		if e.UserID == userID {
			all = append(all, e)
		}
	}
	return copyEntries(all), nil
}

func (s *MemoryStore) ListStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*Entry
	for _, e := range s.entries {
		if e.Type != TypeReservation || !e.CreatedAt.Before(cutoff) {
			continue
		}
		if s.findSettlementLocked(e.OperationID) != nil {
			continue
		}
		stale = append(stale, e)
		if len(stale) >= limit {
			break
		}
	}
	return copyEntries(stale), nil
}

func (s *MemoryStore) SumEntries(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum int64
	for _, e := range s.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (s *MemoryStore) AllUserIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var ids []string
	for _, e := range s.entries {
		if !seen[e.UserID] {
			seen[e.UserID] = true
			ids = append(ids, e.UserID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) InsertAdjustment(ctx context.Context, userID string, amount int64, requestID, description string) (*Entry, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if requestID != "" {
		if existing := s.findByRequestLocked(requestID); existing != nil {
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
	s.entries = append(s.entries, entry)
	return entry, nil
}

// SetBalance overwrites the cached balance without a ledger entry. Tests use
// it to manufacture drift for reconciliation scenarios.
func (s *MemoryStore) SetBalance(userID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = balance
}

// Backdate rewrites the creation time of every entry bound to operationID.
// Tests use it to age reservations for janitor scenarios.
func (s *MemoryStore) Backdate(operationID string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.OperationID == operationID {
			e.CreatedAt = createdAt
		}
	}
}

func (s *MemoryStore) findByRequestLocked(requestID string) *Entry {
	for _, e := range s.entries {
		if e.RequestID == requestID {
			return e
		}
	}
	return nil
}

func (s *MemoryStore) findByOperationLocked(operationID string, typ EntryType) *Entry {
	for _, e := range s.entries {
		if e.OperationID == operationID && e.Type == typ {
			return e
		}
	}
	return nil
}

func (s *MemoryStore) findSettlementLocked(operationID string) *Entry {
	for _, e := range s.entries {
		if e.OperationID == operationID && (e.Type == TypeCapture || e.Type == TypeRefund) {
			return e
		}
	}
	return nil
}

func (s *MemoryStore) emitLocked(ctx context.Context, eventType, stage string, entry *Entry, balance int64) {
	if s.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"userId":      entry.UserID,
		"operationId": entry.OperationID,
		"entryId":     entry.ID,
		"amount":      entry.Amount,
		"balance":     balance,
	})
	if err != nil {
		return
	}
	// Insert is a no-op on duplicate idempotency keys, matching the
	// Postgres path.
	_ = s.events.Insert(ctx, &outbox.Event{
		EventType:      eventType,
		AggregateType:  "user",
		AggregateID:    entry.UserID,
		IdempotencyKey: "billing:" + entry.OperationID + ":" + stage,
		Payload:        payload,
	})
}

func copyEntries(in []*Entry) []*Entry {
	if in == nil {
		return nil
	}
	out := make([]*Entry, len(in))
	for i, e := range in {
		c := *e
		out[i] = &c
	}
	return out
}
