package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vidforge/vidforge/internal/idgen"
)

// MemoryStore is an in-memory implementation for tests and demo mode.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event // by id
	byKey  map[string]string // idempotency_key -> id
}

// NewMemoryStore creates a new in-memory outbox store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*Event),
		byKey:  make(map[string]string),
	}
}

func (m *MemoryStore) Insert(ctx context.Context, evt *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(evt)
}

// insertLocked assumes m.mu is held. Shared with the ledger memory store,
// which appends events under its own composite lock ordering.
func (m *MemoryStore) insertLocked(evt *Event) error {
	if _, dup := m.byKey[evt.IdempotencyKey]; dup {
		return nil // duplicate idempotency key is a silent no-op
	}
	stored := *evt
	if stored.ID == "" {
		stored.ID = idgen.New()
	}
	now := time.Now()
	stored.Status = StatusPending
	stored.Attempts = 0
	stored.NextAttemptAt = now
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.events[stored.ID] = &stored
	m.byKey[stored.IdempotencyKey] = stored.ID
	return nil
}

func (m *MemoryStore) ClaimBatch(ctx context.Context, n int, dispatcherID string, lease time.Duration) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var candidates []*Event
	for _, evt := range m.events {
		retryable := (evt.Status == StatusPending || evt.Status == StatusFailed) && !evt.NextAttemptAt.After(now)
		expired := evt.Status == StatusProcessing && evt.LockedAt != nil && evt.LockedAt.Add(lease).Before(now)
		if retryable || expired {
			candidates = append(candidates, evt)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	claimed := make([]*Event, 0, len(candidates))
	for _, evt := range candidates {
		evt.Status = StatusProcessing
		lockedAt := now
		evt.LockedAt = &lockedAt
		evt.LockedBy = dispatcherID
		evt.UpdatedAt = now
		copied := *evt
		claimed = append(claimed, &copied)
	}
	return claimed, nil
}

func (m *MemoryStore) MarkPublished(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	evt, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	evt.Status = StatusPublished
	evt.LockedAt = nil
	evt.LockedBy = ""
	evt.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id string, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	evt, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	evt.Attempts++
	evt.LockedAt = nil
	evt.LockedBy = ""
	evt.UpdatedAt = time.Now()
	if evt.Attempts >= maxAttempts {
		evt.Status = StatusDead
	} else {
		evt.Status = StatusFailed
		evt.NextAttemptAt = time.Now().Add(Backoff(evt.Attempts))
	}
	return nil
}

func (m *MemoryStore) CountRetryable(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, evt := range m.events {
		if evt.Status == StatusPending || evt.Status == StatusFailed {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) PrunePublished(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned int64
	for id, evt := range m.events {
		if evt.Status == StatusPublished && evt.UpdatedAt.Before(before) {
			delete(m.byKey, evt.IdempotencyKey)
			delete(m.events, id)
			pruned++
		}
	}
	return pruned, nil
}

// All returns every stored event, oldest first. Test helper.
func (m *MemoryStore) All() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*Event, 0, len(m.events))
	for _, evt := range m.events {
		copied := *evt
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}
