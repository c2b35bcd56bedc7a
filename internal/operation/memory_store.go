package operation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation for tests and demo mode.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	ops    map[int64]*Operation
}

// NewMemoryStore creates a new in-memory operation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[int64]*Operation)}
}

func (m *MemoryStore) Add(ctx context.Context, op *Operation) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := time.Now()
	stored := *op
	stored.ID = m.nextID
	stored.Status = StatusPending
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.ops[stored.ID] = &stored
	return stored.ID, nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *op
	return &copied, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id int64, status Status, resultPath, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}
	if !op.Status.CanTransition(status) {
		return fmt.Errorf("%w: operation %d from %s to %s", ErrInvalidTransition, id, op.Status, status)
	}
	op.Status = status
	if resultPath != "" {
		op.ResultPath = resultPath
	}
	if errMessage != "" {
		op.ErrorMessage = errMessage
	}
	op.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Find(ctx context.Context, assetID string, opType Type, params Params) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Operation
	for _, op := range m.ops {
		if op.AssetID == assetID && op.Type == opType && op.Params.Equal(params) {
			if best == nil || op.CreatedAt.After(best.CreatedAt) {
				best = op
			}
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	copied := *best
	return &copied, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	wanted := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var result []*Operation
	for _, op := range m.ops {
		if wanted[op.Status] {
			copied := *op
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByAsset(ctx context.Context, assetID string) ([]*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Operation
	for _, op := range m.ops {
		if op.AssetID == assetID {
			copied := *op
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}
