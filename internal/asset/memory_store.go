package asset

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. Unlike the Postgres store it does
// not cascade deletes into operations; memory-mode callers wire that
// themselves if they need it.
type MemoryStore struct {
	mu     sync.RWMutex
	assets map[string]*Asset
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assets: make(map[string]*Asset)}
}

func (s *MemoryStore) Create(ctx context.Context, a *Asset) error {
	if a.Kind == "" && a.ID != "" {
		a.Kind = KindOf(a.ID)
	}
	if a.Kind != KindVideo && a.Kind != KindImage {
		return fmt.Errorf("unknown asset kind %q", a.Kind)
	}
	if a.ID == "" {
		a.ID = NewID(a.Kind)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.assets[a.ID] = &c
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, kind Kind) ([]*Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Asset
	for _, a := range s.assets {
		if a.UserID == userID && a.Kind == kind {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[id]; !ok {
		return ErrNotFound
	}
	delete(s.assets, id)
	return nil
}

func (s *MemoryStore) Count(ctx context.Context, kind Kind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	for _, a := range s.assets {
		if a.Kind == kind {
			n++
		}
	}
	return n, nil
}
