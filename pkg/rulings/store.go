package rulings

import (
	"context"
	"sort"
	"sync"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// Store persists rulings keyed by event id, at most one per event.
type Store interface {
	Put(ctx context.Context, r contracts.HumanRuling) error
	Get(ctx context.Context, eventID string) (contracts.HumanRuling, error)
	// List returns all rulings ordered by issue time, oldest first.
	List(ctx context.Context) ([]contracts.HumanRuling, error)
}

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	byEvent map[string]contracts.HumanRuling
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byEvent: make(map[string]contracts.HumanRuling)}
}

func (s *MemoryStore) Put(_ context.Context, r contracts.HumanRuling) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEvent[r.EventID] = r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, eventID string) (contracts.HumanRuling, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byEvent[eventID]
	if !ok {
		return contracts.HumanRuling{}, contracts.ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) List(_ context.Context) ([]contracts.HumanRuling, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.HumanRuling, 0, len(s.byEvent))
	for _, r := range s.byEvent {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out, nil
}
