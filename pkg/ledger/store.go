package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// Store persists ledger entries in sequence order. The Ledger owns the chain
// state (head hash, sequence); stores only persist and enumerate.
type Store interface {
	// Append persists a new entry. Entry ids are unique.
	Append(ctx context.Context, entry *LedgerEntry) error
	// Get returns the entry with the given id, or contracts.ErrNotFound.
	Get(ctx context.Context, id string) (*LedgerEntry, error)
	// Last returns the highest-sequence entry, or nil when empty.
	Last(ctx context.Context) (*LedgerEntry, error)
	// List returns all entries in ascending sequence order.
	List(ctx context.Context) ([]*LedgerEntry, error)
	// Len returns the number of entries.
	Len(ctx context.Context) (uint64, error)
}

// MemoryStore is the in-process Store used for tests and single-process
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*LedgerEntry
	byID    map[string]*LedgerEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*LedgerEntry)}
}

func (s *MemoryStore) Append(_ context.Context, entry *LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[entry.ID]; ok {
		return fmt.Errorf("entry %s: %w", entry.ID, ErrDuplicateEntry)
	}
	e := *entry
	s.entries = append(s.entries, &e)
	s.byID[e.ID] = &e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.byID[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	e := *entry
	return &e, nil
}

func (s *MemoryStore) Last(_ context.Context) (*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return nil, nil
	}
	e := *s.entries[len(s.entries)-1]
	return &e, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*LedgerEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		e := *entry
		out = append(out, &e)
	}
	return out, nil
}

func (s *MemoryStore) Len(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries)), nil
}
