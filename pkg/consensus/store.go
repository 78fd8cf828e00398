package consensus

import (
	"context"
	"sort"
	"sync"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// ClassificationStore holds live classifications keyed by
// (event_id, classifier_id) plus an archive of superseded versions.
// Upsert must archive-then-write atomically: no reader may observe a state
// where the prior version is gone but the new one is not yet visible.
type ClassificationStore interface {
	// Upsert records a classification, archiving any prior live version for
	// the same (event_id, classifier_id).
	Upsert(ctx context.Context, c contracts.Classification) error
	// Get returns the live classification for one classifier, or
	// contracts.ErrNotFound.
	Get(ctx context.Context, eventID, classifierID string) (contracts.Classification, error)
	// Live returns all live classifications for an event, ordered by
	// classifier id.
	Live(ctx context.Context, eventID string) ([]contracts.Classification, error)
	// Archived returns superseded versions for one classifier, oldest first.
	Archived(ctx context.Context, eventID, classifierID string) ([]contracts.Classification, error)
	// EventIDs returns every event id with at least one live classification.
	EventIDs(ctx context.Context) ([]string, error)
}

// ConsensusStore holds one overwritable consensus record per event.
type ConsensusStore interface {
	Put(ctx context.Context, rec contracts.ConsensusRecord) error
	Get(ctx context.Context, eventID string) (contracts.ConsensusRecord, error)
	EventIDs(ctx context.Context) ([]string, error)
}

type classKey struct {
	eventID      string
	classifierID string
}

// MemoryClassificationStore is the in-process ClassificationStore.
type MemoryClassificationStore struct {
	mu      sync.RWMutex
	live    map[classKey]contracts.Classification
	archive map[classKey][]contracts.Classification
}

// NewMemoryClassificationStore creates an empty in-memory store.
func NewMemoryClassificationStore() *MemoryClassificationStore {
	return &MemoryClassificationStore{
		live:    make(map[classKey]contracts.Classification),
		archive: make(map[classKey][]contracts.Classification),
	}
}

func (s *MemoryClassificationStore) Upsert(_ context.Context, c contracts.Classification) error {
	key := classKey{c.EventID, c.ClassifierID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.live[key]; ok {
		s.archive[key] = append(s.archive[key], prior)
	}
	s.live[key] = c
	return nil
}

func (s *MemoryClassificationStore) Get(_ context.Context, eventID, classifierID string) (contracts.Classification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.live[classKey{eventID, classifierID}]
	if !ok {
		return contracts.Classification{}, contracts.ErrNotFound
	}
	return c, nil
}

func (s *MemoryClassificationStore) Live(_ context.Context, eventID string) ([]contracts.Classification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []contracts.Classification
	for key, c := range s.live {
		if key.eventID == eventID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassifierID < out[j].ClassifierID })
	return out, nil
}

func (s *MemoryClassificationStore) Archived(_ context.Context, eventID, classifierID string) ([]contracts.Classification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.archive[classKey{eventID, classifierID}]
	out := make([]contracts.Classification, len(versions))
	copy(out, versions)
	return out, nil
}

func (s *MemoryClassificationStore) EventIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for key := range s.live {
		if _, ok := seen[key.eventID]; !ok {
			seen[key.eventID] = struct{}{}
			out = append(out, key.eventID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MemoryConsensusStore is the in-process ConsensusStore.
type MemoryConsensusStore struct {
	mu      sync.RWMutex
	records map[string]contracts.ConsensusRecord
}

// NewMemoryConsensusStore creates an empty in-memory store.
func NewMemoryConsensusStore() *MemoryConsensusStore {
	return &MemoryConsensusStore{records: make(map[string]contracts.ConsensusRecord)}
}

func (s *MemoryConsensusStore) Put(_ context.Context, rec contracts.ConsensusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.EventID] = rec
	return nil
}

func (s *MemoryConsensusStore) Get(_ context.Context, eventID string) (contracts.ConsensusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[eventID]
	if !ok {
		return contracts.ConsensusRecord{}, contracts.ErrNotFound
	}
	return rec, nil
}

func (s *MemoryConsensusStore) EventIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
