package violations

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// Filter narrows a violation listing. Zero fields match everything.
type Filter struct {
	AgentID  string
	Type     string
	Severity contracts.Severity
	Since    time.Time
}

func (f Filter) matches(v contracts.Violation) bool {
	if f.AgentID != "" && v.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && v.Type != f.Type {
		return false
	}
	if f.Severity != "" && v.Severity != f.Severity {
		return false
	}
	if !f.Since.IsZero() && v.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Store is the violation persistence backend.
type Store interface {
	Put(ctx context.Context, v contracts.Violation) error
	Get(ctx context.Context, violationID string) (contracts.Violation, error)
	// List returns matching violations ordered newest first.
	List(ctx context.Context, f Filter) ([]contracts.Violation, error)

	PutEscalation(ctx context.Context, e contracts.Escalation) error
	// Escalations returns escalations in the given status, oldest first.
	Escalations(ctx context.Context, status contracts.EscalationStatus) ([]contracts.Escalation, error)
	SetEscalationStatus(ctx context.Context, escalationID string, status contracts.EscalationStatus) error
}

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu          sync.RWMutex
	violations  map[string]contracts.Violation
	escalations map[string]contracts.Escalation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		violations:  make(map[string]contracts.Violation),
		escalations: make(map[string]contracts.Escalation),
	}
}

func (s *MemoryStore) Put(_ context.Context, v contracts.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations[v.ViolationID] = v
	return nil
}

func (s *MemoryStore) Get(_ context.Context, violationID string) (contracts.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.violations[violationID]
	if !ok {
		return contracts.Violation{}, contracts.ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]contracts.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Violation
	for _, v := range s.violations {
		if f.matches(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ViolationID < out[j].ViolationID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) PutEscalation(_ context.Context, e contracts.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalations[e.EscalationID] = e
	return nil
}

func (s *MemoryStore) Escalations(_ context.Context, status contracts.EscalationStatus) ([]contracts.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Escalation
	for _, e := range s.escalations {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].EscalationID < out[j].EscalationID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SetEscalationStatus(_ context.Context, escalationID string, status contracts.EscalationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escalations[escalationID]
	if !ok {
		return contracts.ErrNotFound
	}
	e.Status = status
	s.escalations[escalationID] = e
	return nil
}
