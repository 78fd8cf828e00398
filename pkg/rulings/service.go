// Package rulings records final human judgments on escalated events and
// resolves precedents that can apply to future decisions of the same kind.
package rulings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tillerworks/tiller/pkg/audit"
	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/ledger"
)

// ErrAlreadyRuled is returned when a second ruling targets an event that
// already carries one. Rulings are final.
var ErrAlreadyRuled = errors.New("rulings: event already has a ruling")

// Ledger is the subset of the event ledger the service uses.
type Ledger interface {
	Has(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*ledger.LedgerEntry, error)
	Append(ctx context.Context, entryType, id string, payload map[string]any) (*ledger.LedgerEntry, error)
}

// Service issues and looks up human rulings.
type Service struct {
	store    Store
	ledger   Ledger
	auditLog audit.Logger
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService creates a ruling service over the given store and ledger.
func NewService(store Store, l Ledger) *Service {
	return &Service{
		store:  store,
		ledger: l,
		logger: slog.Default().With("component", "rulings"),
		clock:  time.Now,
	}
}

// WithAudit wires the audit trail for issued rulings.
func (s *Service) WithAudit(a audit.Logger) *Service {
	s.auditLog = a
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// CreateRuling records a final human judgment for an admitted event. The
// ruling itself is appended to the ledger so the audit chain covers human
// decisions the same way it covers machine ones.
func (s *Service) CreateRuling(ctx context.Context, r contracts.HumanRuling) (contracts.HumanRuling, error) {
	if r.EventID == "" {
		return contracts.HumanRuling{}, fmt.Errorf("rulings: event_id is required")
	}
	if r.IssuedBy == "" {
		return contracts.HumanRuling{}, fmt.Errorf("rulings: issued_by is required")
	}
	if !r.FinalAssessment.Valid() {
		return contracts.HumanRuling{}, fmt.Errorf("rulings: unknown final assessment %q", r.FinalAssessment)
	}
	if r.PrecedentCreated && len(r.ApplicableEventTypes) == 0 {
		return contracts.HumanRuling{}, fmt.Errorf("rulings: precedent requires applicable event types")
	}
	if r.ValidityDays < 0 {
		return contracts.HumanRuling{}, fmt.Errorf("rulings: validity_days must not be negative")
	}
	if r.ValidityDays > 0 && !r.ValidUntil.IsZero() {
		return contracts.HumanRuling{}, fmt.Errorf("rulings: validity_days and valid_until are mutually exclusive")
	}

	known, err := s.ledger.Has(ctx, r.EventID)
	if err != nil {
		return contracts.HumanRuling{}, fmt.Errorf("rulings: check event: %w", err)
	}
	if !known {
		return contracts.HumanRuling{}, fmt.Errorf("rulings: event %s: %w", r.EventID, contracts.ErrNotFound)
	}

	if _, err := s.store.Get(ctx, r.EventID); err == nil {
		return contracts.HumanRuling{}, fmt.Errorf("event %s: %w", r.EventID, ErrAlreadyRuled)
	} else if !errors.Is(err, contracts.ErrNotFound) {
		return contracts.HumanRuling{}, fmt.Errorf("rulings: check existing ruling: %w", err)
	}

	r.IssuedAt = s.clock().UTC()
	if r.ValidityDays > 0 {
		r.ValidUntil = r.IssuedAt.Add(time.Duration(r.ValidityDays) * 24 * time.Hour)
		r.ValidityDays = 0
	}

	payload, err := toPayload(r)
	if err != nil {
		return contracts.HumanRuling{}, err
	}
	if _, err := s.ledger.Append(ctx, contracts.EntryTypeRuling, "", payload); err != nil {
		return contracts.HumanRuling{}, fmt.Errorf("rulings: ledger append: %w", err)
	}
	if err := s.store.Put(ctx, r); err != nil {
		return contracts.HumanRuling{}, fmt.Errorf("rulings: persist ruling: %w", err)
	}

	s.logger.InfoContext(ctx, "human ruling issued",
		"event_id", r.EventID,
		"issued_by", r.IssuedBy,
		"final_assessment", string(r.FinalAssessment),
		"precedent", r.PrecedentCreated,
	)
	if s.auditLog != nil {
		_ = s.auditLog.Record(ctx, audit.EventMutation, "ruling.issue", r.EventID, map[string]any{
			"issued_by":        r.IssuedBy,
			"final_assessment": string(r.FinalAssessment),
			"precedent":        r.PrecedentCreated,
		})
	}
	return r, nil
}

// Get returns the ruling for an event, or contracts.ErrNotFound.
func (s *Service) Get(ctx context.Context, eventID string) (contracts.HumanRuling, error) {
	return s.store.Get(ctx, eventID)
}

// List returns all rulings ordered by issue time, oldest first.
func (s *Service) List(ctx context.Context) ([]contracts.HumanRuling, error) {
	return s.store.List(ctx)
}

// FindPrecedent returns the most recently issued ruling whose precedent
// covers actionType at time at, or contracts.ErrNotFound.
func (s *Service) FindPrecedent(ctx context.Context, actionType string, at time.Time) (contracts.HumanRuling, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return contracts.HumanRuling{}, err
	}
	var best contracts.HumanRuling
	found := false
	for _, r := range all {
		if !r.PrecedentActive(actionType, at) {
			continue
		}
		if !found || r.IssuedAt.After(best.IssuedAt) {
			best = r
			found = true
		}
	}
	if !found {
		return contracts.HumanRuling{}, contracts.ErrNotFound
	}
	return best, nil
}

// ResolvePrecedent finds the active precedent covering the given event's
// action type at time at, or contracts.ErrNotFound. The event must be on the
// ledger.
func (s *Service) ResolvePrecedent(ctx context.Context, eventID string, at time.Time) (contracts.HumanRuling, error) {
	entry, err := s.ledger.Get(ctx, eventID)
	if err != nil {
		return contracts.HumanRuling{}, fmt.Errorf("rulings: load event %s: %w", eventID, err)
	}
	actionType, _ := entry.Payload["action_type"].(string)
	if actionType == "" {
		return contracts.HumanRuling{}, contracts.ErrNotFound
	}
	return s.FindPrecedent(ctx, actionType, at)
}

func toPayload(r contracts.HumanRuling) (map[string]any, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("rulings: encode ruling: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("rulings: decode ruling payload: %w", err)
	}
	return payload, nil
}
