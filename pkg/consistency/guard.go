// Package consistency cross-checks the governance stores against each other
// and against the ledger, and guards writes that would introduce dangling
// references in the first place.
package consistency

import (
	"context"
	"fmt"

	"github.com/tillerworks/tiller/pkg/consensus"
	"github.com/tillerworks/tiller/pkg/contracts"
)

// EventIndex answers whether an event id is present in the ledger.
type EventIndex interface {
	Has(ctx context.Context, id string) (bool, error)
}

// ErrUnknownEvent is returned when a write references an event the ledger
// has never admitted.
var ErrUnknownEvent = fmt.Errorf("consistency: referenced event not in ledger")

// GuardedClassificationStore rejects classification writes for events the
// ledger does not know. Reads pass straight through.
type GuardedClassificationStore struct {
	consensus.ClassificationStore
	events EventIndex
}

// GuardClassifications wraps a classification store with an event-existence
// precondition on Upsert.
func GuardClassifications(store consensus.ClassificationStore, events EventIndex) *GuardedClassificationStore {
	return &GuardedClassificationStore{ClassificationStore: store, events: events}
}

func (g *GuardedClassificationStore) Upsert(ctx context.Context, c contracts.Classification) error {
	known, err := g.events.Has(ctx, c.EventID)
	if err != nil {
		return fmt.Errorf("consistency: check event %s: %w", c.EventID, err)
	}
	if !known {
		return fmt.Errorf("event %s: %w", c.EventID, ErrUnknownEvent)
	}
	return g.ClassificationStore.Upsert(ctx, c)
}
