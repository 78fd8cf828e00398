// Package ledger implements the immutable, hash-chained event ledger.
//
// Each entry's hash covers its content and the previous entry's hash, so any
// mutation, reordering, or deletion is detectable by a full-chain walk.
// Appends are strictly serialized: exactly one writer holds the chain head.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tillerworks/tiller/pkg/canonicalize"
	"github.com/tillerworks/tiller/pkg/contracts"
)

// GenesisHash is the fixed previous_hash of the first entry.
const GenesisHash = "genesis"

// ErrDuplicateEntry is returned by Append when the given id is already on the
// chain. Nothing is written.
var ErrDuplicateEntry = errors.New("ledger: duplicate entry id")

// LedgerEntry is one immutable, hash-linked record.
type LedgerEntry struct {
	ID           string         `json:"id"`
	Sequence     uint64         `json:"sequence"`
	EntryType    string         `json:"entry_type"`
	Payload      map[string]any `json:"payload"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
	Timestamp    time.Time      `json:"timestamp"`
}

// hashInput is the canonical content covered by an entry's hash. The
// timestamp is pinned to RFC 3339 UTC so the digest survives storage
// round-trips.
type hashInput struct {
	Timestamp    string         `json:"timestamp"`
	EntryType    string         `json:"entry_type"`
	Payload      map[string]any `json:"payload"`
	PreviousHash string         `json:"previous_hash"`
}

func entryHash(timestamp time.Time, entryType string, payload map[string]any, previousHash string) (string, error) {
	return canonicalize.CanonicalHash(hashInput{
		Timestamp:    timestamp.UTC().Format(time.RFC3339Nano),
		EntryType:    entryType,
		Payload:      payload,
		PreviousHash: previousHash,
	})
}

// Ledger is an append-only, hash-chained log over a pluggable Store.
type Ledger struct {
	mu    sync.Mutex
	store Store
	head  string
	seq   uint64
	clock func() time.Time
}

// New creates a Ledger over the given store, recovering the chain head from
// the most recent persisted entry.
func New(ctx context.Context, store Store) (*Ledger, error) {
	l := &Ledger{
		store: store,
		head:  GenesisHash,
		clock: time.Now,
	}
	last, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: recover head: %w", err)
	}
	if last != nil {
		l.head = last.Hash
		l.seq = last.Sequence
	}
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append creates a new hash-linked entry. A caller-supplied id that is
// already on the chain yields ErrDuplicateEntry with nothing written; the
// lookup and the append share the chain mutex, so two concurrent appends of
// the same id can never both commit.
func (l *Ledger) Append(ctx context.Context, entryType, id string, payload map[string]any) (*LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id != "" {
		_, err := l.store.Get(ctx, id)
		if err == nil {
			return nil, ErrDuplicateEntry
		}
		if err != contracts.ErrNotFound {
			return nil, fmt.Errorf("ledger: check entry id: %w", err)
		}
	}

	// Microsecond precision survives every backing store (TIMESTAMPTZ
	// included), so recomputed hashes match after a round-trip.
	now := l.clock().UTC().Truncate(time.Microsecond)
	hash, err := entryHash(now, entryType, payload, l.head)
	if err != nil {
		return nil, fmt.Errorf("ledger: hash entry: %w", err)
	}
	if id == "" {
		id = hash
	}

	entry := &LedgerEntry{
		ID:           id,
		Sequence:     l.seq + 1,
		EntryType:    entryType,
		Payload:      payload,
		PreviousHash: l.head,
		Hash:         hash,
		Timestamp:    now,
	}

	if err := l.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("ledger: persist entry: %w", err)
	}
	l.head = hash
	l.seq = entry.Sequence

	return entry, nil
}

// GetLastEntry returns the most recent entry, or nil when the chain is empty.
func (l *Ledger) GetLastEntry(ctx context.Context) (*LedgerEntry, error) {
	return l.store.Last(ctx)
}

// Get returns the entry with the given id, or contracts.ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (*LedgerEntry, error) {
	return l.store.Get(ctx, id)
}

// Has reports whether an entry with the given id exists.
func (l *Ledger) Has(ctx context.Context, id string) (bool, error) {
	_, err := l.store.Get(ctx, id)
	if err == nil {
		return true, nil
	}
	if err == contracts.ErrNotFound {
		return false, nil
	}
	return false, err
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Length returns the number of entries.
func (l *Ledger) Length(ctx context.Context) (uint64, error) {
	return l.store.Len(ctx)
}

// Entries returns all entries in sequence order.
func (l *Ledger) Entries(ctx context.Context) ([]*LedgerEntry, error) {
	return l.store.List(ctx)
}

// VerifyIntegrity walks the whole chain recomputing every hash and link.
// It is fail-fast: the first mismatch is reported and the walk stops. The
// detail string distinguishes content tampering ("hash mismatch") from
// reordering or deletion ("chain link broken").
func (l *Ledger) VerifyIntegrity(ctx context.Context) (bool, string) {
	if v, err := l.CheckIntegrity(ctx); err != nil {
		return false, err.Error()
	} else if v != nil {
		return false, v.Error()
	}
	return true, "chain verified"
}

// CheckIntegrity is the structured form of VerifyIntegrity: it returns the
// first IntegrityViolation found, nil when the chain is intact, or an error
// when the store cannot be read.
func (l *Ledger) CheckIntegrity(ctx context.Context) (*contracts.IntegrityViolation, error) {
	entries, err := l.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}

	prev := GenesisHash
	for _, entry := range entries {
		if entry.PreviousHash != prev {
			return &contracts.IntegrityViolation{
				Sequence: entry.Sequence,
				Kind:     "chain link broken",
				Detail:   fmt.Sprintf("expected previous_hash %s, got %s", prev, entry.PreviousHash),
			}, nil
		}
		computed, err := entryHash(entry.Timestamp, entry.EntryType, entry.Payload, entry.PreviousHash)
		if err != nil {
			return nil, fmt.Errorf("ledger: rehash entry %d: %w", entry.Sequence, err)
		}
		if computed != entry.Hash {
			return &contracts.IntegrityViolation{
				Sequence: entry.Sequence,
				Kind:     "hash mismatch",
				Detail:   fmt.Sprintf("stored %s, recomputed %s", entry.Hash, computed),
			}, nil
		}
		prev = entry.Hash
	}
	return nil, nil
}
