package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrReplay is returned when a decision resolves to an event id that is
// already on the ledger. Callers should treat it as already-processed.
var ErrReplay = errors.New("duplicate event id: already processed")

// IngressRejection is returned by the gate when a decision fails context
// validation. It enumerates every missing or invalid field; nothing was
// written.
type IngressRejection struct {
	MissingFields []string
}

func (e *IngressRejection) Error() string {
	return fmt.Sprintf("decision rejected: missing or invalid context fields [%s]",
		strings.Join(e.MissingFields, ", "))
}

// IntegrityViolation reports a chain or structural mismatch found by an
// explicit check. It is fatal for the affected record set and is never
// auto-repaired.
type IntegrityViolation struct {
	Sequence uint64
	Kind     string // "hash mismatch" or "chain link broken"
	Detail   string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation at entry %d: %s: %s", e.Sequence, e.Kind, e.Detail)
}
