// Package violations records rule breaches and escalates blocking ones for
// human review. Records are permanent: no violation of any severity is ever
// dropped, and notification failures never roll back a write.
package violations

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/observability"
)

// Notifier delivers best-effort escalation notifications to an external
// channel. Errors are reported to the caller and logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, v contracts.Violation, e contracts.Escalation) error
}

// Tracker is the violation recording and escalation service.
type Tracker struct {
	store    Store
	notifier Notifier
	obs      *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time

	// notifyTimeout bounds the only blocking network call in the core.
	notifyTimeout time.Duration
}

// NewTracker creates a tracker over the given store.
func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:         store,
		logger:        slog.Default().With("component", "violations"),
		clock:         time.Now,
		notifyTimeout: 5 * time.Second,
	}
}

// WithNotifier wires the external escalation channel.
func (t *Tracker) WithNotifier(n Notifier) *Tracker {
	t.notifier = n
	return t
}

// WithObservability wires tracing and metrics.
func (t *Tracker) WithObservability(p *observability.Provider) *Tracker {
	t.obs = p
	return t
}

// WithClock overrides the clock for deterministic testing.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// WithNotifyTimeout bounds the notification call.
func (t *Tracker) WithNotifyTimeout(d time.Duration) *Tracker {
	t.notifyTimeout = d
	return t
}

// RecordViolation persists a violation record, then escalates blocking ones.
// The durable write always happens first; a failed or skipped notification
// leaves the record and its escalation intact.
func (t *Tracker) RecordViolation(ctx context.Context, vtype string, severity contracts.Severity, message, agentID, functionName string, vctx map[string]any) (string, error) {
	var done func(error)
	if t.obs != nil {
		ctx, done = t.obs.TrackOperation(ctx, "violations.record",
			attribute.String("type", vtype),
			attribute.String("severity", string(severity)),
		)
	}
	id, err := t.record(ctx, vtype, severity, message, agentID, functionName, vctx)
	if done != nil {
		done(err)
	}
	return id, err
}

func (t *Tracker) record(ctx context.Context, vtype string, severity contracts.Severity, message, agentID, functionName string, vctx map[string]any) (string, error) {
	if !severity.Valid() {
		return "", fmt.Errorf("violations: unknown severity %q", severity)
	}

	v := contracts.Violation{
		ViolationID:  uuid.New().String(),
		Type:         vtype,
		Severity:     severity,
		Message:      message,
		Timestamp:    t.clock().UTC(),
		AgentID:      agentID,
		FunctionName: functionName,
		Context:      vctx,
	}
	if err := t.store.Put(ctx, v); err != nil {
		return "", fmt.Errorf("violations: persist record: %w", err)
	}

	t.logger.InfoContext(ctx, "violation recorded",
		"violation_id", v.ViolationID,
		"type", vtype,
		"severity", string(severity),
		"agent_id", agentID,
	)

	if severity == contracts.SeverityBlocking {
		t.escalate(ctx, v)
	}
	return v.ViolationID, nil
}

// escalate creates the durable awaiting-review flag and then attempts
// notification. The notification is bounded by its own timeout and its
// failure is isolated: logged, never returned.
func (t *Tracker) escalate(ctx context.Context, v contracts.Violation) {
	e := contracts.Escalation{
		EscalationID: uuid.New().String(),
		ViolationID:  v.ViolationID,
		Status:       contracts.EscalationAwaitingReview,
		CreatedAt:    t.clock().UTC(),
	}
	if err := t.store.PutEscalation(ctx, e); err != nil {
		// The violation record itself is durable; an escalation write
		// failure is loud but does not undo it.
		t.logger.ErrorContext(ctx, "escalation write failed",
			"violation_id", v.ViolationID, "error", err)
		return
	}

	if t.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.notifyTimeout)
	defer cancel()
	if err := t.notifier.Notify(nctx, v, e); err != nil {
		t.logger.ErrorContext(ctx, "escalation notification failed",
			"violation_id", v.ViolationID, "escalation_id", e.EscalationID, "error", err)
		return
	}
	e.Notified = true
	if err := t.store.PutEscalation(ctx, e); err != nil {
		t.logger.ErrorContext(ctx, "escalation notify flag update failed",
			"escalation_id", e.EscalationID, "error", err)
	}
}

// Get returns one violation by id.
func (t *Tracker) Get(ctx context.Context, violationID string) (contracts.Violation, error) {
	return t.store.Get(ctx, violationID)
}

// ByAgent returns all violations recorded against one agent.
func (t *Tracker) ByAgent(ctx context.Context, agentID string) ([]contracts.Violation, error) {
	return t.store.List(ctx, Filter{AgentID: agentID})
}

// BySeverity returns all violations of one severity.
func (t *Tracker) BySeverity(ctx context.Context, severity contracts.Severity) ([]contracts.Violation, error) {
	return t.store.List(ctx, Filter{Severity: severity})
}

// ByType returns all violations of one type.
func (t *Tracker) ByType(ctx context.Context, vtype string) ([]contracts.Violation, error) {
	return t.store.List(ctx, Filter{Type: vtype})
}

// Recent returns violations recorded within the given window (e.g. 24h, 7d).
func (t *Tracker) Recent(ctx context.Context, window time.Duration) ([]contracts.Violation, error) {
	return t.store.List(ctx, Filter{Since: t.clock().UTC().Add(-window)})
}

// PendingEscalations returns escalations still awaiting human review.
func (t *Tracker) PendingEscalations(ctx context.Context) ([]contracts.Escalation, error) {
	return t.store.Escalations(ctx, contracts.EscalationAwaitingReview)
}

// ResolveEscalation marks an escalation as resolved after a human ruling.
func (t *Tracker) ResolveEscalation(ctx context.Context, escalationID string) error {
	return t.store.SetEscalationStatus(ctx, escalationID, contracts.EscalationResolved)
}

// Report aggregates all recorded violations.
func (t *Tracker) Report(ctx context.Context) (contracts.ViolationReport, error) {
	all, err := t.store.List(ctx, Filter{})
	if err != nil {
		return contracts.ViolationReport{}, err
	}
	pending, err := t.store.Escalations(ctx, contracts.EscalationAwaitingReview)
	if err != nil {
		return contracts.ViolationReport{}, err
	}

	report := contracts.ViolationReport{
		Total:              len(all),
		BySeverity:         make(map[contracts.Severity]int),
		ByType:             make(map[string]int),
		PendingEscalations: len(pending),
		GeneratedAt:        t.clock().UTC(),
	}
	for _, v := range all {
		report.BySeverity[v.Severity]++
		report.ByType[v.Type]++
	}
	return report, nil
}
