// Package gate implements the mandatory decision-ingress gate. Every
// decision enters the system through EnforceDecision; nothing reaches the
// ledger without a complete causal context.
//
// Exactly one gate instance exists per deployment. It is constructed
// explicitly with its ledger and classifier dependencies and handed by
// reference to callers; the single-authority invariant is a deployment
// topology decision, not a language-level global.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tillerworks/tiller/pkg/audit"
	"github.com/tillerworks/tiller/pkg/canonicalize"
	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/ledger"
	"github.com/tillerworks/tiller/pkg/observability"
)

// ClassificationRecorder accepts classification submissions. Satisfied by
// consensus.Scorer.
type ClassificationRecorder interface {
	SubmitClassification(ctx context.Context, c contracts.Classification) error
}

// SelfClassifier produces the acting agent's own ethical assessment of an
// admitted decision. Implementations may call out to a model or rule engine;
// a failure here is contained by the gate's fallback classification.
type SelfClassifier interface {
	Classify(ctx context.Context, eventID string, event contracts.DecisionEvent) (contracts.Classification, error)
}

// ViolationRecorder records rule breaches observed during enforcement.
// Satisfied by violations.Tracker.
type ViolationRecorder interface {
	RecordViolation(ctx context.Context, vtype string, severity contracts.Severity, message, agentID, functionName string, vctx map[string]any) (string, error)
}

// Gate is the decision-ingress enforcement point.
type Gate struct {
	ledger          *ledger.Ledger
	classifications ClassificationRecorder
	selfClassifier  SelfClassifier
	violations      ViolationRecorder
	auditLog        audit.Logger
	obs             *observability.Provider
	logger          *slog.Logger
	clock           func() time.Time
}

// New creates the gate over its ledger and classification sink.
func New(l *ledger.Ledger, classifications ClassificationRecorder) *Gate {
	return &Gate{
		ledger:          l,
		classifications: classifications,
		logger:          slog.Default().With("component", "gate"),
		clock:           time.Now,
	}
}

// WithSelfClassifier wires the acting agent's self-classification hook.
func (g *Gate) WithSelfClassifier(sc SelfClassifier) *Gate {
	g.selfClassifier = sc
	return g
}

// WithViolations wires the violation tracker for breaches observed at the gate.
func (g *Gate) WithViolations(v ViolationRecorder) *Gate {
	g.violations = v
	return g
}

// WithAudit wires the audit trail for admitted decisions.
func (g *Gate) WithAudit(a audit.Logger) *Gate {
	g.auditLog = a
	return g
}

// WithObservability wires tracing and RED metrics around enforcement.
func (g *Gate) WithObservability(p *observability.Provider) *Gate {
	g.obs = p
	return g
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// eventIDInput pins the fields that determine an event's identity.
type eventIDInput struct {
	ActionType  string         `json:"action_type"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload"`
}

// EventID computes the deterministic event id for a decision: the canonical
// hash of action type, description, and canonical payload. Identical
// submissions always resolve to the same id.
func EventID(d contracts.DecisionEvent) (string, error) {
	return canonicalize.CanonicalHash(eventIDInput{
		ActionType:  d.ActionType,
		Description: d.Description,
		Payload:     d.Payload,
	})
}

// EnforceDecision validates the decision's causal context, admits it to the
// ledger, and triggers self-classification when agency is present.
//
// Failure modes:
//   - *contracts.IngressRejection: one or more context fields missing or
//     invalid; nothing was written.
//   - contracts.ErrReplay: the event id already exists on the ledger; the
//     caller should treat the decision as already processed.
//
// A self-classification failure never fails the call: the gate records a
// conservative fallback classification so no admitted event is left
// unclassified.
func (g *Gate) EnforceDecision(ctx context.Context, decision contracts.DecisionEvent) (string, error) {
	var done func(error)
	if g.obs != nil {
		ctx, done = g.obs.TrackOperation(ctx, "gate.enforce_decision",
			attribute.String("action_type", decision.ActionType),
			attribute.String("agent_id", decision.AgentID),
		)
	}
	eventID, err := g.enforce(ctx, decision)
	if done != nil {
		done(err)
	}
	return eventID, err
}

func (g *Gate) enforce(ctx context.Context, decision contracts.DecisionEvent) (string, error) {
	if missing := validateContext(decision.Context); len(missing) > 0 {
		return "", &contracts.IngressRejection{MissingFields: missing}
	}

	eventID, err := EventID(decision)
	if err != nil {
		return "", fmt.Errorf("gate: compute event id: %w", err)
	}

	payload, err := decisionPayload(decision)
	if err != nil {
		return "", fmt.Errorf("gate: encode decision: %w", err)
	}
	// Replay detection rides on the ledger's duplicate-id rejection, which
	// runs under the chain mutex: concurrent identical submissions admit
	// exactly one entry.
	entry, err := g.ledger.Append(ctx, contracts.EntryTypeDecision, eventID, payload)
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return eventID, contracts.ErrReplay
	}
	if err != nil {
		return "", fmt.Errorf("gate: append decision: %w", err)
	}

	g.logger.InfoContext(ctx, "decision admitted",
		"event_id", eventID,
		"sequence", entry.Sequence,
		"action_type", decision.ActionType,
		"agent_id", decision.AgentID,
	)
	if g.auditLog != nil {
		_ = g.auditLog.Record(ctx, audit.EventMutation, "decision.admit", eventID, map[string]any{
			"action_type": decision.ActionType,
			"agent_id":    decision.AgentID,
			"sequence":    entry.Sequence,
		})
	}

	if decision.Context.AgencyPresent != nil && *decision.Context.AgencyPresent {
		g.selfClassify(ctx, eventID, decision)
	}

	return eventID, nil
}

// selfClassify runs the acting agent's self-classification and falls back to
// a conservative default on any failure. The fallback is flagged for
// external review; it never propagates as event loss.
func (g *Gate) selfClassify(ctx context.Context, eventID string, decision contracts.DecisionEvent) {
	c, err := g.classify(ctx, eventID, decision)
	if err != nil {
		g.logger.ErrorContext(ctx, "self-classification failed, recording fallback",
			"event_id", eventID, "agent_id", decision.AgentID, "error", err)
		if g.violations != nil {
			_, _ = g.violations.RecordViolation(ctx, "classification_failure", contracts.SeverityAudit,
				fmt.Sprintf("self-classification failed: %v", err),
				decision.AgentID, "gate.EnforceDecision",
				map[string]any{"event_id": eventID})
		}
		c = contracts.Classification{
			EventID:                eventID,
			ClassifierID:           decision.AgentID,
			Status:                 contracts.StatusQuestionable,
			Confidence:             0.5,
			Risk:                   contracts.RiskMedium,
			Reasoning:              "self-classification unavailable; conservative fallback",
			Timestamp:              g.clock().UTC(),
			RequiresExternalReview: true,
		}
	}

	if err := g.classifications.SubmitClassification(ctx, c); err != nil {
		// The event is already on the ledger; surfacing this as a violation
		// keeps it visible without undoing the admit.
		g.logger.ErrorContext(ctx, "recording self-classification failed",
			"event_id", eventID, "error", err)
		if g.violations != nil {
			_, _ = g.violations.RecordViolation(ctx, "classification_failure", contracts.SeverityWarning,
				fmt.Sprintf("self-classification could not be recorded: %v", err),
				decision.AgentID, "gate.EnforceDecision",
				map[string]any{"event_id": eventID})
		}
	}
}

func (g *Gate) classify(ctx context.Context, eventID string, decision contracts.DecisionEvent) (contracts.Classification, error) {
	if g.selfClassifier == nil {
		return contracts.Classification{}, fmt.Errorf("no self-classifier configured")
	}
	c, err := g.selfClassifier.Classify(ctx, eventID, decision)
	if err != nil {
		return contracts.Classification{}, err
	}
	c.EventID = eventID
	if c.ClassifierID == "" {
		c.ClassifierID = decision.AgentID
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = g.clock().UTC()
	}
	if err := c.Validate(); err != nil {
		return contracts.Classification{}, err
	}
	return c, nil
}

// validateContext returns every missing or invalid required field, in a
// stable order.
func validateContext(c contracts.DecisionContext) []string {
	var missing []string
	if !c.Causation.Valid() {
		missing = append(missing, "causation")
	}
	if c.AgencyPresent == nil {
		missing = append(missing, "agency_present")
	}
	if c.DutyOfCare == "" {
		missing = append(missing, "duty_of_care")
	}
	if c.KnowledgeLevel == "" {
		missing = append(missing, "knowledge_level")
	}
	if c.ControlLevel == "" {
		missing = append(missing, "control_level")
	}
	return missing
}

// decisionPayload renders the decision as a generic map for ledger storage.
func decisionPayload(d contracts.DecisionEvent) (map[string]any, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
