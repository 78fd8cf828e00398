package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tillerworks/tiller/pkg/consensus"
	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/ledger"
	"github.com/tillerworks/tiller/pkg/observability"
	"github.com/tillerworks/tiller/pkg/rulings"
	"github.com/tillerworks/tiller/pkg/violations"
)

// Health is the overall verdict of a consistency run.
type Health string

const (
	// Healthy means every check passed.
	Healthy Health = "healthy"
	// Degraded means at least one finding exists. The critical subset is
	// carried per finding, not as a third overall status.
	Degraded Health = "degraded"
)

// Finding is one concrete inconsistency. Critical findings compromise the
// audit chain; the rest are referential drift.
type Finding struct {
	Check    string `json:"check"`
	Subject  string `json:"subject"`
	Detail   string `json:"detail"`
	Critical bool   `json:"critical"`
}

// Report is the result of one full consistency run. A run never stops at
// the first finding: operators need the complete picture.
type Report struct {
	Status    Health    `json:"status"`
	Findings  []Finding `json:"findings,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HasCritical reports whether any finding compromises the audit chain.
func (r Report) HasCritical() bool {
	for _, f := range r.Findings {
		if f.Critical {
			return true
		}
	}
	return false
}

// Checker runs the cross-store consistency battery.
type Checker struct {
	ledger          *ledger.Ledger
	classifications consensus.ClassificationStore
	consensus       consensus.ConsensusStore
	rulings         rulings.Store
	violations      violations.Store
	logger          *slog.Logger
	obs             *observability.Provider
	clock           func() time.Time
}

// NewChecker wires a checker over all governance stores. Any store may be
// nil; its checks are skipped.
func NewChecker(l *ledger.Ledger) *Checker {
	return &Checker{
		ledger: l,
		logger: slog.Default().With("component", "consistency"),
		clock:  time.Now,
	}
}

// WithClassifications adds classification and consensus reference checks.
func (c *Checker) WithClassifications(cs consensus.ClassificationStore, rs consensus.ConsensusStore) *Checker {
	c.classifications = cs
	c.consensus = rs
	return c
}

// WithRulings adds ruling reference and precedent expiry checks.
func (c *Checker) WithRulings(s rulings.Store) *Checker {
	c.rulings = s
	return c
}

// WithViolations adds escalation reference checks.
func (c *Checker) WithViolations(s violations.Store) *Checker {
	c.violations = s
	return c
}

// WithObservability wires tracing and metrics.
func (c *Checker) WithObservability(p *observability.Provider) *Checker {
	c.obs = p
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *Checker) WithClock(clock func() time.Time) *Checker {
	c.clock = clock
	return c
}

// RunCheck executes the full battery and aggregates every finding. It only
// returns an error when a store itself fails, never for findings.
func (c *Checker) RunCheck(ctx context.Context) (Report, error) {
	var done func(error)
	if c.obs != nil {
		ctx, done = c.obs.TrackOperation(ctx, "consistency.run_check")
	}
	report, err := c.run(ctx)
	if done != nil {
		done(err)
	}
	return report, err
}

func (c *Checker) run(ctx context.Context) (Report, error) {
	report := Report{Status: Healthy, CheckedAt: c.clock().UTC()}

	if err := c.checkChain(ctx, &report); err != nil {
		return Report{}, err
	}
	if err := c.checkClassificationRefs(ctx, &report); err != nil {
		return Report{}, err
	}
	if err := c.checkConsensusRefs(ctx, &report); err != nil {
		return Report{}, err
	}
	if err := c.checkRulings(ctx, &report); err != nil {
		return Report{}, err
	}
	if err := c.checkEscalationRefs(ctx, &report); err != nil {
		return Report{}, err
	}

	if len(report.Findings) > 0 {
		report.Status = Degraded
	}

	c.logger.InfoContext(ctx, "consistency run complete",
		"status", string(report.Status),
		"findings", len(report.Findings),
	)
	return report, nil
}

func (c *Checker) checkChain(ctx context.Context, report *Report) error {
	violation, err := c.ledger.CheckIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("consistency: verify chain: %w", err)
	}
	if violation != nil {
		report.Findings = append(report.Findings, Finding{
			Check:    "chain_integrity",
			Subject:  fmt.Sprintf("sequence %d", violation.Sequence),
			Detail:   fmt.Sprintf("%s: %s", violation.Kind, violation.Detail),
			Critical: true,
		})
	}
	return nil
}

func (c *Checker) checkClassificationRefs(ctx context.Context, report *Report) error {
	if c.classifications == nil {
		return nil
	}
	ids, err := c.classifications.EventIDs(ctx)
	if err != nil {
		return fmt.Errorf("consistency: list classified events: %w", err)
	}
	for _, id := range ids {
		known, err := c.ledger.Has(ctx, id)
		if err != nil {
			return fmt.Errorf("consistency: check event %s: %w", id, err)
		}
		if !known {
			report.Findings = append(report.Findings, Finding{
				Check:   "classification_reference",
				Subject: id,
				Detail:  "classifications exist for an event the ledger never admitted",
			})
		}
	}
	return nil
}

func (c *Checker) checkConsensusRefs(ctx context.Context, report *Report) error {
	if c.consensus == nil {
		return nil
	}
	ids, err := c.consensus.EventIDs(ctx)
	if err != nil {
		return fmt.Errorf("consistency: list consensus records: %w", err)
	}
	for _, id := range ids {
		known, err := c.ledger.Has(ctx, id)
		if err != nil {
			return fmt.Errorf("consistency: check event %s: %w", id, err)
		}
		if !known {
			report.Findings = append(report.Findings, Finding{
				Check:   "consensus_reference",
				Subject: id,
				Detail:  "consensus record exists for an event the ledger never admitted",
			})
		}
	}
	return nil
}

func (c *Checker) checkRulings(ctx context.Context, report *Report) error {
	if c.rulings == nil {
		return nil
	}
	all, err := c.rulings.List(ctx)
	if err != nil {
		return fmt.Errorf("consistency: list rulings: %w", err)
	}
	now := c.clock().UTC()
	for _, r := range all {
		known, err := c.ledger.Has(ctx, r.EventID)
		if err != nil {
			return fmt.Errorf("consistency: check event %s: %w", r.EventID, err)
		}
		if !known {
			report.Findings = append(report.Findings, Finding{
				Check:   "ruling_reference",
				Subject: r.EventID,
				Detail:  "ruling exists for an event the ledger never admitted",
			})
		}
		if r.PrecedentCreated && !r.ValidUntil.IsZero() && now.After(r.ValidUntil) {
			report.Findings = append(report.Findings, Finding{
				Check:   "precedent_expiry",
				Subject: r.EventID,
				Detail:  fmt.Sprintf("precedent expired at %s", r.ValidUntil.Format(time.RFC3339)),
			})
		}
	}
	return nil
}

func (c *Checker) checkEscalationRefs(ctx context.Context, report *Report) error {
	if c.violations == nil {
		return nil
	}
	for _, status := range []contracts.EscalationStatus{contracts.EscalationAwaitingReview, contracts.EscalationResolved} {
		escs, err := c.violations.Escalations(ctx, status)
		if err != nil {
			return fmt.Errorf("consistency: list escalations: %w", err)
		}
		for _, e := range escs {
			if _, err := c.violations.Get(ctx, e.ViolationID); err == nil {
				continue
			} else if !errors.Is(err, contracts.ErrNotFound) {
				return fmt.Errorf("consistency: check violation %s: %w", e.ViolationID, err)
			}
			report.Findings = append(report.Findings, Finding{
				Check:   "escalation_reference",
				Subject: e.EscalationID,
				Detail:  fmt.Sprintf("escalation references unknown violation %s", e.ViolationID),
			})
		}
	}
	return nil
}
