package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/observability"
)

// PrecedentFinder reports the active precedent ruling covering an event at a
// given time, or contracts.ErrNotFound. Satisfied by rulings.Service.
type PrecedentFinder interface {
	ResolvePrecedent(ctx context.Context, eventID string, at time.Time) (contracts.HumanRuling, error)
}

// Scorer records classifications and computes consensus.
//
// Classification submissions from distinct classifiers may proceed
// concurrently; each lands on its own (event_id, classifier_id) key and the
// store archives atomically on update. ScoreEvent is idempotent and safe to
// run alongside submissions; an early run simply sees a smaller set.
type Scorer struct {
	classifications ClassificationStore
	consensus       ConsensusStore
	policy          Policy
	trigger         *celTrigger
	precedents      PrecedentFinder
	obs             *observability.Provider
	logger          *slog.Logger
	clock           func() time.Time
}

// NewScorer creates a scorer over its stores with the given policy.
func NewScorer(classifications ClassificationStore, consensus ConsensusStore, policy Policy) (*Scorer, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	s := &Scorer{
		classifications: classifications,
		consensus:       consensus,
		policy:          policy,
		logger:          slog.Default().With("component", "consensus"),
		clock:           time.Now,
	}
	if policy.TriggerExpr != "" {
		trigger, err := newCELTrigger(policy.TriggerExpr)
		if err != nil {
			return nil, fmt.Errorf("consensus: compile trigger expression: %w", err)
		}
		s.trigger = trigger
	}
	return s, nil
}

// WithPrecedents wires the precedent lookup consulted before escalating.
func (s *Scorer) WithPrecedents(f PrecedentFinder) *Scorer {
	s.precedents = f
	return s
}

// WithObservability wires tracing and metrics around scoring.
func (s *Scorer) WithObservability(p *observability.Provider) *Scorer {
	s.obs = p
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Scorer) WithClock(clock func() time.Time) *Scorer {
	s.clock = clock
	return s
}

// Policy returns the active scoring policy.
func (s *Scorer) Policy() Policy {
	return s.policy
}

// SubmitClassification validates and records one classifier's assessment.
// A resubmission for the same (event_id, classifier_id) archives the prior
// version; history is never lost.
func (s *Scorer) SubmitClassification(ctx context.Context, c contracts.Classification) error {
	if c.Timestamp.IsZero() {
		c.Timestamp = s.clock().UTC()
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := s.classifications.Upsert(ctx, c); err != nil {
		return fmt.Errorf("consensus: record classification: %w", err)
	}
	s.logger.InfoContext(ctx, "classification recorded",
		"event_id", c.EventID,
		"classifier_id", c.ClassifierID,
		"ethical_status", string(c.Status),
	)
	return nil
}

// Classifications returns the live classification set for an event.
func (s *Scorer) Classifications(ctx context.Context, eventID string) ([]contracts.Classification, error) {
	return s.classifications.Live(ctx, eventID)
}

// History returns a classifier's archived (superseded) versions for an event.
func (s *Scorer) History(ctx context.Context, eventID, classifierID string) ([]contracts.Classification, error) {
	return s.classifications.Archived(ctx, eventID, classifierID)
}

// Consensus returns the most recently computed record for an event, or
// contracts.ErrNotFound.
func (s *Scorer) Consensus(ctx context.Context, eventID string) (contracts.ConsensusRecord, error) {
	return s.consensus.Get(ctx, eventID)
}

// ScoreEvent recomputes the consensus record for an event as a pure function
// of its current live classifications and persists it, overwriting any prior
// record. It returns nil when fewer than two classifications exist: a single
// opinion cannot be divergent.
func (s *Scorer) ScoreEvent(ctx context.Context, eventID string) (*contracts.ConsensusRecord, error) {
	var done func(error)
	if s.obs != nil {
		ctx, done = s.obs.TrackOperation(ctx, "consensus.score_event",
			attribute.String("event_id", eventID))
	}
	rec, err := s.score(ctx, eventID)
	if done != nil {
		done(err)
	}
	return rec, err
}

func (s *Scorer) score(ctx context.Context, eventID string) (*contracts.ConsensusRecord, error) {
	live, err := s.classifications.Live(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("consensus: load classifications: %w", err)
	}
	if len(live) < 2 {
		return nil, nil
	}

	rec := contracts.ConsensusRecord{
		EventID:   eventID,
		Timestamp: s.clock().UTC(),
	}

	var maxScore float64
	for i := 0; i < len(live); i++ {
		for j := i + 1; j < len(live); j++ {
			score := s.policy.Divergence(live[i], live[j])
			rec.Pairs = append(rec.Pairs, contracts.PairDivergence{
				ClassifierA: live[i].ClassifierID,
				ClassifierB: live[j].ClassifierID,
				Score:       score,
			})
			if score > maxScore {
				maxScore = score
			}
		}
	}
	rec.MaxPairwiseDivergence = maxScore

	for _, c := range live {
		rec.Breakdown = append(rec.Breakdown, contracts.ClassifierScore{
			ClassifierID: c.ClassifierID,
			Status:       c.Status,
			Confidence:   c.Confidence,
			Risk:         c.Risk,
		})
	}

	// The unethical override bypasses the numeric threshold unconditionally.
	for _, c := range live {
		if c.Status == contracts.StatusUnethical {
			rec.RequiresHumanReview = true
			rec.TriggerReason = fmt.Sprintf("unethical classification by %s", c.ClassifierID)
			break
		}
	}
	if !rec.RequiresHumanReview && maxScore >= s.policy.Threshold {
		rec.RequiresHumanReview = true
		rec.TriggerReason = fmt.Sprintf("max pairwise divergence %.4f >= threshold %.4f", maxScore, s.policy.Threshold)
	}
	if !rec.RequiresHumanReview && s.trigger != nil {
		matched, err := s.trigger.Eval(ctx, rec, live)
		if err != nil {
			return nil, fmt.Errorf("consensus: evaluate trigger expression: %w", err)
		}
		if matched {
			rec.RequiresHumanReview = true
			rec.TriggerReason = "operator trigger expression matched"
		}
	}

	// An active precedent settles the question a human already answered for
	// this kind of action; the escalation is short-circuited. A lookup
	// failure never suppresses an escalation.
	if rec.RequiresHumanReview && s.precedents != nil {
		p, err := s.precedents.ResolvePrecedent(ctx, eventID, rec.Timestamp)
		switch {
		case err == nil:
			rec.RequiresHumanReview = false
			rec.PrecedentEventID = p.EventID
			rec.PrecedentAssessment = p.FinalAssessment
			s.logger.InfoContext(ctx, "escalation resolved by precedent",
				"event_id", eventID,
				"precedent_event_id", p.EventID,
				"assessment", string(p.FinalAssessment),
			)
		case !errors.Is(err, contracts.ErrNotFound):
			s.logger.WarnContext(ctx, "precedent lookup failed, escalating",
				"event_id", eventID, "error", err)
		}
	}

	if err := s.consensus.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("consensus: persist record: %w", err)
	}

	if rec.RequiresHumanReview {
		s.logger.InfoContext(ctx, "human review required",
			"event_id", eventID,
			"max_pairwise_divergence", rec.MaxPairwiseDivergence,
			"reason", rec.TriggerReason,
		)
	}
	return &rec, nil
}
