package consensus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerworks/tiller/pkg/contracts"
)

func newTestScorer(t *testing.T, policy Policy) *Scorer {
	t.Helper()
	s, err := NewScorer(NewMemoryClassificationStore(), NewMemoryConsensusStore(), policy)
	require.NoError(t, err)
	fixed := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	return s.WithClock(func() time.Time { return fixed })
}

func classification(eventID, classifierID string, status contracts.EthicalStatus, confidence float64, risk contracts.RiskLevel) contracts.Classification {
	return contracts.Classification{
		EventID:      eventID,
		ClassifierID: classifierID,
		Status:       status,
		Confidence:   confidence,
		Risk:         risk,
	}
}

func TestDivergenceIsSymmetric(t *testing.T) {
	policy := DefaultPolicy()
	a := classification("e1", "a", contracts.StatusEthical, 0.9, contracts.RiskLow)
	b := classification("e1", "b", contracts.StatusUnethical, 0.4, contracts.RiskHigh)

	assert.Equal(t, policy.Divergence(a, b), policy.Divergence(b, a))
}

func TestDivergenceWeightedSum(t *testing.T) {
	policy := DefaultPolicy()
	a := classification("e1", "a", contracts.StatusEthical, 0.9, contracts.RiskLow)
	b := classification("e1", "b", contracts.StatusQuestionable, 0.6, contracts.RiskMedium)

	// |Δstatus|=2, |Δconfidence|=0.3, |Δrisk|=1 with weights 0.4/0.3/0.3.
	assert.InDelta(t, 0.4*2+0.3*0.3+0.3*1, policy.Divergence(a, b), 1e-9)
}

func TestScoreEventRequiresTwoClassifications(t *testing.T) {
	s := newTestScorer(t, DefaultPolicy())
	ctx := context.Background()

	rec, err := s.ScoreEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, rec, "no classifications should yield no record")

	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "a", contracts.StatusEthical, 0.9, contracts.RiskLow)))

	rec, err = s.ScoreEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, rec, "one opinion cannot be divergent")
}

func TestScoreEventThreshold(t *testing.T) {
	s := newTestScorer(t, DefaultPolicy())
	ctx := context.Background()

	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "a", contracts.StatusEthical, 0.9, contracts.RiskLow)))
	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "b", contracts.StatusQuestionable, 0.6, contracts.RiskMedium)))

	rec, err := s.ScoreEvent(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.InDelta(t, 1.19, rec.MaxPairwiseDivergence, 1e-9)
	assert.True(t, rec.RequiresHumanReview)
	assert.Contains(t, rec.TriggerReason, "threshold")
	assert.Len(t, rec.Pairs, 1)
	assert.Len(t, rec.Breakdown, 2)
}

func TestScoreEventBelowThreshold(t *testing.T) {
	s := newTestScorer(t, DefaultPolicy())
	ctx := context.Background()

	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "a", contracts.StatusEthical, 0.9, contracts.RiskLow)))
	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "b", contracts.StatusPermissible, 0.85, contracts.RiskLow)))

	rec, err := s.ScoreEvent(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.False(t, rec.RequiresHumanReview)
	assert.Empty(t, rec.TriggerReason)
}

func TestUnethicalOverridesThreshold(t *testing.T) {
	// Absurdly high threshold: the numeric path can never fire.
	policy := DefaultPolicy()
	policy.Threshold = 1000
	s := newTestScorer(t, policy)
	ctx := context.Background()

	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "a", contracts.StatusPermissible, 0.9, contracts.RiskLow)))
	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "b", contracts.StatusUnethical, 0.5, contracts.RiskMedium)))

	rec, err := s.ScoreEvent(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.True(t, rec.RequiresHumanReview, "unethical verdict must force review regardless of divergence")
	assert.Contains(t, rec.TriggerReason, "unethical classification by b")
}

func TestScoreEventIdempotent(t *testing.T) {
	s := newTestScorer(t, DefaultPolicy())
	ctx := context.Background()

	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "a", contracts.StatusEthical, 0.9, contracts.RiskLow)))
	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "b", contracts.StatusQuestionable, 0.6, contracts.RiskMedium)))

	first, err := s.ScoreEvent(ctx, "e1")
	require.NoError(t, err)
	second, err := s.ScoreEvent(ctx, "e1")
	require.NoError(t, err)

	assert.Equal(t, first, second, "no intervening changes: output must be identical")

	stored, err := s.Consensus(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, *second, stored)
}

func TestResubmissionArchivesPriorVersion(t *testing.T) {
	s := newTestScorer(t, DefaultPolicy())
	ctx := context.Background()

	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "a", contracts.StatusEthical, 0.9, contracts.RiskLow)))
	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "a", contracts.StatusQuestionable, 0.7, contracts.RiskMedium)))

	live, err := s.Classifications(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, contracts.StatusQuestionable, live[0].Status)

	history, err := s.History(ctx, "e1", "a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, contracts.StatusEthical, history[0].Status)
}

func TestSubmitRejectsInvalidClassification(t *testing.T) {
	s := newTestScorer(t, DefaultPolicy())
	ctx := context.Background()

	err := s.SubmitClassification(ctx, classification("e1", "a", "bogus", 0.9, contracts.RiskLow))
	assert.Error(t, err)

	err = s.SubmitClassification(ctx, classification("e1", "a", contracts.StatusEthical, 1.5, contracts.RiskLow))
	assert.Error(t, err)
}

func TestCELTriggerForcesReview(t *testing.T) {
	policy := DefaultPolicy()
	policy.Threshold = 1000
	policy.TriggerExpr = `classifier_count >= 3`
	s := newTestScorer(t, policy)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SubmitClassification(ctx, classification("e1", id, contracts.StatusEthical, 0.9, contracts.RiskLow)))
	}

	rec, err := s.ScoreEvent(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.True(t, rec.RequiresHumanReview)
	assert.Equal(t, "operator trigger expression matched", rec.TriggerReason)
}

func TestBadTriggerExpressionRejectedAtConstruction(t *testing.T) {
	policy := DefaultPolicy()
	policy.TriggerExpr = `max_divergence +` // parse error
	_, err := NewScorer(NewMemoryClassificationStore(), NewMemoryConsensusStore(), policy)
	assert.Error(t, err)

	policy.TriggerExpr = `max_divergence` // wrong output type
	_, err = NewScorer(NewMemoryClassificationStore(), NewMemoryConsensusStore(), policy)
	assert.Error(t, err)
}

type stubPrecedents struct {
	ruling contracts.HumanRuling
	err    error
	calls  int
}

func (s *stubPrecedents) ResolvePrecedent(_ context.Context, _ string, _ time.Time) (contracts.HumanRuling, error) {
	s.calls++
	if s.err != nil {
		return contracts.HumanRuling{}, s.err
	}
	return s.ruling, nil
}

func TestActivePrecedentResolvesEscalation(t *testing.T) {
	s := newTestScorer(t, DefaultPolicy())
	ctx := context.Background()
	precedents := &stubPrecedents{ruling: contracts.HumanRuling{
		EventID:         "ruled-evt",
		FinalAssessment: contracts.StatusPermissible,
	}}
	s.WithPrecedents(precedents)

	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "a", contracts.StatusEthical, 0.9, contracts.RiskLow)))
	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "b", contracts.StatusQuestionable, 0.6, contracts.RiskMedium)))

	rec, err := s.ScoreEvent(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.False(t, rec.RequiresHumanReview, "an active precedent settles the divergence")
	assert.Equal(t, "ruled-evt", rec.PrecedentEventID)
	assert.Equal(t, contracts.StatusPermissible, rec.PrecedentAssessment)
	assert.Equal(t, 1, precedents.calls)

	// The short-circuit is persisted, not just returned.
	stored, err := s.Consensus(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, stored.RequiresHumanReview)
	assert.Equal(t, "ruled-evt", stored.PrecedentEventID)
}

func TestNoPrecedentLeavesEscalationStanding(t *testing.T) {
	s := newTestScorer(t, DefaultPolicy())
	ctx := context.Background()
	s.WithPrecedents(&stubPrecedents{err: contracts.ErrNotFound})

	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "a", contracts.StatusEthical, 0.9, contracts.RiskLow)))
	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "b", contracts.StatusQuestionable, 0.6, contracts.RiskMedium)))

	rec, err := s.ScoreEvent(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.RequiresHumanReview)
	assert.Empty(t, rec.PrecedentEventID)
}

func TestPrecedentLookupFailureStillEscalates(t *testing.T) {
	s := newTestScorer(t, DefaultPolicy())
	ctx := context.Background()
	s.WithPrecedents(&stubPrecedents{err: fmt.Errorf("store offline")})

	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "a", contracts.StatusEthical, 0.9, contracts.RiskLow)))
	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "b", contracts.StatusQuestionable, 0.6, contracts.RiskMedium)))

	rec, err := s.ScoreEvent(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.RequiresHumanReview, "a failed lookup must not suppress the escalation")
}

func TestPrecedentNotConsultedWithoutEscalation(t *testing.T) {
	s := newTestScorer(t, DefaultPolicy())
	ctx := context.Background()
	precedents := &stubPrecedents{}
	s.WithPrecedents(precedents)

	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "a", contracts.StatusEthical, 0.9, contracts.RiskLow)))
	require.NoError(t, s.SubmitClassification(ctx, classification("e1", "b", contracts.StatusPermissible, 0.85, contracts.RiskLow)))

	rec, err := s.ScoreEvent(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.RequiresHumanReview)
	assert.Zero(t, precedents.calls)
}
