package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/ledger"
)

type classificationSink struct {
	submitted []contracts.Classification
	err       error
}

func (s *classificationSink) SubmitClassification(_ context.Context, c contracts.Classification) error {
	if s.err != nil {
		return s.err
	}
	s.submitted = append(s.submitted, c)
	return nil
}

type stubClassifier struct {
	result contracts.Classification
	err    error
}

func (s *stubClassifier) Classify(_ context.Context, eventID string, _ contracts.DecisionEvent) (contracts.Classification, error) {
	if s.err != nil {
		return contracts.Classification{}, s.err
	}
	c := s.result
	c.EventID = eventID
	return c, nil
}

type violationLog struct {
	types      []string
	severities []contracts.Severity
}

func (v *violationLog) RecordViolation(_ context.Context, vtype string, severity contracts.Severity, _, _, _ string, _ map[string]any) (string, error) {
	v.types = append(v.types, vtype)
	v.severities = append(v.severities, severity)
	return "violation-id", nil
}

func boolPtr(b bool) *bool { return &b }

func completeDecision() contracts.DecisionEvent {
	return contracts.DecisionEvent{
		ActionType:  "data_export",
		Description: "export anonymized usage metrics",
		Payload:     map[string]any{"rows": 1200, "destination": "analytics"},
		AgentID:     "agent-1",
		Context: contracts.DecisionContext{
			Causation:      contracts.CausationAIDecision,
			AgencyPresent:  boolPtr(true),
			DutyOfCare:     "data controller obligations",
			KnowledgeLevel: "full",
			ControlLevel:   "autonomous",
		},
	}
}

func newTestGate(t *testing.T, sink ClassificationRecorder) (*Gate, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.New(context.Background(), ledger.NewMemoryStore())
	require.NoError(t, err)
	return New(l, sink), l
}

func TestEnforceDecisionAdmitsToLedger(t *testing.T) {
	ctx := context.Background()
	sink := &classificationSink{}
	g, l := newTestGate(t, sink)

	eventID, err := g.EnforceDecision(ctx, completeDecision())
	require.NoError(t, err)
	require.NotEmpty(t, eventID)

	entry, err := l.Get(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, contracts.EntryTypeDecision, entry.EntryType)
	assert.Equal(t, "data_export", entry.Payload["action_type"])
}

func TestEnforceDecisionRejectsIncompleteContext(t *testing.T) {
	ctx := context.Background()
	g, l := newTestGate(t, &classificationSink{})

	d := completeDecision()
	d.Context.Causation = ""
	d.Context.AgencyPresent = nil
	d.Context.ControlLevel = ""

	_, err := g.EnforceDecision(ctx, d)
	var rejection *contracts.IngressRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, []string{"causation", "agency_present", "control_level"}, rejection.MissingFields)

	// Nothing was written.
	n, err := l.Length(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnforceDecisionRejectsUnknownCausation(t *testing.T) {
	g, _ := newTestGate(t, &classificationSink{})

	d := completeDecision()
	d.Context.Causation = contracts.Causation("divine")

	_, err := g.EnforceDecision(context.Background(), d)
	var rejection *contracts.IngressRejection
	require.ErrorAs(t, err, &rejection)
	assert.Contains(t, rejection.MissingFields, "causation")
}

func TestEnforceDecisionReplay(t *testing.T) {
	ctx := context.Background()
	g, l := newTestGate(t, &classificationSink{})

	first, err := g.EnforceDecision(ctx, completeDecision())
	require.NoError(t, err)

	second, err := g.EnforceDecision(ctx, completeDecision())
	assert.ErrorIs(t, err, contracts.ErrReplay)
	assert.Equal(t, first, second, "replay reports the original event id")

	n, err := l.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestEventIDIsDeterministic(t *testing.T) {
	a, err := EventID(completeDecision())
	require.NoError(t, err)

	// AgentID and context do not contribute to identity.
	d := completeDecision()
	d.AgentID = "someone-else"
	d.Context.ControlLevel = "supervised"
	b, err := EventID(d)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	d.Payload["rows"] = 1300
	c, err := EventID(d)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestAgencyTriggersSelfClassification(t *testing.T) {
	ctx := context.Background()
	sink := &classificationSink{}
	g, _ := newTestGate(t, sink)
	g.WithSelfClassifier(&stubClassifier{result: contracts.Classification{
		ClassifierID: "agent-1",
		Status:       contracts.StatusEthical,
		Confidence:   0.95,
		Risk:         contracts.RiskLow,
		Reasoning:    "routine anonymized export",
	}})

	eventID, err := g.EnforceDecision(ctx, completeDecision())
	require.NoError(t, err)

	require.Len(t, sink.submitted, 1)
	assert.Equal(t, eventID, sink.submitted[0].EventID)
	assert.Equal(t, contracts.StatusEthical, sink.submitted[0].Status)
	assert.False(t, sink.submitted[0].Timestamp.IsZero())
}

func TestNoAgencySkipsClassification(t *testing.T) {
	ctx := context.Background()
	sink := &classificationSink{}
	g, _ := newTestGate(t, sink)
	g.WithSelfClassifier(&stubClassifier{result: contracts.Classification{
		Status: contracts.StatusEthical, Confidence: 1, Risk: contracts.RiskLow,
	}})

	d := completeDecision()
	d.Context.Causation = contracts.CausationNatural
	d.Context.AgencyPresent = boolPtr(false)

	_, err := g.EnforceDecision(ctx, d)
	require.NoError(t, err)
	assert.Empty(t, sink.submitted)
}

func TestClassifierFailureRecordsConservativeFallback(t *testing.T) {
	ctx := context.Background()
	sink := &classificationSink{}
	vlog := &violationLog{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	g, _ := newTestGate(t, sink)
	g.WithSelfClassifier(&stubClassifier{err: errors.New("model unavailable")}).
		WithViolations(vlog).
		WithClock(func() time.Time { return fixed })

	eventID, err := g.EnforceDecision(ctx, completeDecision())
	require.NoError(t, err, "classifier failure must not fail the admit")

	require.Len(t, sink.submitted, 1)
	fallback := sink.submitted[0]
	assert.Equal(t, eventID, fallback.EventID)
	assert.Equal(t, "agent-1", fallback.ClassifierID)
	assert.Equal(t, contracts.StatusQuestionable, fallback.Status)
	assert.Equal(t, 0.5, fallback.Confidence)
	assert.Equal(t, contracts.RiskMedium, fallback.Risk)
	assert.True(t, fallback.RequiresExternalReview)
	assert.Equal(t, fixed, fallback.Timestamp)

	require.Len(t, vlog.types, 1)
	assert.Equal(t, "classification_failure", vlog.types[0])
	assert.Equal(t, contracts.SeverityAudit, vlog.severities[0])
}

func TestMissingClassifierFallsBack(t *testing.T) {
	ctx := context.Background()
	sink := &classificationSink{}
	g, _ := newTestGate(t, sink)

	_, err := g.EnforceDecision(ctx, completeDecision())
	require.NoError(t, err)

	require.Len(t, sink.submitted, 1)
	assert.Equal(t, contracts.StatusQuestionable, sink.submitted[0].Status)
}

func TestSubmitFailureBecomesWarningViolation(t *testing.T) {
	ctx := context.Background()
	sink := &classificationSink{err: errors.New("store down")}
	vlog := &violationLog{}

	g, l := newTestGate(t, sink)
	g.WithSelfClassifier(&stubClassifier{result: contracts.Classification{
		Status: contracts.StatusEthical, Confidence: 0.9, Risk: contracts.RiskLow,
	}}).WithViolations(vlog)

	eventID, err := g.EnforceDecision(ctx, completeDecision())
	require.NoError(t, err, "the admit stands even when recording the classification fails")

	has, err := l.Has(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, has)

	require.Len(t, vlog.types, 1)
	assert.Equal(t, contracts.SeverityWarning, vlog.severities[0])
}

func TestConcurrentIdenticalDecisionsAdmitOnce(t *testing.T) {
	ctx := context.Background()
	g, l := newTestGate(t, &classificationSink{})

	decision := completeDecision()
	decision.Context.AgencyPresent = boolPtr(false)

	const submitters = 8
	errs := make(chan error, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.EnforceDecision(ctx, decision)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	admitted, replayed := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, contracts.ErrReplay):
			replayed++
		default:
			t.Fatalf("unexpected enforcement error: %v", err)
		}
	}
	assert.Equal(t, 1, admitted, "exactly one submission may append")
	assert.Equal(t, submitters-1, replayed)

	n, err := l.Length(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
