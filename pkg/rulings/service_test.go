package rulings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/ledger"
)

func newTestService(t *testing.T) (*Service, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.New(context.Background(), ledger.NewMemoryStore())
	require.NoError(t, err)
	return NewService(NewMemoryStore(), l), l
}

func admitEvent(t *testing.T, l *ledger.Ledger, id string) {
	t.Helper()
	_, err := l.Append(context.Background(), contracts.EntryTypeDecision, id, map[string]any{
		"action_type": "data_export",
	})
	require.NoError(t, err)
}

func TestCreateRulingAppendsToLedger(t *testing.T) {
	ctx := context.Background()
	svc, l := newTestService(t)
	admitEvent(t, l, "evt-1")

	before, err := l.Length(ctx)
	require.NoError(t, err)

	r, err := svc.CreateRuling(ctx, contracts.HumanRuling{
		EventID:         "evt-1",
		IssuedBy:        "reviewer@example.org",
		FinalAssessment: contracts.StatusPermissible,
		Reasoning:       "bounded export with consent on file",
	})
	require.NoError(t, err)
	assert.False(t, r.IssuedAt.IsZero())

	after, err := l.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	last, err := l.GetLastEntry(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.EntryTypeRuling, last.EntryType)
	assert.Equal(t, "evt-1", last.Payload["event_id"])

	got, err := svc.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPermissible, got.FinalAssessment)
}

func TestCreateRulingRequiresKnownEvent(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateRuling(context.Background(), contracts.HumanRuling{
		EventID:         "ghost",
		IssuedBy:        "reviewer",
		FinalAssessment: contracts.StatusEthical,
	})
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestCreateRulingIsFinal(t *testing.T) {
	ctx := context.Background()
	svc, l := newTestService(t)
	admitEvent(t, l, "evt-1")

	ruling := contracts.HumanRuling{
		EventID:         "evt-1",
		IssuedBy:        "reviewer",
		FinalAssessment: contracts.StatusEthical,
	}
	_, err := svc.CreateRuling(ctx, ruling)
	require.NoError(t, err)

	_, err = svc.CreateRuling(ctx, ruling)
	assert.ErrorIs(t, err, ErrAlreadyRuled)
}

func TestCreateRulingValidation(t *testing.T) {
	svc, l := newTestService(t)
	admitEvent(t, l, "evt-1")

	cases := []struct {
		name   string
		ruling contracts.HumanRuling
	}{
		{"missing event id", contracts.HumanRuling{IssuedBy: "r", FinalAssessment: contracts.StatusEthical}},
		{"missing issuer", contracts.HumanRuling{EventID: "evt-1", FinalAssessment: contracts.StatusEthical}},
		{"bad assessment", contracts.HumanRuling{EventID: "evt-1", IssuedBy: "r", FinalAssessment: "fine"}},
		{"precedent without types", contracts.HumanRuling{EventID: "evt-1", IssuedBy: "r", FinalAssessment: contracts.StatusEthical, PrecedentCreated: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateRuling(context.Background(), tc.ruling)
			assert.Error(t, err)
		})
	}
}

func TestFindPrecedent(t *testing.T) {
	ctx := context.Background()
	svc, l := newTestService(t)
	admitEvent(t, l, "evt-1")
	admitEvent(t, l, "evt-2")
	admitEvent(t, l, "evt-3")

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-48 * time.Hour)
	svc.WithClock(func() time.Time { return clock })

	// Older precedent for data_export.
	_, err := svc.CreateRuling(ctx, contracts.HumanRuling{
		EventID:              "evt-1",
		IssuedBy:             "reviewer-a",
		FinalAssessment:      contracts.StatusPermissible,
		PrecedentCreated:     true,
		ApplicableEventTypes: []string{"data_export"},
		ValidUntil:           now.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	// Newer precedent for the same action type wins.
	clock = now.Add(-24 * time.Hour)
	_, err = svc.CreateRuling(ctx, contracts.HumanRuling{
		EventID:              "evt-2",
		IssuedBy:             "reviewer-b",
		FinalAssessment:      contracts.StatusQuestionable,
		PrecedentCreated:     true,
		ApplicableEventTypes: []string{"data_export"},
		ValidUntil:           now.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	// Non-precedent ruling never matches.
	clock = now
	_, err = svc.CreateRuling(ctx, contracts.HumanRuling{
		EventID:         "evt-3",
		IssuedBy:        "reviewer-c",
		FinalAssessment: contracts.StatusEthical,
	})
	require.NoError(t, err)

	p, err := svc.FindPrecedent(ctx, "data_export", now)
	require.NoError(t, err)
	assert.Equal(t, "evt-2", p.EventID)

	_, err = svc.FindPrecedent(ctx, "model_retraining", now)
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	// Past the validity window nothing applies.
	_, err = svc.FindPrecedent(ctx, "data_export", now.Add(48*time.Hour))
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestCreateRulingDerivesValidityWindow(t *testing.T) {
	ctx := context.Background()
	svc, l := newTestService(t)
	admitEvent(t, l, "evt-1")

	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return issued })

	r, err := svc.CreateRuling(ctx, contracts.HumanRuling{
		EventID:              "evt-1",
		IssuedBy:             "reviewer",
		FinalAssessment:      contracts.StatusPermissible,
		PrecedentCreated:     true,
		ApplicableEventTypes: []string{"data_export"},
		ValidityDays:         30,
	})
	require.NoError(t, err)
	assert.True(t, r.ValidUntil.Equal(issued.Add(30*24*time.Hour)))
	assert.Zero(t, r.ValidityDays, "the stored ruling carries only the absolute window")

	got, err := svc.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, got.ValidUntil.Equal(issued.Add(30*24*time.Hour)))

	// The window bounds the precedent.
	_, err = svc.FindPrecedent(ctx, "data_export", issued.Add(29*24*time.Hour))
	require.NoError(t, err)
	_, err = svc.FindPrecedent(ctx, "data_export", issued.Add(31*24*time.Hour))
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestCreateRulingValidityDaysValidation(t *testing.T) {
	svc, l := newTestService(t)
	admitEvent(t, l, "evt-1")

	_, err := svc.CreateRuling(context.Background(), contracts.HumanRuling{
		EventID:         "evt-1",
		IssuedBy:        "reviewer",
		FinalAssessment: contracts.StatusEthical,
		ValidityDays:    -1,
	})
	assert.Error(t, err)

	_, err = svc.CreateRuling(context.Background(), contracts.HumanRuling{
		EventID:         "evt-1",
		IssuedBy:        "reviewer",
		FinalAssessment: contracts.StatusEthical,
		ValidityDays:    7,
		ValidUntil:      time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.Error(t, err)
}

func TestResolvePrecedentByEvent(t *testing.T) {
	ctx := context.Background()
	svc, l := newTestService(t)
	admitEvent(t, l, "evt-1")
	admitEvent(t, l, "evt-2")

	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return issued })

	_, err := svc.CreateRuling(ctx, contracts.HumanRuling{
		EventID:              "evt-1",
		IssuedBy:             "reviewer",
		FinalAssessment:      contracts.StatusPermissible,
		PrecedentCreated:     true,
		ApplicableEventTypes: []string{"data_export"},
		ValidityDays:         30,
	})
	require.NoError(t, err)

	// evt-2 shares the action type, so the ruling on evt-1 covers it.
	p, err := svc.ResolvePrecedent(ctx, "evt-2", issued.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "evt-1", p.EventID)
	assert.Equal(t, contracts.StatusPermissible, p.FinalAssessment)

	_, err = svc.ResolvePrecedent(ctx, "ghost", issued)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}
