//go:build property
// +build property

// Property-based tests for divergence metric invariants.
package consensus_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/tillerworks/tiller/pkg/consensus"
	"github.com/tillerworks/tiller/pkg/contracts"
)

var statuses = []contracts.EthicalStatus{
	contracts.StatusEthical,
	contracts.StatusPermissible,
	contracts.StatusQuestionable,
	contracts.StatusUnethical,
}

var risks = []contracts.RiskLevel{
	contracts.RiskLow,
	contracts.RiskMedium,
	contracts.RiskHigh,
}

func genClassification() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, len(statuses)-1),
		gen.Float64Range(0, 1),
		gen.IntRange(0, len(risks)-1),
	).Map(func(vals []interface{}) contracts.Classification {
		return contracts.Classification{
			EventID:      "e1",
			ClassifierID: "x",
			Status:       statuses[vals[0].(int)],
			Confidence:   vals[1].(float64),
			Risk:         risks[vals[2].(int)],
		}
	})
}

// TestDivergenceSymmetry verifies divergence(A,B) == divergence(B,A) for all
// classification pairs.
func TestDivergenceSymmetry(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	policy := consensus.DefaultPolicy()

	properties.Property("divergence is symmetric", prop.ForAll(
		func(a, b contracts.Classification) bool {
			return policy.Divergence(a, b) == policy.Divergence(b, a)
		},
		genClassification(),
		genClassification(),
	))

	properties.TestingRun(t)
}

// TestDivergenceIdentity verifies divergence(A,A) == 0.
func TestDivergenceIdentity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	policy := consensus.DefaultPolicy()

	properties.Property("self-divergence is zero", prop.ForAll(
		func(a contracts.Classification) bool {
			return policy.Divergence(a, a) == 0
		},
		genClassification(),
	))

	properties.TestingRun(t)
}

// TestDivergenceNonNegative verifies the metric never goes negative.
func TestDivergenceNonNegative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	policy := consensus.DefaultPolicy()

	properties.Property("divergence is non-negative", prop.ForAll(
		func(a, b contracts.Classification) bool {
			return policy.Divergence(a, b) >= 0
		},
		genClassification(),
		genClassification(),
	))

	properties.TestingRun(t)
}
