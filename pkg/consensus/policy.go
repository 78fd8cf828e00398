// Package consensus computes pairwise divergence between independent
// classifications of the same event and decides when human review is
// required.
package consensus

import (
	"fmt"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// StatusScale assigns ordinal positions to the four ethical statuses.
// Values are operator policy; the mapping itself is exhaustive.
type StatusScale struct {
	Ethical      float64 `yaml:"ethical" json:"ethical"`
	Permissible  float64 `yaml:"permissible" json:"permissible"`
	Questionable float64 `yaml:"questionable" json:"questionable"`
	Unethical    float64 `yaml:"unethical" json:"unethical"`
}

// Ordinal maps a status through the scale.
func (s StatusScale) Ordinal(st contracts.EthicalStatus) float64 {
	switch st {
	case contracts.StatusEthical:
		return s.Ethical
	case contracts.StatusPermissible:
		return s.Permissible
	case contracts.StatusQuestionable:
		return s.Questionable
	case contracts.StatusUnethical:
		return s.Unethical
	}
	// Unreachable for validated classifications.
	return s.Unethical
}

// RiskScale assigns ordinal positions to the three risk levels.
type RiskScale struct {
	Low    float64 `yaml:"low" json:"low"`
	Medium float64 `yaml:"medium" json:"medium"`
	High   float64 `yaml:"high" json:"high"`
}

// Ordinal maps a risk level through the scale.
func (s RiskScale) Ordinal(r contracts.RiskLevel) float64 {
	switch r {
	case contracts.RiskLow:
		return s.Low
	case contracts.RiskMedium:
		return s.Medium
	case contracts.RiskHigh:
		return s.High
	}
	return s.High
}

// Weights blends the three divergence components.
type Weights struct {
	Status     float64 `yaml:"status" json:"status"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
	Risk       float64 `yaml:"risk" json:"risk"`
}

// Policy is the operator-tunable consensus configuration: ordinal tables,
// component weights, and the human-review threshold.
//
// Aggregation across pairs is the maximum pairwise divergence, so one strong
// dissenter is never diluted by majority agreement. Only "max" is
// implemented; the field exists so the choice is explicit in configuration.
type Policy struct {
	StatusScale StatusScale `yaml:"status_scale" json:"status_scale"`
	RiskScale   RiskScale   `yaml:"risk_scale" json:"risk_scale"`
	Weights     Weights     `yaml:"weights" json:"weights"`
	Threshold   float64     `yaml:"threshold" json:"threshold"`
	Aggregation string      `yaml:"aggregation" json:"aggregation"`

	// TriggerExpr is an optional CEL expression evaluated against the
	// computed record; when it yields true, human review is required even
	// below the threshold. Variables: max_divergence (double),
	// statuses (list<string>), classifier_count (int).
	TriggerExpr string `yaml:"trigger_expr,omitempty" json:"trigger_expr,omitempty"`
}

// DefaultPolicy returns the stock scoring policy.
func DefaultPolicy() Policy {
	return Policy{
		StatusScale: StatusScale{Ethical: 0, Permissible: 1, Questionable: 2, Unethical: 3},
		RiskScale:   RiskScale{Low: 0, Medium: 1, High: 2},
		Weights:     Weights{Status: 0.4, Confidence: 0.3, Risk: 0.3},
		Threshold:   0.75,
		Aggregation: "max",
	}
}

// Validate rejects unusable policies.
func (p Policy) Validate() error {
	if p.Threshold < 0 {
		return fmt.Errorf("consensus policy: threshold must be non-negative")
	}
	if p.Weights.Status < 0 || p.Weights.Confidence < 0 || p.Weights.Risk < 0 {
		return fmt.Errorf("consensus policy: weights must be non-negative")
	}
	if p.Weights.Status+p.Weights.Confidence+p.Weights.Risk == 0 {
		return fmt.Errorf("consensus policy: at least one weight must be positive")
	}
	if p.Aggregation != "" && p.Aggregation != "max" {
		return fmt.Errorf("consensus policy: unsupported aggregation %q (only \"max\")", p.Aggregation)
	}
	return nil
}

// Divergence computes the symmetric weighted distance between two
// classifications of the same event.
func (p Policy) Divergence(a, b contracts.Classification) float64 {
	ds := abs(p.StatusScale.Ordinal(a.Status) - p.StatusScale.Ordinal(b.Status))
	dc := abs(a.Confidence - b.Confidence)
	dr := abs(p.RiskScale.Ordinal(a.Risk) - p.RiskScale.Ordinal(b.Risk))
	return p.Weights.Status*ds + p.Weights.Confidence*dc + p.Weights.Risk*dr
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
