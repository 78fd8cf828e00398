package contracts

import (
	"fmt"
	"time"
)

// EthicalStatus is the verdict a classifier assigns to a decision event.
// It is a closed set of four values; anything else is rejected at submission.
type EthicalStatus string

const (
	StatusEthical      EthicalStatus = "ethical"
	StatusPermissible  EthicalStatus = "permissible"
	StatusQuestionable EthicalStatus = "questionable"
	StatusUnethical    EthicalStatus = "unethical"
)

// Valid reports whether s is a recognized ethical status.
func (s EthicalStatus) Valid() bool {
	switch s {
	case StatusEthical, StatusPermissible, StatusQuestionable, StatusUnethical:
		return true
	}
	return false
}

// RiskLevel is a classifier's coarse risk estimate.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether r is a recognized risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Classification is one classifier's independent assessment of one event.
// At most one live classification exists per (EventID, ClassifierID);
// resubmission archives the prior version rather than overwriting it.
type Classification struct {
	EventID      string        `json:"event_id"`
	ClassifierID string        `json:"classifier_id"`
	Status       EthicalStatus `json:"ethical_status"`
	Confidence   float64       `json:"confidence"`
	Risk         RiskLevel     `json:"risk_estimate"`
	Reasoning    string        `json:"reasoning,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`

	// RequiresExternalReview marks a fallback classification recorded after
	// a failed self-classification attempt.
	RequiresExternalReview bool `json:"requires_external_review,omitempty"`
}

// Validate checks the closed fields and the confidence range.
func (c Classification) Validate() error {
	if c.EventID == "" {
		return fmt.Errorf("classification: event_id is required")
	}
	if c.ClassifierID == "" {
		return fmt.Errorf("classification: classifier_id is required")
	}
	if !c.Status.Valid() {
		return fmt.Errorf("classification: unknown ethical_status %q", c.Status)
	}
	if !c.Risk.Valid() {
		return fmt.Errorf("classification: unknown risk_estimate %q", c.Risk)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("classification: confidence %v outside [0,1]", c.Confidence)
	}
	return nil
}
