package contracts

import "time"

// PairDivergence is the symmetric distance between two classifications of
// the same event.
type PairDivergence struct {
	ClassifierA string  `json:"classifier_a"`
	ClassifierB string  `json:"classifier_b"`
	Score       float64 `json:"score"`
}

// ClassifierScore is the per-classifier breakdown attached to a consensus
// record.
type ClassifierScore struct {
	ClassifierID string        `json:"classifier_id"`
	Status       EthicalStatus `json:"ethical_status"`
	Confidence   float64       `json:"confidence"`
	Risk         RiskLevel     `json:"risk_estimate"`
}

// ConsensusRecord summarizes agreement across all live classifications of one
// event. It is a pure function of the current classification set and is
// overwritten on recomputation; it is not an accumulating history.
// A triggered review that an active precedent resolves is not escalated:
// RequiresHumanReview is cleared and the precedent fields identify the
// prior ruling that settled it.
type ConsensusRecord struct {
	EventID               string            `json:"event_id"`
	Timestamp             time.Time         `json:"timestamp"`
	Pairs                 []PairDivergence  `json:"pairs"`
	MaxPairwiseDivergence float64           `json:"max_pairwise_divergence"`
	RequiresHumanReview   bool              `json:"requires_human_review"`
	TriggerReason         string            `json:"trigger_reason,omitempty"`
	PrecedentEventID      string            `json:"precedent_event_id,omitempty"`
	PrecedentAssessment   EthicalStatus     `json:"precedent_assessment,omitempty"`
	Breakdown             []ClassifierScore `json:"breakdown"`
}
