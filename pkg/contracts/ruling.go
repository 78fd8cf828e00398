package contracts

import "time"

// HumanRuling is the final human judgment on an escalated event. A ruling
// marked as precedent can short-circuit future matching escalations within
// its validity window.
//
// ValidityDays is request-side input: issuing a ruling resolves it into an
// absolute ValidUntil relative to IssuedAt, and only ValidUntil is stored.
type HumanRuling struct {
	EventID              string        `json:"event_id"`
	IssuedBy             string        `json:"issued_by"`
	FinalAssessment      EthicalStatus `json:"final_assessment"`
	Reasoning            string        `json:"reasoning"`
	PrecedentCreated     bool          `json:"precedent_created"`
	ApplicableEventTypes []string      `json:"applicable_event_types,omitempty"`
	ValidityDays         int           `json:"validity_days,omitempty"`
	IssuedAt             time.Time     `json:"issued_at"`
	ValidUntil           time.Time     `json:"valid_until,omitempty"`
}

// PrecedentActive reports whether the ruling can be applied as precedent for
// the given action type at time t.
func (r HumanRuling) PrecedentActive(actionType string, t time.Time) bool {
	if !r.PrecedentCreated {
		return false
	}
	if !r.ValidUntil.IsZero() && t.After(r.ValidUntil) {
		return false
	}
	for _, at := range r.ApplicableEventTypes {
		if at == actionType {
			return true
		}
	}
	return false
}
