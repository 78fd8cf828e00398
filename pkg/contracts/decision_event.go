package contracts

import "time"

// Causation identifies who or what set a decision in motion.
type Causation string

const (
	CausationNatural    Causation = "natural"
	CausationHuman      Causation = "human"
	CausationAIDecision Causation = "ai_decision"
	CausationAIAssisted Causation = "ai_assisted"
)

// Valid reports whether c is one of the four recognized causation modes.
func (c Causation) Valid() bool {
	switch c {
	case CausationNatural, CausationHuman, CausationAIDecision, CausationAIAssisted:
		return true
	}
	return false
}

// DecisionContext carries the causal context that must accompany every
// decision presented at the gate. All five fields are mandatory; the gate
// rejects a decision before any write if one is missing or invalid.
type DecisionContext struct {
	Causation      Causation `json:"causation"`
	AgencyPresent  *bool     `json:"agency_present"`
	DutyOfCare     string    `json:"duty_of_care"`
	KnowledgeLevel string    `json:"knowledge_level"`
	ControlLevel   string    `json:"control_level"`
}

// DecisionEvent is the payload of a decision ledger entry.
type DecisionEvent struct {
	ActionType  string          `json:"action_type"`
	Description string          `json:"description"`
	Payload     map[string]any  `json:"payload,omitempty"`
	AgentID     string          `json:"agent_id"`
	Context     DecisionContext `json:"context"`
	Timestamp   time.Time       `json:"timestamp,omitempty"`
}

// EntryTypeDecision is the ledger entry type for admitted decision events.
const EntryTypeDecision = "decision_event"

// EntryTypeRuling is the ledger entry type for human ruling records.
const EntryTypeRuling = "human_ruling"
