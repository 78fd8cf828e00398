package contracts

import "time"

// Severity ranks how a violation is handled. Blocking violations escalate to
// human review; warning and audit records are retained for reporting only.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
	SeverityAudit    Severity = "audit"
)

// Valid reports whether s is a recognized severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityBlocking, SeverityWarning, SeverityAudit:
		return true
	}
	return false
}

// Violation is a permanent record of an observed rule breach. Once recorded
// it is never mutated or dropped, regardless of severity.
type Violation struct {
	ViolationID  string         `json:"violation_id"`
	Type         string         `json:"type"`
	Severity     Severity       `json:"severity"`
	Message      string         `json:"message"`
	Timestamp    time.Time      `json:"timestamp"`
	AgentID      string         `json:"agent_id,omitempty"`
	FunctionName string         `json:"function_name,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// EscalationStatus tracks the lifecycle of a blocking-violation escalation.
type EscalationStatus string

const (
	EscalationAwaitingReview EscalationStatus = "awaiting_human_review"
	EscalationResolved       EscalationStatus = "resolved"
)

// Escalation is the durable human-review flag produced by a blocking
// violation. Notification delivery is best-effort and never gates the record.
type Escalation struct {
	EscalationID string           `json:"escalation_id"`
	ViolationID  string           `json:"violation_id"`
	Status       EscalationStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	Notified     bool             `json:"notified"`
}

// ViolationReport is the aggregate view over all recorded violations.
type ViolationReport struct {
	Total              int              `json:"total"`
	BySeverity         map[Severity]int `json:"by_severity"`
	ByType             map[string]int   `json:"by_type"`
	PendingEscalations int              `json:"pending_escalations"`
	GeneratedAt        time.Time        `json:"generated_at"`
}
