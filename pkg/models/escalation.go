package models

import "time"

// EscalationReason classifies why a session needs a human.
type EscalationReason string

// Escalation reasons. Unknown reasons coming back from the LLM are coerced
// to ReasonAIUncertainty.
const (
	ReasonExplicitRequest EscalationReason = "explicit_request"
	ReasonAIUncertainty   EscalationReason = "ai_uncertainty"
	ReasonRepeatedFailure EscalationReason = "repeated_failure"
	ReasonPolicyViolation EscalationReason = "policy_violation"
)

// Valid reports whether the reason is one of the known values.
func (r EscalationReason) Valid() bool {
	switch r {
	case ReasonExplicitRequest, ReasonAIUncertainty, ReasonRepeatedFailure, ReasonPolicyViolation:
		return true
	}
	return false
}

// EscalationPriority orders the human-agent queue.
type EscalationPriority string

// Escalation priorities.
const (
	PriorityLow    EscalationPriority = "low"
	PriorityMedium EscalationPriority = "medium"
	PriorityHigh   EscalationPriority = "high"
	PriorityUrgent EscalationPriority = "urgent"
)

// Valid reports whether the priority is one of the known values.
func (p EscalationPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// EscalationStatus is the lifecycle state of an escalation.
type EscalationStatus string

// Escalation statuses. Open, assigned and in_progress are non-terminal;
// at most one non-terminal escalation exists per session.
const (
	EscalationOpen       EscalationStatus = "open"
	EscalationAssigned   EscalationStatus = "assigned"
	EscalationInProgress EscalationStatus = "in_progress"
	EscalationResolved   EscalationStatus = "resolved"
	EscalationCancelled  EscalationStatus = "cancelled"
)

// Terminal reports whether the status ends the escalation.
func (s EscalationStatus) Terminal() bool {
	return s == EscalationResolved || s == EscalationCancelled
}

// Escalation is a durable record that a human agent should take over a
// session.
type Escalation struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"sessionId"`
	Reason       EscalationReason   `json:"reason"`
	Priority     EscalationPriority `json:"priority"`
	Status       EscalationStatus   `json:"status"`
	AssignedTo   string             `json:"assignedTo,omitempty"`
	AISummary    string             `json:"aiSummary,omitempty"`
	AIConfidence float64            `json:"aiConfidence,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
	ResolvedAt   *time.Time         `json:"resolvedAt,omitempty"`
}
