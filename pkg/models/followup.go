package models

import "time"

// FollowupType selects how a follow-up body is delivered.
type FollowupType string

// Follow-up types.
const (
	FollowupText     FollowupType = "text"
	FollowupTemplate FollowupType = "template"
)

// VariableType selects how a follow-up variable is resolved at render time.
type VariableType string

// Variable types: a literal value, an LLM-generated value, or a session
// context field.
const (
	VariableLiteral VariableType = "literal"
	VariableLLM     VariableType = "llm"
	VariableContext VariableType = "context"
)

// FollowupVariable is one substitution slot in a follow-up config.
// Exactly one of Value/Prompt/Field is meaningful, per Type.
type FollowupVariable struct {
	Key    string       `json:"key"`
	Type   VariableType `json:"type"`
	Value  string       `json:"value,omitempty"`
	Prompt string       `json:"prompt,omitempty"`
	Field  string       `json:"field,omitempty"`
}

// FollowupConfig is a named, tenant-authored follow-up template. Text bodies
// substitute `{{key}}`; template sends fill positional params in declared
// variable order.
type FollowupConfig struct {
	Name           string             `json:"name"`
	Type           FollowupType       `json:"type"`
	Body           string             `json:"body,omitempty"`
	TemplateName   string             `json:"templateName,omitempty"`
	HeaderImageURL string             `json:"headerImageUrl,omitempty"`
	Variables      []FollowupVariable `json:"variables,omitempty"`
}

// FollowupMaxRetries is the retry budget for a queued follow-up. Items at
// the budget are dead-lettered: left pending and skipped by the due scan.
const FollowupMaxRetries = 3

// FollowupStatus is the lifecycle state of a queued follow-up.
type FollowupStatus string

// Follow-up queue statuses.
const (
	FollowupPending   FollowupStatus = "pending"
	FollowupSent      FollowupStatus = "sent"
	FollowupCancelled FollowupStatus = "cancelled"
	FollowupFailed    FollowupStatus = "failed"
)

// FollowupItem is one scheduled re-engagement message. An item is due when
// status=pending, ProcessingStartedAt is null and ScheduledAt <= now; the
// claimant wins by setting ProcessingStartedAt from null.
type FollowupItem struct {
	ID                  string         `json:"id"`
	SessionID           string         `json:"sessionId"`
	ScheduledAt         time.Time      `json:"scheduledAt"`
	Type                FollowupType   `json:"type"`
	ConfigName          string         `json:"configName,omitempty"` // empty = engine-generated
	SequenceIndex       int            `json:"sequenceIndex"`
	Status              FollowupStatus `json:"status"`
	ProcessingStartedAt *time.Time     `json:"processingStartedAt,omitempty"`
	SentAt              *time.Time     `json:"sentAt,omitempty"`
	RetryCount          int            `json:"retryCount"`
	LastError           string         `json:"lastError,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
}
