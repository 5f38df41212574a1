package models

import "strings"

// ResponseType is the delivery kind of one planned outbound response.
type ResponseType string

// Planned response types the LLM may emit.
const (
	ResponseText     ResponseType = "text"
	ResponseTemplate ResponseType = "template"
	ResponseImage    ResponseType = "image"
	ResponseVideo    ResponseType = "video"
)

// OutboundResponse is one message the engine asks the caller to deliver.
// Delivery order follows array order within a turn.
type OutboundResponse struct {
	Type           ResponseType `json:"type"`
	Content        string       `json:"content"`
	TemplateName   string       `json:"templateName,omitempty"`
	TemplateParams []string     `json:"templateParams,omitempty"`
	HeaderImageURL string       `json:"headerImageUrl,omitempty"`
	ButtonParams   []string     `json:"buttonParams,omitempty"`
	DelayMs        int          `json:"delayMs,omitempty"`
}

// TemplateMessage is the egress payload for an approved channel template:
// positional body params plus an optional header image and URL-button params.
// Text carries the plain-text rendition sent when the template is rejected.
type TemplateMessage struct {
	Name           string   `json:"name"`
	BodyParams     []string `json:"bodyParams,omitempty"`
	HeaderImageURL string   `json:"headerImageUrl,omitempty"`
	ButtonParams   []string `json:"buttonParams,omitempty"`
	Text           string   `json:"text,omitempty"`
}

// FallbackText is the plain-text rendition of the template: the body params
// joined, or the Text body for a param-less template. Empty means no text
// fallback is possible.
func (t TemplateMessage) FallbackText() string {
	if len(t.BodyParams) > 0 {
		return strings.Join(t.BodyParams, " ")
	}
	return t.Text
}

// Template builds the egress payload of a template response.
func (r *OutboundResponse) Template() TemplateMessage {
	return TemplateMessage{
		Name:           r.TemplateName,
		BodyParams:     r.TemplateParams,
		HeaderImageURL: r.HeaderImageURL,
		ButtonParams:   r.ButtonParams,
		Text:           r.Content,
	}
}

// TransitionDecision is the LLM's proposed state change for the session.
type TransitionDecision struct {
	To         string  `json:"to"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// EscalationDecision is the LLM's judgment that a human should take over.
type EscalationDecision struct {
	ShouldEscalate bool               `json:"shouldEscalate"`
	Reason         EscalationReason   `json:"reason"`
	Confidence     float64            `json:"confidence"`
	Summary        string             `json:"summary"`
	Priority       EscalationPriority `json:"priority,omitempty"`
}

// DepositConfirmation is the LLM's report that the user confirmed a deposit.
type DepositConfirmation struct {
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Reasoning string  `json:"reasoning"`
}

// TurnReply is the JSON object the LLM must return for every conversation
// turn. Unknown fields are ignored; a reply that fails to parse is promoted
// to an ai_uncertainty escalation by the engine.
type TurnReply struct {
	Responses        []OutboundResponse   `json:"responses"`
	Transition       *TransitionDecision  `json:"transition,omitempty"`
	Escalation       *EscalationDecision  `json:"escalation,omitempty"`
	IsUncertain      bool                 `json:"isUncertain,omitempty"`
	ContextUpdates   map[string]any       `json:"contextUpdates,omitempty"`
	DepositConfirmed *DepositConfirmation `json:"depositConfirmed,omitempty"`
}
