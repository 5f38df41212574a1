package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/waveline-ai/waveline/pkg/models"
	"github.com/waveline-ai/waveline/pkg/statemachine"
)

// replyContract is appended verbatim to every turn prompt. The engine parses
// exactly this shape back out of the completion.
const replyContract = `Respond with a single JSON object:
{
  "responses": [{"type": "text"|"template"|"image"|"video", "content": string, "templateName"?: string, "templateParams"?: string[], "delayMs"?: number}],
  "transition"?: {"to": string, "reason": string, "confidence": number},
  "escalation"?: {"shouldEscalate": boolean, "reason": "explicit_request"|"ai_uncertainty"|"repeated_failure"|"policy_violation", "confidence": number, "summary": string, "priority"?: "low"|"medium"|"high"|"urgent"},
  "isUncertain"?: boolean,
  "contextUpdates"?: object,
  "depositConfirmed"?: {"amount": number, "currency": string, "reasoning": string}
}
Only propose a transition listed under allowed transitions. Set isUncertain when you cannot handle the request.`

// buildTurnPrompt assembles the system prompt for one conversation turn.
func buildTurnPrompt(tenant *models.Tenant, machine *models.StateMachine, session *models.Session, stateCfg models.StateConfig, knowledge []models.KnowledgeEntry, examples []models.ConversationExample) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the conversational sales assistant for %s.\n", tenant.Name)
	if len(tenant.BusinessMetadata) > 0 {
		if blob, err := json.Marshal(tenant.BusinessMetadata); err == nil {
			fmt.Fprintf(&b, "Business profile: %s\n", blob)
		}
	}

	fmt.Fprintf(&b, "\nCurrent conversation state: %s\n", session.CurrentState)
	fmt.Fprintf(&b, "Objective: %s\n", stateCfg.Objective)
	if stateCfg.Description != "" {
		fmt.Fprintf(&b, "Details: %s\n", stateCfg.Description)
	}
	if len(stateCfg.CompletionSignals) > 0 {
		fmt.Fprintf(&b, "The state is complete when: %s\n", strings.Join(stateCfg.CompletionSignals, "; "))
	}
	if block := statemachine.TransitionContext(machine, session.CurrentState); block != "" {
		b.WriteString("\n")
		b.WriteString(block)
	}

	if len(session.Context) > 0 {
		if blob, err := json.Marshal(session.Context); err == nil {
			fmt.Fprintf(&b, "\nSession context: %s\n", blob)
		}
	}

	if len(knowledge) > 0 {
		b.WriteString("\nRelevant knowledge:\n")
		for _, k := range knowledge {
			fmt.Fprintf(&b, "- %s: %s\n", k.Title, k.Answer)
		}
	}

	if len(examples) > 0 {
		b.WriteString("\nExample conversations:\n")
		for _, ex := range examples {
			fmt.Fprintf(&b, "Scenario: %s\n", ex.Scenario)
			for _, m := range ex.Messages {
				fmt.Fprintf(&b, "  %s: %s\n", m.Role, m.Content)
			}
		}
	}

	b.WriteString("\n")
	b.WriteString(replyContract)
	return b.String()
}
