package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/waveline-ai/waveline/pkg/models"
)

// parseTurnReply decodes the LLM's turn reply. Models sometimes wrap JSON in
// a fenced code block even in JSON mode, so fences are stripped first.
// Unknown fields are ignored; unknown enum values are coerced where a safe
// default exists.
func parseTurnReply(raw string) (*models.TurnReply, error) {
	cleaned := stripFences(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("empty reply")
	}

	var reply models.TurnReply
	if err := json.Unmarshal([]byte(cleaned), &reply); err != nil {
		return nil, fmt.Errorf("failed to parse turn reply: %w", err)
	}

	for i := range reply.Responses {
		switch reply.Responses[i].Type {
		case models.ResponseText, models.ResponseTemplate, models.ResponseImage, models.ResponseVideo:
		default:
			reply.Responses[i].Type = models.ResponseText
		}
	}
	if esc := reply.Escalation; esc != nil {
		if !esc.Reason.Valid() {
			esc.Reason = models.ReasonAIUncertainty
		}
		if !esc.Priority.Valid() {
			esc.Priority = models.PriorityMedium
		}
	}
	return &reply, nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag, and trims whitespace.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 && !strings.ContainsAny(s[:idx], "{}") {
		// Drop the language tag line (e.g. "json").
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
