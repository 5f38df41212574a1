package engine

import (
	"context"
	"fmt"

	"github.com/waveline-ai/waveline/pkg/llm"
	"github.com/waveline-ai/waveline/pkg/models"
)

// GenerateFollowup asks the LLM for a re-engagement message for a silent
// session. Used when the queue item carries no registry config.
func (e *Engine) GenerateFollowup(ctx context.Context, tenant *models.Tenant, sessionID string) ([]models.OutboundResponse, models.StateConfig, error) {
	machine, err := e.deps.StateMachines.FindActive(ctx, tenant.ID, tenant.StateMachineName)
	if err != nil {
		return nil, models.StateConfig{}, fmt.Errorf("failed to load state machine: %w", err)
	}
	session, err := e.deps.Sessions.FindByID(ctx, tenant.ID, sessionID)
	if err != nil {
		return nil, models.StateConfig{}, fmt.Errorf("failed to load session: %w", err)
	}
	stateCfg, ok := machine.State(session.CurrentState)
	if !ok {
		return nil, models.StateConfig{}, fmt.Errorf("session state %q not in state machine %q", session.CurrentState, machine.Name)
	}

	history, err := e.deps.Messages.GetRecent(ctx, tenant.ID, sessionID, e.cfg.HistoryLimit)
	if err != nil {
		return nil, models.StateConfig{}, fmt.Errorf("failed to load history: %w", err)
	}

	prompt := buildTurnPrompt(tenant, machine, session, stateCfg, nil, nil) +
		"\nThe user went silent. Write one short, friendly re-engagement message that advances the state objective. Do not propose a transition or escalation."

	llmCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()
	resp, err := e.deps.LLM.GenerateResponse(llmCtx, llm.Request{
		SystemPrompt: prompt,
		Messages:     historyToLLM(history),
		Model:        tenant.LLM.Model,
		JSONMode:     true,
	})
	if err != nil {
		return nil, models.StateConfig{}, fmt.Errorf("failed to generate follow-up: %w", err)
	}

	reply, err := parseTurnReply(resp.Content)
	if err != nil {
		return nil, models.StateConfig{}, fmt.Errorf("failed to parse follow-up reply: %w", err)
	}
	if len(reply.Responses) == 0 {
		return nil, models.StateConfig{}, fmt.Errorf("follow-up reply carried no responses")
	}
	return reply.Responses, stateCfg, nil
}

// GenerateFollowupVariable resolves one llm-typed variable of a follow-up
// config: a short free-text value produced from the session's context.
func (e *Engine) GenerateFollowupVariable(ctx context.Context, tenant *models.Tenant, sessionID, prompt string) (string, error) {
	session, err := e.deps.Sessions.FindByID(ctx, tenant.ID, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	history, err := e.deps.Messages.GetRecent(ctx, tenant.ID, sessionID, e.cfg.HistoryLimit)
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}

	system := fmt.Sprintf(
		"You fill one template variable for a follow-up message to a customer of %s. "+
			"Current conversation state: %s. %s\n"+
			"Reply with the value only, no quotes, no explanation.",
		tenant.Name, session.CurrentState, prompt)

	llmCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()
	resp, err := e.deps.LLM.GenerateResponse(llmCtx, llm.Request{
		SystemPrompt: system,
		Messages:     historyToLLM(history),
		Model:        tenant.LLM.Model,
		MaxTokens:    100,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate variable value: %w", err)
	}
	return resp.Content, nil
}
