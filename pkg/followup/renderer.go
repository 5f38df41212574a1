package followup

import (
	"context"
	"fmt"
	"strings"

	"github.com/waveline-ai/waveline/pkg/models"
)

// VariableResolver produces the value of one llm-typed variable.
type VariableResolver interface {
	GenerateFollowupVariable(ctx context.Context, tenant *models.Tenant, sessionID, prompt string) (string, error)
}

// resolveVariables computes the substitution values of a config in declared
// order. Context variables read the session context; unknown fields resolve
// to empty strings.
func resolveVariables(ctx context.Context, resolver VariableResolver, tenant *models.Tenant, session *models.Session, vars []models.FollowupVariable) ([]string, map[string]string, error) {
	ordered := make([]string, 0, len(vars))
	byKey := make(map[string]string, len(vars))

	for _, v := range vars {
		var value string
		switch v.Type {
		case models.VariableLiteral:
			value = v.Value
		case models.VariableContext:
			if raw, ok := session.Context[v.Field]; ok && raw != nil {
				value = fmt.Sprint(raw)
			}
		case models.VariableLLM:
			resolved, err := resolver.GenerateFollowupVariable(ctx, tenant, session.ID, v.Prompt)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to resolve variable %q: %w", v.Key, err)
			}
			value = strings.TrimSpace(resolved)
		default:
			return nil, nil, fmt.Errorf("unknown variable type %q for %q", v.Type, v.Key)
		}
		ordered = append(ordered, value)
		byKey[v.Key] = value
	}
	return ordered, byKey, nil
}

// renderText substitutes {{key}} placeholders in a text body.
func renderText(body string, values map[string]string) string {
	if len(values) == 0 {
		return body
	}
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

// render resolves a config into one outbound response: a substituted text
// body, or a template send with positional params in declared order.
func render(ctx context.Context, resolver VariableResolver, tenant *models.Tenant, session *models.Session, cfg *models.FollowupConfig) (*models.OutboundResponse, error) {
	ordered, byKey, err := resolveVariables(ctx, resolver, tenant, session, cfg.Variables)
	if err != nil {
		return nil, err
	}

	switch cfg.Type {
	case models.FollowupTemplate:
		return &models.OutboundResponse{
			Type:           models.ResponseTemplate,
			TemplateName:   cfg.TemplateName,
			TemplateParams: ordered,
			HeaderImageURL: cfg.HeaderImageURL,
		}, nil
	case models.FollowupText:
		return &models.OutboundResponse{
			Type:    models.ResponseText,
			Content: renderText(cfg.Body, byKey),
		}, nil
	default:
		return nil, fmt.Errorf("unknown followup type %q in config %q", cfg.Type, cfg.Name)
	}
}
