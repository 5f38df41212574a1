// Package notify announces escalations to human agents. Notifications are
// best-effort: a failure is logged and never blocks the conversation turn.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/waveline-ai/waveline/pkg/models"
)

// SlackNotifier posts escalation alerts to the tenant's configured Slack
// channel. A nil *SlackNotifier is valid and does nothing, so callers never
// need to branch on whether notifications are configured.
type SlackNotifier struct {
	client         *slack.Client
	defaultChannel string
	logger         *slog.Logger
}

// NewSlackNotifier builds a notifier. Returns nil when token is empty.
func NewSlackNotifier(token, defaultChannel string, logger *slog.Logger) *SlackNotifier {
	if token == "" {
		return nil
	}
	return &SlackNotifier{
		client:         slack.New(token),
		defaultChannel: defaultChannel,
		logger:         logger,
	}
}

// NotifyEscalation posts one escalation alert. The tenant's notify address
// wins over the default channel.
func (n *SlackNotifier) NotifyEscalation(ctx context.Context, tenant *models.Tenant, session *models.Session, esc *models.Escalation) error {
	if n == nil {
		return nil
	}
	if !tenant.Escalation.Enabled {
		return nil
	}

	channel := tenant.Escalation.NotifyAddress
	if channel == "" {
		channel = n.defaultChannel
	}
	if channel == "" {
		return nil
	}

	attachment := slack.Attachment{
		Color: priorityColor(esc.Priority),
		Title: fmt.Sprintf("Escalation: %s", tenant.Name),
		Fields: []slack.AttachmentField{
			{Title: "Reason", Value: string(esc.Reason), Short: true},
			{Title: "Priority", Value: string(esc.Priority), Short: true},
			{Title: "Session", Value: session.ID, Short: true},
			{Title: "User", Value: session.Key.UserID, Short: true},
		},
		Text: esc.AISummary,
	}

	_, _, err := n.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText("A conversation needs a human agent", false),
		slack.MsgOptionAttachments(attachment))
	if err != nil {
		return fmt.Errorf("failed to post escalation notification: %w", err)
	}

	n.logger.Info("Escalation notification sent",
		"tenant_id", tenant.ID, "session_id", session.ID, "channel", channel)
	return nil
}

func priorityColor(p models.EscalationPriority) string {
	switch p {
	case models.PriorityUrgent:
		return "#d00000"
	case models.PriorityHigh:
		return "#e85d04"
	case models.PriorityMedium:
		return "#ffba08"
	default:
		return "#8d99ae"
	}
}
