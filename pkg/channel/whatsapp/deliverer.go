package whatsapp

import (
	"context"
	"log/slog"
	"time"

	"github.com/waveline-ai/waveline/pkg/engine"
	"github.com/waveline-ai/waveline/pkg/models"
)

// MessageStatusStore records delivery outcomes on stored messages.
type MessageStatusStore interface {
	UpdateDeliveryStatus(ctx context.Context, tenantID, messageID string, status models.DeliveryStatus, platformMessageID string) error
}

// Deliverer sends a turn's responses in array order, honoring per-response
// delays, and records the outcome on each persisted outbound message.
// A failed send leaves the stored message pending; there are no retries at
// the send layer.
type Deliverer struct {
	client   *Client
	messages MessageStatusStore
	logger   *slog.Logger
}

// NewDeliverer builds a deliverer.
func NewDeliverer(client *Client, messages MessageStatusStore, logger *slog.Logger) *Deliverer {
	return &Deliverer{client: client, messages: messages, logger: logger}
}

// Deliver sends every response of a turn. When the turn carries a reply
// context, only the first response quotes the inbound.
func (d *Deliverer) Deliver(ctx context.Context, tenant *models.Tenant, key models.SessionKey, result *engine.TurnResult) error {
	var firstErr error
	replyTo := result.ReplyTo
	for i, r := range result.Responses {
		if r.DelayMs > 0 {
			select {
			case <-time.After(time.Duration(r.DelayMs) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		platformID, err := d.sendOne(ctx, tenant, key, &r, replyTo)
		replyTo = ""
		if err != nil {
			d.logger.Error("Failed to deliver response",
				"tenant_id", tenant.ID, "session_id", result.SessionID,
				"index", i, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if i < len(result.OutboundIDs) {
			if err := d.messages.UpdateDeliveryStatus(ctx, tenant.ID, result.OutboundIDs[i], models.DeliverySent, platformID); err != nil {
				d.logger.Warn("Failed to record delivery status",
					"message_id", result.OutboundIDs[i], "error", err)
			}
		}
	}
	return firstErr
}

func (d *Deliverer) sendOne(ctx context.Context, tenant *models.Tenant, key models.SessionKey, r *models.OutboundResponse, replyTo string) (string, error) {
	switch r.Type {
	case models.ResponseTemplate:
		return d.client.SendTemplate(ctx, tenant, key, r.Template())
	case models.ResponseImage:
		return d.client.SendMedia(ctx, tenant, key, models.MessageImage, r.Content, "")
	case models.ResponseVideo:
		return d.client.SendMedia(ctx, tenant, key, models.MessageVideo, r.Content, "")
	default:
		return d.client.SendText(ctx, tenant, key, r.Content, replyTo)
	}
}
