package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/waveline-ai/waveline/pkg/channel/whatsapp"
	"github.com/waveline-ai/waveline/pkg/models"
	"github.com/waveline-ai/waveline/pkg/store"
)

const (
	// immediateTurnTimeout bounds an immediate (non-buffered) turn processed
	// after the webhook response was already sent.
	immediateTurnTimeout = 60 * time.Second

	// immediateConcurrency caps parallel immediate turns per webhook delivery.
	immediateConcurrency = 4
)

// verifyWebhookHandler answers the provider's GET subscription handshake.
func (s *Server) verifyWebhookHandler(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || token == "" || token != s.cfg.WebhookVerifyToken {
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}
	c.String(http.StatusOK, challenge)
}

// webhookHandler ingests one webhook delivery. Buffered messages are queued
// and the handler returns; commands, debounce-disabled tenants and buffer
// failures are processed immediately in the background. The provider always
// gets a 2xx for a parseable body, otherwise it redelivers the same payload.
func (s *Server) webhookHandler(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	signature := c.GetHeader(whatsapp.SignatureHeader)

	events, err := whatsapp.ParseWebhook(body)
	if err != nil {
		s.logger.Warn("Discarding unparseable webhook payload", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	var immediate []inboundJob
	for _, ev := range events {
		tenant, err := s.tenants.ResolveChannel(c.Request.Context(), models.ChannelWhatsApp, ev.ChannelID)
		if errors.Is(err, store.ErrNotFound) {
			s.forwardUnmatched(ev.ChannelID, body, signature)
			continue
		}
		if err != nil {
			s.logger.Error("Failed to resolve webhook channel", "channel_id", ev.ChannelID, "error", err)
			continue
		}
		if !tenant.Active {
			s.logger.Info("Dropping message for inactive tenant", "tenant_id", tenant.ID)
			continue
		}

		creds, _ := tenant.Credentials(models.ChannelWhatsApp)
		if !whatsapp.VerifySignature(creds.AppSecret, body, signature) {
			s.logger.Warn("Webhook signature mismatch, dropping event",
				"tenant_id", tenant.ID, "channel_id", ev.ChannelID)
			continue
		}

		key := models.SessionKey{
			Channel:    models.ChannelWhatsApp,
			EndpointID: ev.ChannelID,
			UserID:     ev.UserID,
		}

		// Commands and debounce-disabled tenants skip the buffer.
		if whatsapp.IsCommand(&ev.Message) || !tenant.Debounce.Enabled {
			immediate = append(immediate, inboundJob{tenant: tenant, key: key, msg: ev.Message})
			continue
		}

		res, err := s.buffer.Ingest(c.Request.Context(), tenant, key, ev.Message)
		if err != nil {
			s.logger.Error("Buffer ingest failed", "tenant_id", tenant.ID, "error", err)
			continue
		}
		if !res.Buffered {
			immediate = append(immediate, inboundJob{tenant: tenant, key: key, msg: ev.Message})
		}
	}

	if len(immediate) > 0 {
		go s.processImmediate(immediate)
	}

	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

type inboundJob struct {
	tenant *models.Tenant
	key    models.SessionKey
	msg    models.NormalizedMessage
}

// processImmediate runs non-buffered turns after the webhook response was
// sent. Jobs are independent; one failure never cancels the others.
func (s *Server) processImmediate(jobs []inboundJob) {
	ctx, cancel := context.WithTimeout(context.Background(), immediateTurnTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(immediateConcurrency)
	for _, job := range jobs {
		g.Go(func() error {
			result, err := s.engine.ProcessMessage(ctx, job.tenant, job.key, &job.msg)
			if err != nil {
				s.logger.Error("Immediate turn failed",
					"tenant_id", job.tenant.ID, "session_key", job.key.String(), "error", err)
				return nil
			}
			if s.deliverer == nil || len(result.Responses) == 0 {
				return nil
			}
			if err := s.deliverer.Deliver(ctx, job.tenant, job.key, result); err != nil {
				s.logger.Error("Immediate delivery failed",
					"tenant_id", job.tenant.ID, "session_id", result.SessionID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// forwardUnmatched passes a webhook for an unknown channel to the configured
// dispatch URL, preserving the provider signature so the receiver can verify
// it. Disabled when no dispatch URL is set.
func (s *Server) forwardUnmatched(channelID string, body []byte, signature string) {
	if s.cfg.DispatchURL == "" {
		s.logger.Warn("No tenant for webhook channel", "channel_id", channelID)
		return
	}

	req, err := http.NewRequest(http.MethodPost, s.cfg.DispatchURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("Failed to build dispatch request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(whatsapp.SignatureHeader, signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("Dispatch forward failed", "channel_id", channelID, "error", err)
		return
	}
	resp.Body.Close()
	s.logger.Info("Forwarded unmatched webhook",
		"channel_id", channelID, "status", resp.StatusCode)
}
