package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/waveline-ai/waveline/pkg/models"
)

// DefaultBaseURL is the Cloud API endpoint used when the tenant does not
// override it.
const DefaultBaseURL = "https://graph.facebook.com/v19.0"

// Client sends outbound messages over the WhatsApp Cloud API with the
// tenant's own credentials.
type Client struct {
	defaultBaseURL string
	httpClient     *http.Client
	logger         *slog.Logger
}

// NewClient builds an egress client. baseURL overrides the Cloud API host
// for all tenants without their own override (empty = DefaultBaseURL).
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		defaultBaseURL: baseURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger,
	}
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText delivers a plain text message. replyTo, when set, attaches the
// provider reply context.
func (c *Client) SendText(ctx context.Context, tenant *models.Tenant, key models.SessionKey, text, replyTo string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                key.UserID,
		"type":              "text",
		"text":              map[string]any{"body": text},
	}
	if replyTo != "" {
		payload["context"] = map[string]any{"message_id": replyTo}
	}
	return c.send(ctx, tenant, key, payload)
}

// SendTemplate delivers an approved template: an optional header image,
// positional body params and URL-button params. On template failure it falls
// back to a plain text send of the same content, so the user still hears
// from us.
func (c *Client) SendTemplate(ctx context.Context, tenant *models.Tenant, key models.SessionKey, tpl models.TemplateMessage) (string, error) {
	components := []map[string]any{}
	if tpl.HeaderImageURL != "" {
		components = append(components, map[string]any{
			"type": "header",
			"parameters": []map[string]any{
				{"type": "image", "image": map[string]any{"link": tpl.HeaderImageURL}},
			},
		})
	}
	if len(tpl.BodyParams) > 0 {
		body := make([]map[string]any, len(tpl.BodyParams))
		for i, p := range tpl.BodyParams {
			body[i] = map[string]any{"type": "text", "text": p}
		}
		components = append(components, map[string]any{"type": "body", "parameters": body})
	}
	for i, p := range tpl.ButtonParams {
		components = append(components, map[string]any{
			"type":       "button",
			"sub_type":   "url",
			"index":      strconv.Itoa(i),
			"parameters": []map[string]any{{"type": "text", "text": p}},
		})
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                key.UserID,
		"type":              "template",
		"template": map[string]any{
			"name":       tpl.Name,
			"language":   map[string]any{"code": "es_MX"},
			"components": components,
		},
	}

	id, err := c.send(ctx, tenant, key, payload)
	if err != nil {
		if fallback := tpl.FallbackText(); fallback != "" {
			c.logger.Warn("Template send failed, falling back to text",
				"template", tpl.Name, "error", err)
			return c.SendText(ctx, tenant, key, fallback, "")
		}
	}
	return id, err
}

// SendMedia delivers an image or video by URL with an optional caption.
func (c *Client) SendMedia(ctx context.Context, tenant *models.Tenant, key models.SessionKey, kind models.MessageType, url, caption string) (string, error) {
	var mediaType string
	switch kind {
	case models.MessageImage:
		mediaType = "image"
	case models.MessageVideo:
		mediaType = "video"
	case models.MessageAudio:
		mediaType = "audio"
	default:
		return "", fmt.Errorf("unsupported media type %q", kind)
	}

	media := map[string]any{"link": url}
	if caption != "" && mediaType != "audio" {
		media["caption"] = caption
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                key.UserID,
		"type":              mediaType,
		mediaType:           media,
	}
	return c.send(ctx, tenant, key, payload)
}

// ResolveMediaURL turns an inbound media ID into a short-lived download URL.
func (c *Client) ResolveMediaURL(ctx context.Context, tenant *models.Tenant, mediaID string) (string, error) {
	creds, baseURL, err := c.credentials(tenant)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s", baseURL, mediaID), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build media lookup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to look up media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("media lookup failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode media lookup: %w", err)
	}
	return out.URL, nil
}

func (c *Client) send(ctx context.Context, tenant *models.Tenant, key models.SessionKey, payload map[string]any) (string, error) {
	creds, baseURL, err := c.credentials(tenant)
	if err != nil {
		return "", err
	}

	blob, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode send payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", baseURL, key.EndpointID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(blob))
	if err != nil {
		return "", fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	var decoded sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode send response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || decoded.Error != nil {
		msg := "unknown error"
		if decoded.Error != nil {
			msg = decoded.Error.Message
		}
		return "", fmt.Errorf("channel send failed: status %d: %s", resp.StatusCode, msg)
	}
	if len(decoded.Messages) == 0 {
		return "", nil
	}
	return decoded.Messages[0].ID, nil
}

func (c *Client) credentials(tenant *models.Tenant) (models.ChannelCredentials, string, error) {
	creds, ok := tenant.Credentials(models.ChannelWhatsApp)
	if !ok {
		return models.ChannelCredentials{}, "", fmt.Errorf("tenant %s has no whatsapp credentials", tenant.ID)
	}
	baseURL := creds.APIBaseURL
	if baseURL == "" {
		baseURL = c.defaultBaseURL
	}
	return creds, strings.TrimRight(baseURL, "/"), nil
}
