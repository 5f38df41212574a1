// Package whatsapp implements ingress and egress for the WhatsApp Cloud
// API: webhook parsing and signature verification on the way in, text and
// template sends with fallback semantics on the way out.
package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/waveline-ai/waveline/pkg/models"
)

// SignatureHeader carries the provider's HMAC over the raw request body.
const SignatureHeader = "X-Hub-Signature-256"

// webhookPayload mirrors the Cloud API webhook envelope, limited to the
// fields the platform consumes.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image       *mediaPart `json:"image"`
	Audio       *mediaPart `json:"audio"`
	Video       *mediaPart `json:"video"`
	Sticker     *mediaPart `json:"sticker"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
}

type mediaPart struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

// InboundEvent is one normalized inbound message with its routing facts.
type InboundEvent struct {
	ChannelID   string // provider endpoint (phone number ID), routes to a tenant
	UserID      string // sender's wa_id
	ContactName string
	Message     models.NormalizedMessage
}

// ParseWebhook extracts the inbound events of one webhook delivery. Status
// updates and unknown change kinds yield no events.
func ParseWebhook(body []byte) ([]InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	var events []InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			names := make(map[string]string, len(value.Contacts))
			for _, c := range value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range value.Messages {
				events = append(events, InboundEvent{
					ChannelID:   value.Metadata.PhoneNumberID,
					UserID:      m.From,
					ContactName: names[m.From],
					Message:     normalize(m),
				})
			}
		}
	}
	return events, nil
}

func normalize(m inboundMessage) models.NormalizedMessage {
	out := models.NormalizedMessage{
		ID:        m.ID,
		Timestamp: parseEpoch(m.Timestamp),
	}
	if m.Context != nil {
		out.ReplyToMessageID = m.Context.ID
	}

	switch m.Type {
	case "text":
		out.Type = models.MessageText
		if m.Text != nil {
			out.Content = m.Text.Body
		}
	case "image":
		out.Type = models.MessageImage
		fillMedia(&out, m.Image)
	case "audio":
		out.Type = models.MessageAudio
		fillMedia(&out, m.Audio)
	case "video":
		out.Type = models.MessageVideo
		fillMedia(&out, m.Video)
	case "sticker":
		out.Type = models.MessageSticker
		fillMedia(&out, m.Sticker)
	case "interactive":
		out.Type = models.MessageInteractive
		if m.Interactive != nil {
			p := &models.InteractivePayload{Type: m.Interactive.Type}
			if br := m.Interactive.ButtonReply; br != nil {
				p.ButtonID = br.ID
				p.Title = br.Title
			}
			if lr := m.Interactive.ListReply; lr != nil {
				p.ListID = lr.ID
				p.Title = lr.Title
			}
			out.InteractivePayload = p
		}
	default:
		// Unsupported kinds degrade to empty text; the engine still records
		// the inbound.
		out.Type = models.MessageText
	}
	return out
}

// fillMedia stores the provider media ID in MediaURL. The engine resolves
// it to a download URL and archives the bytes before interpretation.
func fillMedia(out *models.NormalizedMessage, part *mediaPart) {
	if part == nil {
		return
	}
	out.MediaURL = part.ID
	out.Content = part.Caption
}

func parseEpoch(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

// VerifySignature checks the provider's HMAC-SHA256 over the raw body
// against the tenant's app secret. An empty app secret skips verification
// (tenant has not configured one).
func VerifySignature(appSecret string, body []byte, header string) bool {
	if appSecret == "" {
		return true
	}
	expected, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(computed), []byte(expected))
}

// IsCommand reports whether an inbound text is an operator command that
// bypasses the debounce buffer.
func IsCommand(msg *models.NormalizedMessage) bool {
	return msg.Type == models.MessageText && strings.HasPrefix(msg.Content, "/")
}
