package models

import "time"

// Direction of a stored message.
type Direction string

// Message directions.
const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageType is the payload kind of a message.
type MessageType string

// Message types.
const (
	MessageText        MessageType = "text"
	MessageImage       MessageType = "image"
	MessageAudio       MessageType = "audio"
	MessageVideo       MessageType = "video"
	MessageTemplate    MessageType = "template"
	MessageInteractive MessageType = "interactive"
	MessageSticker     MessageType = "sticker"
)

// Valid reports whether the message type is known.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageAudio, MessageVideo,
		MessageTemplate, MessageInteractive, MessageSticker:
		return true
	}
	return false
}

// Media reports whether the type carries a media attachment that the media
// pipeline can normalize into text.
func (t MessageType) Media() bool {
	switch t {
	case MessageImage, MessageAudio, MessageVideo:
		return true
	}
	return false
}

// DeliveryStatus tracks outbound delivery on the channel.
type DeliveryStatus string

// Delivery statuses.
const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Message is a stored conversation message. An outbound template message
// always carries TemplateName; ReplyTo resolves within the same session.
type Message struct {
	ID                string         `json:"id"`
	SessionID         string         `json:"sessionId"`
	Direction         Direction      `json:"direction"`
	Type              MessageType    `json:"type"`
	Content           string         `json:"content"`
	MediaURL          string         `json:"mediaUrl,omitempty"`
	Transcription     string         `json:"transcription,omitempty"`
	ImageAnalysis     string         `json:"imageAnalysis,omitempty"`
	TemplateName      string         `json:"templateName,omitempty"`
	PlatformMessageID string         `json:"platformMessageId,omitempty"`
	DeliveryStatus    DeliveryStatus `json:"deliveryStatus,omitempty"`
	ReplyTo           string         `json:"replyTo,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// InteractivePayload carries a button or list reply from the channel.
type InteractivePayload struct {
	Type     string `json:"type"` // button_reply | list_reply
	ButtonID string `json:"buttonId,omitempty"`
	ListID   string `json:"listId,omitempty"`
	Title    string `json:"title"`
}

// NormalizedMessage is the channel-independent inbound contract produced by
// ingress and consumed by the engine and the debounce buffer.
type NormalizedMessage struct {
	ID                 string              `json:"id"`
	Timestamp          time.Time           `json:"timestamp"`
	Type               MessageType         `json:"type"`
	Content            string              `json:"content,omitempty"`
	MediaURL           string              `json:"mediaUrl,omitempty"`
	Transcription      string              `json:"transcription,omitempty"`
	ImageAnalysis      string              `json:"imageAnalysis,omitempty"`
	InteractivePayload *InteractivePayload `json:"interactivePayload,omitempty"`
	ReplyToMessageID   string              `json:"replyToMessageId,omitempty"`
}

// Text returns the message text as presented to the LLM: interactive replies
// resolve to their title, media resolves to transcription or analysis when
// available, plain text resolves to content.
func (m *NormalizedMessage) Text() string {
	if m.InteractivePayload != nil && m.InteractivePayload.Title != "" {
		return m.InteractivePayload.Title
	}
	if m.Transcription != "" {
		return m.Transcription
	}
	if m.ImageAnalysis != "" {
		return m.ImageAnalysis
	}
	return m.Content
}
