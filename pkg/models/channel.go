// Package models holds the entity types shared across the platform. Types
// here carry no behavior beyond small accessors; persistence and business
// rules live in the store and engine packages.
package models

// ChannelKind identifies a messaging provider.
type ChannelKind string

// Supported channel kinds.
const (
	ChannelWhatsApp ChannelKind = "whatsapp"
	ChannelTelegram ChannelKind = "telegram"
)

// SessionWindow reports whether the channel enforces a 24-hour session
// window outside which only approved templates may be sent.
func (k ChannelKind) SessionWindow() bool {
	return k == ChannelWhatsApp
}

// SessionKey is the channel triple identifying one conversation: the
// provider, the tenant's endpoint on it (for WhatsApp, the phone number ID)
// and the end user's channel ID.
type SessionKey struct {
	Channel    ChannelKind `json:"channel"`
	EndpointID string      `json:"endpointId"`
	UserID     string      `json:"userId"`
}

// String renders the triple for logs and hashing input.
func (k SessionKey) String() string {
	return string(k.Channel) + ":" + k.EndpointID + ":" + k.UserID
}
