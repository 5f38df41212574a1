package models

import "time"

// Contact is a person the platform talks to, independent of channel.
type Contact struct {
	ID               string         `json:"id"`
	FirstName        string         `json:"firstName,omitempty"`
	LastName         string         `json:"lastName,omitempty"`
	Phone            string         `json:"phone,omitempty"`
	Language         string         `json:"language,omitempty"`
	Registered       bool           `json:"registered"`
	DepositConfirmed bool           `json:"depositConfirmed"`
	LifetimeValue    float64        `json:"lifetimeValue"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// ContactIdentity links a contact to a channel user ID. (Channel,
// ChannelUserID) is unique per tenant.
type ContactIdentity struct {
	ID            string      `json:"id"`
	ContactID     string      `json:"contactId"`
	Channel       ChannelKind `json:"channel"`
	ChannelUserID string      `json:"channelUserId"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// DepositEvent records the LLM's report that a user confirmed a deposit.
type DepositEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	ContactID string    `json:"contactId"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Reasoning string    `json:"reasoning"`
	CreatedAt time.Time `json:"createdAt"`
}
