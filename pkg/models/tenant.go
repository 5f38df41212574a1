package models

import "time"

// ChannelCredentials holds one tenant's credentials for one channel kind.
// Secrets live in the store, never in the environment.
type ChannelCredentials struct {
	Kind        ChannelKind `json:"kind"`
	ChannelID   string      `json:"channelId"` // provider channel identifier (WhatsApp phone number ID)
	AccessToken string      `json:"accessToken"`
	AppSecret   string      `json:"appSecret"`
	APIBaseURL  string      `json:"apiBaseUrl,omitempty"` // empty = platform default
}

// DebounceConfig controls burst coalescing for a tenant.
type DebounceConfig struct {
	Enabled bool          `json:"enabled"`
	Delay   time.Duration `json:"-"`
}

// EscalationConfig controls human-handoff notifications for a tenant.
type EscalationConfig struct {
	Enabled       bool   `json:"enabled"`
	NotifyAddress string `json:"notifyAddress,omitempty"` // Slack channel or webhook target
}

// LLMSelection picks the tenant's model configuration.
type LLMSelection struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"` // empty = platform default
}

// Tenant is one client of the platform with its isolated data namespace,
// channel credentials and conversation configuration.
type Tenant struct {
	ID               string                             `json:"id"`
	Name             string                             `json:"name"`
	Namespace        string                             `json:"namespace"`
	StorageBucket    string                             `json:"storageBucket,omitempty"`
	StateMachineName string                             `json:"stateMachineName"`
	Channels         map[ChannelKind]ChannelCredentials `json:"channels,omitempty"`
	LLM              LLMSelection                       `json:"llm"`
	Debounce         DebounceConfig                     `json:"debounce"`
	Escalation       EscalationConfig                   `json:"escalation"`
	BusinessMetadata map[string]any                     `json:"businessMetadata,omitempty"`
	Active           bool                               `json:"active"`
	CreatedAt        time.Time                          `json:"createdAt"`
	UpdatedAt        time.Time                          `json:"updatedAt"`
}

// Credentials returns the tenant's credentials for a channel kind.
func (t *Tenant) Credentials(kind ChannelKind) (ChannelCredentials, bool) {
	c, ok := t.Channels[kind]
	return c, ok
}
