package models

import "time"

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

// Session statuses. A paused session is always escalated.
const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// Valid reports whether the status is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionPaused, SessionCompleted:
		return true
	}
	return false
}

// Session is one contact's conversation on one channel endpoint.
// (Channel, EndpointID, UserID) is unique per tenant; CurrentState is always
// a key of the tenant's active state machine.
type Session struct {
	ID            string         `json:"id"`
	ContactID     string         `json:"contactId"`
	Key           SessionKey     `json:"key"`
	CurrentState  string         `json:"currentState"`
	PreviousState string         `json:"previousState"`
	Context       map[string]any `json:"context"`
	Status        SessionStatus  `json:"status"`
	Escalated     bool           `json:"escalated"`
	LastMessageAt time.Time      `json:"lastMessageAt"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// SessionUpdate carries the mutable session fields for a partial update.
// Nil pointers leave the column untouched.
type SessionUpdate struct {
	CurrentState  *string
	PreviousState *string
	Context       map[string]any
	Status        *SessionStatus
	Escalated     *bool
	LastMessageAt *time.Time
}
