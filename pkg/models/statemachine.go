package models

import "time"

// FollowupStep is one entry in a state's re-engagement sequence: which
// follow-up config to render and how long after the previous step to send it.
// Delay uses the interval grammar `^\d+[smhdw]$` (e.g. "30s", "2h", "1d").
type FollowupStep struct {
	ConfigName string `json:"configName,omitempty"` // empty = engine-generated
	Delay      string `json:"delay"`
}

// StateConfig describes one node of a tenant's conversation graph.
// EntryMessages are fixed texts appended to the turn that enters the state.
type StateConfig struct {
	Objective          string            `json:"objective"`
	Description        string            `json:"description,omitempty"`
	EntryMessages      []string          `json:"entryMessages,omitempty"`
	CompletionSignals  []string          `json:"completionSignals,omitempty"`
	RAGCategories      []string          `json:"ragCategories,omitempty"`
	AllowedTransitions []string          `json:"allowedTransitions,omitempty"`
	TransitionGuidance map[string]string `json:"transitionGuidance,omitempty"`
	MaxMessages        int               `json:"maxMessages,omitempty"`
	FollowupSequence   []FollowupStep    `json:"followupSequence,omitempty"`
}

// StateMachine is a tenant-authored conversation graph interpreted by the
// runtime. Every target in a state's AllowedTransitions is a key of States.
type StateMachine struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Version      int                    `json:"version"`
	InitialState string                 `json:"initialState"`
	States       map[string]StateConfig `json:"states"`
	Active       bool                   `json:"active"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// State returns the config for a state ID.
func (m *StateMachine) State(id string) (StateConfig, bool) {
	s, ok := m.States[id]
	return s, ok
}
