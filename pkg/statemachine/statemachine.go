// Package statemachine validates tenant conversation graphs and answers
// transition questions for the engine.
package statemachine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/waveline-ai/waveline/pkg/models"
)

// Validate checks a machine's structural invariants: a declared initial
// state that exists, and every transition target resolving to a defined
// state. Guidance keys must also name allowed targets.
func Validate(m *models.StateMachine) error {
	if m.Name == "" {
		return fmt.Errorf("state machine has no name")
	}
	if len(m.States) == 0 {
		return fmt.Errorf("state machine %q has no states", m.Name)
	}
	if m.InitialState == "" {
		return fmt.Errorf("state machine %q has no initial state", m.Name)
	}
	if _, ok := m.States[m.InitialState]; !ok {
		return fmt.Errorf("state machine %q: initial state %q is not defined", m.Name, m.InitialState)
	}

	for id, state := range m.States {
		allowed := make(map[string]bool, len(state.AllowedTransitions))
		for _, target := range state.AllowedTransitions {
			if _, ok := m.States[target]; !ok {
				return fmt.Errorf("state machine %q: state %q allows transition to undefined state %q", m.Name, id, target)
			}
			allowed[target] = true
		}
		for target := range state.TransitionGuidance {
			if !allowed[target] {
				return fmt.Errorf("state machine %q: state %q has guidance for %q which is not an allowed transition", m.Name, id, target)
			}
		}
		for i, step := range state.FollowupSequence {
			if _, err := ParseInterval(step.Delay); err != nil {
				return fmt.Errorf("state machine %q: state %q follow-up step %d: %w", m.Name, id, i, err)
			}
		}
	}
	return nil
}

// CanTransitionTo reports whether the machine allows moving from one state
// to another. Self-transitions (staying put) are always allowed.
func CanTransitionTo(m *models.StateMachine, from, to string) bool {
	if from == to {
		return true
	}
	state, ok := m.State(from)
	if !ok {
		return false
	}
	for _, target := range state.AllowedTransitions {
		if target == to {
			return true
		}
	}
	return false
}

// TransitionContext renders the prompt block describing where the
// conversation may go next, with per-target guidance where the tenant
// provided it. Returns "" when the state is terminal.
func TransitionContext(m *models.StateMachine, current string) string {
	state, ok := m.State(current)
	if !ok || len(state.AllowedTransitions) == 0 {
		return ""
	}

	targets := make([]string, len(state.AllowedTransitions))
	copy(targets, state.AllowedTransitions)
	sort.Strings(targets)

	var b strings.Builder
	b.WriteString("Allowed transitions from the current state:\n")
	for _, target := range targets {
		b.WriteString("- ")
		b.WriteString(target)
		if ts, ok := m.State(target); ok && ts.Objective != "" {
			b.WriteString(": ")
			b.WriteString(ts.Objective)
		}
		if guidance, ok := state.TransitionGuidance[target]; ok && guidance != "" {
			b.WriteString(" (when: ")
			b.WriteString(guidance)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FollowupSequence returns the re-engagement steps for a state, or nil when
// the state has none or does not exist.
func FollowupSequence(m *models.StateMachine, state string) []models.FollowupStep {
	s, ok := m.State(state)
	if !ok {
		return nil
	}
	return s.FollowupSequence
}
