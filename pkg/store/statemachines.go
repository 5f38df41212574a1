package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/waveline-ai/waveline/pkg/models"
)

// StateMachineStore reads tenant-authored conversation graphs and follow-up
// configs. The runtime never mutates them.
type StateMachineStore struct {
	db *sql.DB
}

// FindActive loads the active version of a named state machine.
func (s *StateMachineStore) FindActive(ctx context.Context, tenantID, name string) (*models.StateMachine, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, initial_state, states, active, created_at, updated_at
		FROM state_machines
		WHERE tenant_id = $1 AND name = $2 AND active`, tenantID, name)
	return scanStateMachine(row)
}

// FindByName loads a specific version of a named state machine.
// version <= 0 resolves to the latest version.
func (s *StateMachineStore) FindByName(ctx context.Context, tenantID, name string, version int) (*models.StateMachine, error) {
	if version <= 0 {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, name, version, initial_state, states, active, created_at, updated_at
			FROM state_machines
			WHERE tenant_id = $1 AND name = $2
			ORDER BY version DESC LIMIT 1`, tenantID, name)
		return scanStateMachine(row)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, initial_state, states, active, created_at, updated_at
		FROM state_machines
		WHERE tenant_id = $1 AND name = $2 AND version = $3`, tenantID, name, version)
	return scanStateMachine(row)
}

// GetStateEntryMessages returns the fixed entry messages of one state of the
// tenant's active machine. ErrNotFound covers both a missing machine and a
// state the machine does not define.
func (s *StateMachineStore) GetStateEntryMessages(ctx context.Context, tenantID, name, state string) ([]string, error) {
	machine, err := s.FindActive(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	cfg, ok := machine.State(state)
	if !ok {
		return nil, ErrNotFound
	}
	return cfg.EntryMessages, nil
}

// GetFollowupConfig loads a named follow-up config.
func (s *StateMachineStore) GetFollowupConfig(ctx context.Context, tenantID, name string) (*models.FollowupConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, type, body, template_name, header_image_url, variables
		FROM followup_configs
		WHERE tenant_id = $1 AND name = $2`, tenantID, name)

	var cfg models.FollowupConfig
	var ftype string
	var varsJSON []byte
	err := row.Scan(&cfg.Name, &ftype, &cfg.Body, &cfg.TemplateName, &cfg.HeaderImageURL, &varsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan followup config: %w", err)
	}
	cfg.Type = models.FollowupType(ftype)
	if err := json.Unmarshal(varsJSON, &cfg.Variables); err != nil {
		return nil, fmt.Errorf("failed to decode followup variables: %w", err)
	}
	return &cfg, nil
}

func scanStateMachine(row rowScanner) (*models.StateMachine, error) {
	var m models.StateMachine
	var statesJSON []byte
	err := row.Scan(&m.ID, &m.Name, &m.Version, &m.InitialState, &statesJSON,
		&m.Active, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan state machine: %w", err)
	}
	if err := json.Unmarshal(statesJSON, &m.States); err != nil {
		return nil, fmt.Errorf("failed to decode state machine states: %w", err)
	}
	return &m, nil
}
