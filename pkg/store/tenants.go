package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/waveline-ai/waveline/pkg/models"
)

// TenantStore reads tenant configuration and channel credentials.
// Tenants are created by the admin surface; the runtime only reads them.
type TenantStore struct {
	db *sql.DB
}

const tenantColumns = `id, name, namespace, storage_bucket, state_machine_name,
	llm, debounce, escalation, business_metadata, active, created_at, updated_at`

// FindByChannelID resolves the tenant that owns the given provider channel
// identifier (for WhatsApp, the phone number ID).
func (s *TenantStore) FindByChannelID(ctx context.Context, kind models.ChannelKind, channelID string) (*models.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+`
		FROM tenants
		WHERE active AND id = (
			SELECT tenant_id FROM tenant_channels WHERE kind = $1 AND channel_id = $2
		)`, string(kind), channelID)

	tenant, err := scanTenant(row)
	if err != nil {
		return nil, err
	}
	return s.loadChannels(ctx, tenant)
}

// FindByID loads one tenant with its channel credentials.
func (s *TenantStore) FindByID(ctx context.Context, tenantID string) (*models.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID)

	tenant, err := scanTenant(row)
	if err != nil {
		return nil, err
	}
	return s.loadChannels(ctx, tenant)
}

// ListActive returns all active tenants (without channel credentials).
// Used by the workers to iterate per-tenant work.
func (s *TenantStore) ListActive(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *TenantStore) loadChannels(ctx context.Context, tenant *models.Tenant) (*models.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, channel_id, access_token, app_secret, api_base_url
		FROM tenant_channels WHERE tenant_id = $1`, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant channels: %w", err)
	}
	defer rows.Close()

	tenant.Channels = make(map[models.ChannelKind]models.ChannelCredentials)
	for rows.Next() {
		var c models.ChannelCredentials
		var kind string
		if err := rows.Scan(&kind, &c.ChannelID, &c.AccessToken, &c.AppSecret, &c.APIBaseURL); err != nil {
			return nil, fmt.Errorf("failed to scan tenant channel: %w", err)
		}
		c.Kind = models.ChannelKind(kind)
		tenant.Channels[c.Kind] = c
	}
	return tenant, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*models.Tenant, error) {
	var t models.Tenant
	var llmJSON, debounceJSON, escJSON, bizJSON []byte
	var debounceRaw struct {
		Enabled bool `json:"enabled"`
		DelayMs int  `json:"delayMs"`
	}
	err := row.Scan(&t.ID, &t.Name, &t.Namespace, &t.StorageBucket, &t.StateMachineName,
		&llmJSON, &debounceJSON, &escJSON, &bizJSON, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}

	if err := json.Unmarshal(llmJSON, &t.LLM); err != nil {
		return nil, fmt.Errorf("failed to decode tenant llm config: %w", err)
	}
	if err := json.Unmarshal(debounceJSON, &debounceRaw); err != nil {
		return nil, fmt.Errorf("failed to decode tenant debounce config: %w", err)
	}
	t.Debounce = models.DebounceConfig{
		Enabled: debounceRaw.Enabled,
		Delay:   time.Duration(debounceRaw.DelayMs) * time.Millisecond,
	}
	if err := json.Unmarshal(escJSON, &t.Escalation); err != nil {
		return nil, fmt.Errorf("failed to decode tenant escalation config: %w", err)
	}
	if err := json.Unmarshal(bizJSON, &t.BusinessMetadata); err != nil {
		return nil, fmt.Errorf("failed to decode tenant business metadata: %w", err)
	}
	return &t, nil
}
