package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/waveline-ai/waveline/pkg/models"
)

// ContactStore persists contacts and their channel identities.
type ContactStore struct {
	db *sql.DB
}

const contactColumns = `id, first_name, last_name, phone, language, registered,
	deposit_confirmed, lifetime_value, metadata, created_at, updated_at`

// FindOrCreateByChannelUser resolves the contact behind a channel user ID,
// creating the contact and identity rows when unseen. A unique-constraint
// race on the identity resolves to the winning row (idempotent).
func (s *ContactStore) FindOrCreateByChannelUser(ctx context.Context, tenantID string, kind models.ChannelKind, channelUserID, phone, name string) (*models.Contact, error) {
	contact, err := s.findByChannelUser(ctx, tenantID, kind, channelUserID)
	if err == nil {
		return contact, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	contactID := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, tenant_id, first_name, phone, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '{}', $5, $5)`,
		contactID, tenantID, name, phone, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contact_identities (id, tenant_id, contact_id, channel, channel_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, channel, channel_user_id) DO NOTHING`,
		uuid.New().String(), tenantID, contactID, string(kind), channelUserID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create contact identity: %w", err)
	}

	// Re-read through the identity: if we lost the insert race, this returns
	// the winner's contact and our orphaned contact row is harmless.
	return s.findByChannelUser(ctx, tenantID, kind, channelUserID)
}

// FindByID loads one contact.
func (s *ContactStore) FindByID(ctx context.Context, tenantID, contactID string) (*models.Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+contactColumns+` FROM contacts WHERE tenant_id = $1 AND id = $2`,
		tenantID, contactID)
	return scanContact(row)
}

// SetDepositConfirmed flags the contact as having confirmed a deposit.
func (s *ContactStore) SetDepositConfirmed(ctx context.Context, tenantID, contactID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET deposit_confirmed = TRUE, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`, tenantID, contactID)
	if err != nil {
		return fmt.Errorf("failed to set deposit confirmed: %w", err)
	}
	return nil
}

// UpdateMetadata replaces the contact's metadata blob.
func (s *ContactStore) UpdateMetadata(ctx context.Context, tenantID, contactID string, metadata map[string]any) error {
	blob, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode contact metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE contacts SET metadata = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`, tenantID, contactID, blob)
	if err != nil {
		return fmt.Errorf("failed to update contact metadata: %w", err)
	}
	return nil
}

// Delete removes a contact; sessions, messages and escalations cascade.
func (s *ContactStore) Delete(ctx context.Context, tenantID, contactID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM contacts WHERE tenant_id = $1 AND id = $2`, tenantID, contactID)
	if err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	return nil
}

func (s *ContactStore) findByChannelUser(ctx context.Context, tenantID string, kind models.ChannelKind, channelUserID string) (*models.Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.first_name, c.last_name, c.phone, c.language, c.registered,
			c.deposit_confirmed, c.lifetime_value, c.metadata, c.created_at, c.updated_at
		FROM contacts c
		JOIN contact_identities ci ON ci.contact_id = c.id
		WHERE ci.tenant_id = $1 AND ci.channel = $2 AND ci.channel_user_id = $3`,
		tenantID, string(kind), channelUserID)
	return scanContact(row)
}

func scanContact(row rowScanner) (*models.Contact, error) {
	var c models.Contact
	var metaJSON []byte
	err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Phone, &c.Language,
		&c.Registered, &c.DepositConfirmed, &c.LifetimeValue, &metaJSON,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &c.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode contact metadata: %w", err)
	}
	return &c, nil
}
