package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/waveline-ai/waveline/pkg/models"
)

// DepositStore records deposit confirmations reported by the engine.
type DepositStore struct {
	db *sql.DB
}

// Record inserts a deposit event.
func (s *DepositStore) Record(ctx context.Context, tenantID string, event *models.DepositEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deposit_events (id, tenant_id, session_id, contact_id, amount,
			currency, reasoning, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, tenantID, event.SessionID, event.ContactID, event.Amount,
		event.Currency, event.Reasoning, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record deposit event: %w", err)
	}
	return nil
}
