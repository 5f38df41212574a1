package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/waveline-ai/waveline/pkg/models"
)

// EscalationStore persists human-handoff records. Creation is idempotent per
// session: at most one non-terminal escalation exists (partial unique index),
// and creating over an existing one returns the existing row.
type EscalationStore struct {
	db *sql.DB
}

// Create opens an escalation for a session. If a non-terminal escalation
// already exists its row is returned and no new row is written.
func (s *EscalationStore) Create(ctx context.Context, tenantID string, esc *models.Escalation) (*models.Escalation, error) {
	if !esc.Reason.Valid() {
		esc.Reason = models.ReasonAIUncertainty
	}
	if !esc.Priority.Valid() {
		esc.Priority = models.PriorityMedium
	}

	now := time.Now().UTC()
	esc.ID = uuid.New().String()
	esc.Status = models.EscalationOpen
	esc.CreatedAt = now
	esc.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (id, tenant_id, session_id, reason, priority, status,
			ai_summary, ai_confidence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (session_id) WHERE status IN ('open', 'assigned', 'in_progress')
		DO NOTHING`,
		esc.ID, tenantID, esc.SessionID, string(esc.Reason), string(esc.Priority),
		string(esc.Status), esc.AISummary, esc.AIConfidence, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalation: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return s.findActive(ctx, tenantID, esc.SessionID)
	}
	return esc, nil
}

// HasActive reports whether a non-terminal escalation exists for the session.
func (s *EscalationStore) HasActive(ctx context.Context, tenantID, sessionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM escalations
			WHERE tenant_id = $1 AND session_id = $2
				AND status IN ('open', 'assigned', 'in_progress')
		)`, tenantID, sessionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active escalation: %w", err)
	}
	return exists, nil
}

// Resolve moves an escalation to a terminal status.
func (s *EscalationStore) Resolve(ctx context.Context, tenantID, escalationID string, status models.EscalationStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = $3, resolved_at = now(), updated_at = now()
		WHERE tenant_id = $1 AND id = $2`, tenantID, escalationID, string(status))
	if err != nil {
		return fmt.Errorf("failed to resolve escalation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *EscalationStore) findActive(ctx context.Context, tenantID, sessionID string) (*models.Escalation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, reason, priority, status, assigned_to, ai_summary,
			ai_confidence, created_at, updated_at, resolved_at
		FROM escalations
		WHERE tenant_id = $1 AND session_id = $2
			AND status IN ('open', 'assigned', 'in_progress')`,
		tenantID, sessionID)

	var (
		esc                      models.Escalation
		reason, priority, status string
	)
	err := row.Scan(&esc.ID, &esc.SessionID, &reason, &priority, &status,
		&esc.AssignedTo, &esc.AISummary, &esc.AIConfidence,
		&esc.CreatedAt, &esc.UpdatedAt, &esc.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan escalation: %w", err)
	}
	esc.Reason = models.EscalationReason(reason)
	esc.Priority = models.EscalationPriority(priority)
	esc.Status = models.EscalationStatus(status)
	return &esc, nil
}
