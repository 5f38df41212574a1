package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/waveline-ai/waveline/pkg/models"
)

// FollowupStore persists the follow-up queue. Due items are claimed by a
// conditional update on processing_started_at, giving at-most-once delivery
// per scheduling slot.
type FollowupStore struct {
	db *sql.DB
}

const followupColumns = `id, session_id, scheduled_at, type, config_name, sequence_index,
	status, processing_started_at, sent_at, retry_count, last_error, created_at`

// Schedule inserts a pending follow-up item.
func (s *FollowupStore) Schedule(ctx context.Context, tenantID string, item *models.FollowupItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.Status = models.FollowupPending
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO followup_queue (id, tenant_id, session_id, scheduled_at, type,
			config_name, sequence_index, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, tenantID, item.SessionID, item.ScheduledAt.UTC(), string(item.Type),
		item.ConfigName, item.SequenceIndex, string(item.Status), item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to schedule followup: %w", err)
	}
	return nil
}

// CancelPending cancels every pending item for a session. Called on each
// inbound user reply and on escalation.
func (s *FollowupStore) CancelPending(ctx context.Context, tenantID, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE followup_queue SET status = 'cancelled'
		WHERE tenant_id = $1 AND session_id = $2 AND status = 'pending'`,
		tenantID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending followups: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetDue returns the due pending items for a tenant, oldest first. Items at
// the retry budget are dead letters and never returned.
func (s *FollowupStore) GetDue(ctx context.Context, tenantID string, limit int) ([]models.FollowupItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+followupColumns+`
		FROM followup_queue
		WHERE tenant_id = $1 AND status = 'pending'
			AND processing_started_at IS NULL AND scheduled_at <= now()
			AND retry_count < $3
		ORDER BY scheduled_at
		LIMIT $2`, tenantID, limit, models.FollowupMaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to query due followups: %w", err)
	}
	defer rows.Close()

	var items []models.FollowupItem
	for rows.Next() {
		item, err := scanFollowup(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Claim installs the per-item claim. Returns ErrAlreadyClaimed when another
// instance won the race.
func (s *FollowupStore) Claim(ctx context.Context, tenantID, itemID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE followup_queue SET processing_started_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending'
			AND processing_started_at IS NULL`,
		tenantID, itemID)
	if err != nil {
		return fmt.Errorf("failed to claim followup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// MarkSent finishes a delivered item and clears its claim.
func (s *FollowupStore) MarkSent(ctx context.Context, tenantID, itemID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE followup_queue
		SET status = 'sent', sent_at = now(), processing_started_at = NULL
		WHERE tenant_id = $1 AND id = $2`, tenantID, itemID)
	if err != nil {
		return fmt.Errorf("failed to mark followup sent: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure for an item.
func (s *FollowupStore) MarkFailed(ctx context.Context, tenantID, itemID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE followup_queue
		SET status = 'failed', last_error = $3, processing_started_at = NULL,
			retry_count = retry_count + 1
		WHERE tenant_id = $1 AND id = $2`, tenantID, itemID, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark followup failed: %w", err)
	}
	return nil
}

// ReleaseForRetry clears the claim and counts the attempt, keeping the item
// pending for a later run.
func (s *FollowupStore) ReleaseForRetry(ctx context.Context, tenantID, itemID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE followup_queue
		SET processing_started_at = NULL, retry_count = retry_count + 1, last_error = $3
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending'`,
		tenantID, itemID, errMsg)
	if err != nil {
		return fmt.Errorf("failed to release followup for retry: %w", err)
	}
	return nil
}

// HasDue reports whether any due pending work remains for the tenant.
func (s *FollowupStore) HasDue(ctx context.Context, tenantID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM followup_queue
			WHERE tenant_id = $1 AND status = 'pending'
				AND processing_started_at IS NULL AND scheduled_at <= now()
				AND retry_count < $2
		)`, tenantID, models.FollowupMaxRetries).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check due followups: %w", err)
	}
	return exists, nil
}

// CleanupStaleLocks clears item claims older than maxAge.
func (s *FollowupStore) CleanupStaleLocks(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `
		UPDATE followup_queue SET processing_started_at = NULL
		WHERE processing_started_at IS NOT NULL AND processing_started_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup stale followup locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanFollowup(row rowScanner) (*models.FollowupItem, error) {
	var (
		item          models.FollowupItem
		ftype, status string
	)
	err := row.Scan(&item.ID, &item.SessionID, &item.ScheduledAt, &ftype,
		&item.ConfigName, &item.SequenceIndex, &status, &item.ProcessingStartedAt,
		&item.SentAt, &item.RetryCount, &item.LastError, &item.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan followup: %w", err)
	}
	item.Type = models.FollowupType(ftype)
	item.Status = models.FollowupStatus(status)
	return &item, nil
}
