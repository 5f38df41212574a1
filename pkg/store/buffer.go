package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/waveline-ai/waveline/pkg/models"
)

// BufferStore persists the debounce buffer. The per-session mutex is the
// processing_started_at column: a claim is a conditional update from NULL,
// and at most one claim per session_key_hash can be held at a time.
type BufferStore struct {
	db *sql.DB
}

// MatureSession is one session-key group ready for draining.
type MatureSession struct {
	TenantID       string
	SessionKeyHash string
}

// Add inserts one buffered message.
func (s *BufferStore) Add(ctx context.Context, tenantID, sessionKeyHash string, key models.SessionKey, msg models.NormalizedMessage, scheduledProcessAt time.Time) (*models.BufferedMessage, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode buffered payload: %w", err)
	}

	buffered := &models.BufferedMessage{
		ID:                 uuid.Must(uuid.NewV7()).String(),
		SessionKeyHash:     sessionKeyHash,
		Key:                key,
		Message:            msg,
		ReceivedAt:         time.Now().UTC(),
		ScheduledProcessAt: scheduledProcessAt.UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO message_buffer (id, tenant_id, session_key_hash, channel, endpoint_id,
			user_id, payload, received_at, scheduled_process_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		buffered.ID, tenantID, sessionKeyHash, string(key.Channel), key.EndpointID,
		key.UserID, payload, buffered.ReceivedAt, buffered.ScheduledProcessAt)
	if err != nil {
		return nil, fmt.Errorf("failed to add buffered message: %w", err)
	}
	return buffered, nil
}

// RescheduleUnclaimed pushes all unclaimed rows of a session to the new
// process time. This is the debounce timer reset.
func (s *BufferStore) RescheduleUnclaimed(ctx context.Context, tenantID, sessionKeyHash string, scheduledProcessAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_buffer SET scheduled_process_at = $3
		WHERE tenant_id = $1 AND session_key_hash = $2 AND processing_started_at IS NULL`,
		tenantID, sessionKeyHash, scheduledProcessAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to reschedule buffered messages: %w", err)
	}
	return nil
}

// GetMatureSessions returns the distinct session groups whose timer elapsed,
// that are unclaimed and under the retry budget. endpointID narrows the scan
// to one channel endpoint (empty = all).
func (s *BufferStore) GetMatureSessions(ctx context.Context, endpointID string, limit int) ([]MatureSession, error) {
	query := `
		SELECT DISTINCT tenant_id, session_key_hash
		FROM message_buffer
		WHERE scheduled_process_at <= now()
			AND processing_started_at IS NULL
			AND retry_count < $1`
	args := []any{models.BufferMaxRetries}
	if endpointID != "" {
		query += ` AND endpoint_id = $2`
		args = append(args, endpointID)
	}
	query += fmt.Sprintf(` LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan mature sessions: %w", err)
	}
	defer rows.Close()

	var mature []MatureSession
	for rows.Next() {
		var m MatureSession
		if err := rows.Scan(&m.TenantID, &m.SessionKeyHash); err != nil {
			return nil, fmt.Errorf("failed to scan mature session: %w", err)
		}
		mature = append(mature, m)
	}
	return mature, rows.Err()
}

// ClaimSession installs the per-session claim. Returns ErrAlreadyClaimed when
// another instance holds it (or the rows vanished).
func (s *BufferStore) ClaimSession(ctx context.Context, tenantID, sessionKeyHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_buffer SET processing_started_at = now()
		WHERE tenant_id = $1 AND session_key_hash = $2 AND processing_started_at IS NULL`,
		tenantID, sessionKeyHash)
	if err != nil {
		return fmt.Errorf("failed to claim session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// GetBySession returns all buffered rows for a session in received order.
func (s *BufferStore) GetBySession(ctx context.Context, tenantID, sessionKeyHash string) ([]models.BufferedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key_hash, channel, endpoint_id, user_id, payload,
			received_at, scheduled_process_at, processing_started_at, retry_count, last_error
		FROM message_buffer
		WHERE tenant_id = $1 AND session_key_hash = $2
		ORDER BY received_at`, tenantID, sessionKeyHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query buffered messages: %w", err)
	}
	defer rows.Close()

	var buffered []models.BufferedMessage
	for rows.Next() {
		var (
			b       models.BufferedMessage
			channel string
			payload []byte
		)
		if err := rows.Scan(&b.ID, &b.SessionKeyHash, &channel, &b.Key.EndpointID,
			&b.Key.UserID, &payload, &b.ReceivedAt, &b.ScheduledProcessAt,
			&b.ProcessingStartedAt, &b.RetryCount, &b.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan buffered message: %w", err)
		}
		b.Key.Channel = models.ChannelKind(channel)
		if err := json.Unmarshal(payload, &b.Message); err != nil {
			return nil, fmt.Errorf("failed to decode buffered payload: %w", err)
		}
		buffered = append(buffered, b)
	}
	return buffered, rows.Err()
}

// DeleteByIDs removes drained rows.
func (s *BufferStore) DeleteByIDs(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM message_buffer WHERE tenant_id = $1 AND id = ANY($2::uuid[])`,
		tenantID, uuidArray(ids))
	if err != nil {
		return fmt.Errorf("failed to delete buffered messages: %w", err)
	}
	return nil
}

// MarkForRetry releases the claim and records the failure. Rows that reach
// the retry budget stay in the table as dead letters for operator review.
func (s *BufferStore) MarkForRetry(ctx context.Context, tenantID, sessionKeyHash, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_buffer
		SET processing_started_at = NULL, retry_count = retry_count + 1, last_error = $3
		WHERE tenant_id = $1 AND session_key_hash = $2 AND processing_started_at IS NOT NULL`,
		tenantID, sessionKeyHash, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark session for retry: %w", err)
	}
	return nil
}

// HasPendingMessages reports whether any processable rows remain for the
// session (used to decide whether a worker should re-invoke itself).
func (s *BufferStore) HasPendingMessages(ctx context.Context, tenantID, sessionKeyHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM message_buffer
			WHERE tenant_id = $1 AND session_key_hash = $2
				AND processing_started_at IS NULL AND retry_count < $3
		)`, tenantID, sessionKeyHash, models.BufferMaxRetries).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending messages: %w", err)
	}
	return exists, nil
}

// CleanupStaleLocks clears claims older than maxAge so a crashed drainer's
// work becomes claimable again. Returns the number of rows released.
func (s *BufferStore) CleanupStaleLocks(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_buffer SET processing_started_at = NULL
		WHERE processing_started_at IS NOT NULL AND processing_started_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup stale buffer locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
