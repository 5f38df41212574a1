package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/waveline-ai/waveline/pkg/models"
)

// MessageStore persists conversation messages.
type MessageStore struct {
	db *sql.DB
}

// GetRecent returns the last limit messages of a session in chronological
// order (oldest first).
func (s *MessageStore) GetRecent(ctx context.Context, tenantID, sessionID string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, direction, type, content, media_url, transcription,
			image_analysis, template_name, platform_message_id, delivery_status,
			COALESCE(reply_to::text, ''), created_at
		FROM messages
		WHERE tenant_id = $1 AND session_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, tenantID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var direction, msgType, status string
		if err := rows.Scan(&m.ID, &m.SessionID, &direction, &msgType, &m.Content,
			&m.MediaURL, &m.Transcription, &m.ImageAnalysis, &m.TemplateName,
			&m.PlatformMessageID, &status, &m.ReplyTo, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Direction = models.Direction(direction)
		m.Type = models.MessageType(msgType)
		m.DeliveryStatus = models.DeliveryStatus(status)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Save appends a message to a session. A zero ID or CreatedAt is filled in.
func (s *MessageStore) Save(ctx context.Context, tenantID string, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var replyTo any
	if msg.ReplyTo != "" {
		replyTo = msg.ReplyTo
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, tenant_id, session_id, direction, type, content,
			media_url, transcription, image_analysis, template_name,
			platform_message_id, delivery_status, reply_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		msg.ID, tenantID, msg.SessionID, string(msg.Direction), string(msg.Type),
		msg.Content, msg.MediaURL, msg.Transcription, msg.ImageAnalysis,
		msg.TemplateName, msg.PlatformMessageID, string(msg.DeliveryStatus),
		replyTo, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// UpdateDeliveryStatus records the channel's delivery outcome for a message.
func (s *MessageStore) UpdateDeliveryStatus(ctx context.Context, tenantID, messageID string, status models.DeliveryStatus, platformMessageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET delivery_status = $3, platform_message_id = $4
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, messageID, string(status), platformMessageID)
	if err != nil {
		return fmt.Errorf("failed to update delivery status: %w", err)
	}
	return nil
}

// FindByPlatformID resolves a stored message by its provider message ID.
// Used to resolve reply context on inbound messages.
func (s *MessageStore) FindByPlatformID(ctx context.Context, tenantID, sessionID, platformMessageID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE tenant_id = $1 AND session_id = $2 AND platform_message_id = $3`,
		tenantID, sessionID, platformMessageID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find message by platform id: %w", err)
	}
	return id, nil
}
