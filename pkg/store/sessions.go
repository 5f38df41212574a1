package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/waveline-ai/waveline/pkg/models"
)

// SessionStore persists conversation sessions.
type SessionStore struct {
	db *sql.DB
}

const sessionColumns = `id, contact_id, channel, endpoint_id, user_id, current_state,
	previous_state, context, status, escalated, last_message_at, created_at, updated_at`

// FindByKey loads the session for a channel triple.
func (s *SessionStore) FindByKey(ctx context.Context, tenantID string, key models.SessionKey) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE tenant_id = $1 AND channel = $2 AND endpoint_id = $3 AND user_id = $4`,
		tenantID, string(key.Channel), key.EndpointID, key.UserID)
	return scanSession(row)
}

// FindByID loads one session.
func (s *SessionStore) FindByID(ctx context.Context, tenantID, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = $1 AND id = $2`,
		tenantID, sessionID)
	return scanSession(row)
}

// Create inserts a new active session in the given initial state.
// A unique-constraint race on the key resolves to the winning row.
func (s *SessionStore) Create(ctx context.Context, tenantID string, key models.SessionKey, contactID, initialState string) (*models.Session, error) {
	now := time.Now().UTC()
	sess := &models.Session{
		ID:            uuid.New().String(),
		ContactID:     contactID,
		Key:           key,
		CurrentState:  initialState,
		Context:       map[string]any{},
		Status:        models.SessionActive,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, contact_id, channel, endpoint_id, user_id,
			current_state, context, status, last_message_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '{}', $8, $9, $9, $9)
		ON CONFLICT (tenant_id, channel, endpoint_id, user_id) DO NOTHING`,
		sess.ID, tenantID, contactID, string(key.Channel), key.EndpointID, key.UserID,
		initialState, string(models.SessionActive), now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return s.FindByKey(ctx, tenantID, key)
	}
	return sess, nil
}

// Update applies a partial update; nil fields leave columns untouched.
func (s *SessionStore) Update(ctx context.Context, tenantID, sessionID string, upd models.SessionUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []any{tenantID, sessionID}
	next := 3

	add := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, next))
		args = append(args, val)
		next++
	}

	if upd.CurrentState != nil {
		add("current_state", *upd.CurrentState)
	}
	if upd.PreviousState != nil {
		add("previous_state", *upd.PreviousState)
	}
	if upd.Context != nil {
		blob, err := json.Marshal(upd.Context)
		if err != nil {
			return fmt.Errorf("failed to encode session context: %w", err)
		}
		add("context", blob)
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.Escalated != nil {
		add("escalated", *upd.Escalated)
	}
	if upd.LastMessageAt != nil {
		add("last_message_at", upd.LastMessageAt.UTC())
	}

	query := fmt.Sprintf(`UPDATE sessions SET %s WHERE tenant_id = $1 AND id = $2`,
		strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess    models.Session
		channel string
		ctxJSON []byte
		status  string
	)
	err := row.Scan(&sess.ID, &sess.ContactID, &channel, &sess.Key.EndpointID, &sess.Key.UserID,
		&sess.CurrentState, &sess.PreviousState, &ctxJSON, &status, &sess.Escalated,
		&sess.LastMessageAt, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.Key.Channel = models.ChannelKind(channel)
	sess.Status = models.SessionStatus(status)
	if err := json.Unmarshal(ctxJSON, &sess.Context); err != nil {
		return nil, fmt.Errorf("failed to decode session context: %w", err)
	}
	return &sess, nil
}
