// Package followup delivers scheduled re-engagement messages. A singleton
// worker claims due queue items, renders each from a registry config or an
// LLM-generated fallback, honors the WhatsApp 24-hour window, and schedules
// the next step of the sequence.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/waveline-ai/waveline/pkg/models"
	"github.com/waveline-ai/waveline/pkg/statemachine"
	"github.com/waveline-ai/waveline/pkg/store"
)

const (
	// WorkerLockName gates the worker to one running instance.
	WorkerLockName = "followup-worker"

	// WorkerLockTTL bounds one worker pass; cron restarts after it.
	WorkerLockTTL = 60 * time.Second

	// StaleClaimAge is when a per-item claim counts as abandoned.
	StaleClaimAge = 5 * time.Minute

	// SessionWindow is the channel policy window outside which text sends
	// must fall back to an approved template.
	SessionWindow = 24 * time.Hour

	batchSize = 50
)

// Store contracts consumed by the worker.

type QueueStore interface {
	HasDue(ctx context.Context, tenantID string) (bool, error)
	GetDue(ctx context.Context, tenantID string, limit int) ([]models.FollowupItem, error)
	Claim(ctx context.Context, tenantID, itemID string) error
	MarkSent(ctx context.Context, tenantID, itemID string) error
	MarkFailed(ctx context.Context, tenantID, itemID, errMsg string) error
	ReleaseForRetry(ctx context.Context, tenantID, itemID, errMsg string) error
	Schedule(ctx context.Context, tenantID string, item *models.FollowupItem) error
	CleanupStaleLocks(ctx context.Context, maxAge time.Duration) (int64, error)
}

type SessionStore interface {
	FindByID(ctx context.Context, tenantID, sessionID string) (*models.Session, error)
}

type MessageStore interface {
	Save(ctx context.Context, tenantID string, msg *models.Message) error
}

type TenantStore interface {
	ListActive(ctx context.Context) ([]*models.Tenant, error)
	FindByID(ctx context.Context, tenantID string) (*models.Tenant, error)
}

type ConfigStore interface {
	FindActive(ctx context.Context, tenantID, name string) (*models.StateMachine, error)
	GetFollowupConfig(ctx context.Context, tenantID, name string) (*models.FollowupConfig, error)
}

type LockStore interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// Generator is the engine surface the worker uses for dynamic follow-ups.
type Generator interface {
	VariableResolver
	GenerateFollowup(ctx context.Context, tenant *models.Tenant, sessionID string) ([]models.OutboundResponse, models.StateConfig, error)
}

// Sender is the channel egress surface.
type Sender interface {
	SendText(ctx context.Context, tenant *models.Tenant, key models.SessionKey, text, replyTo string) (string, error)
	SendTemplate(ctx context.Context, tenant *models.Tenant, key models.SessionKey, tpl models.TemplateMessage) (string, error)
}

// Config tunes the worker.
type Config struct {
	// FallbackTemplate is sent instead of a text body when the session
	// window has closed.
	FallbackTemplate string
}

// Worker is the follow-up delivery loop.
type Worker struct {
	queue     QueueStore
	sessions  SessionStore
	messages  MessageStore
	tenants   TenantStore
	configs   ConfigStore
	locks     LockStore
	generator Generator
	sender    Sender
	cfg       Config
	logger    *slog.Logger
}

// New builds a worker.
func New(queue QueueStore, sessions SessionStore, messages MessageStore, tenants TenantStore, configs ConfigStore, locks LockStore, generator Generator, sender Sender, cfg Config, logger *slog.Logger) *Worker {
	if cfg.FallbackTemplate == "" {
		cfg.FallbackTemplate = "re_engagement"
	}
	return &Worker{
		queue: queue, sessions: sessions, messages: messages, tenants: tenants,
		configs: configs, locks: locks, generator: generator, sender: sender,
		cfg: cfg, logger: logger,
	}
}

// Run performs one worker pass. It exits immediately when another live
// instance holds the worker lock.
func (w *Worker) Run(ctx context.Context) error {
	acquired, err := w.locks.Acquire(ctx, WorkerLockName, WorkerLockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire worker lock: %w", err)
	}
	if !acquired {
		w.logger.Info("Follow-up worker already running, skipping pass")
		return nil
	}
	defer func() {
		if err := w.locks.Release(ctx, WorkerLockName); err != nil {
			w.logger.Warn("Failed to release worker lock", "error", err)
		}
	}()

	if released, err := w.queue.CleanupStaleLocks(ctx, StaleClaimAge); err != nil {
		w.logger.Warn("Stale follow-up claim sweep failed", "error", err)
	} else if released > 0 {
		w.logger.Info("Released stale follow-up claims", "count", released)
	}

	tenants, err := w.tenants.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	deadline := time.Now().Add(WorkerLockTTL)
	for _, tenant := range tenants {
		if time.Now().After(deadline) {
			break
		}
		if err := w.runTenant(ctx, tenant, deadline); err != nil {
			w.logger.Error("Follow-up pass failed for tenant", "tenant_id", tenant.ID, "error", err)
		}
	}
	return nil
}

func (w *Worker) runTenant(ctx context.Context, tenant *models.Tenant, deadline time.Time) error {
	// Cheap existence check before the full tenant reload.
	has, err := w.queue.HasDue(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("failed to check due work: %w", err)
	}
	if !has {
		return nil
	}

	// The list call returns tenants without credentials; reload in full.
	tenant, err = w.tenants.FindByID(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("failed to load tenant: %w", err)
	}

	due, err := w.queue.GetDue(ctx, tenant.ID, batchSize)
	if err != nil {
		return fmt.Errorf("failed to query due items: %w", err)
	}

	for i := range due {
		if time.Now().After(deadline) {
			return nil
		}
		item := &due[i]

		err := w.queue.Claim(ctx, tenant.ID, item.ID)
		if errors.Is(err, store.ErrAlreadyClaimed) {
			continue
		}
		if err != nil {
			w.logger.Error("Failed to claim follow-up", "item_id", item.ID, "error", err)
			continue
		}

		w.processItem(ctx, tenant, item)
	}
	return nil
}

// processItem renders and delivers one claimed item.
func (w *Worker) processItem(ctx context.Context, tenant *models.Tenant, item *models.FollowupItem) {
	session, err := w.sessions.FindByID(ctx, tenant.ID, item.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		_ = w.queue.MarkFailed(ctx, tenant.ID, item.ID, "session missing")
		return
	}
	if err != nil {
		w.retry(ctx, tenant.ID, item.ID, err)
		return
	}

	// An escalated session belongs to the human agent; do not nudge.
	if session.Escalated || session.Status != models.SessionActive {
		_ = w.queue.MarkFailed(ctx, tenant.ID, item.ID, "session not active")
		return
	}

	response, err := w.resolveResponse(ctx, tenant, session, item)
	if err != nil {
		w.retry(ctx, tenant.ID, item.ID, err)
		return
	}

	// 24-hour window: a text send outside the window becomes the fallback
	// template.
	if session.Key.Channel.SessionWindow() &&
		time.Since(session.LastMessageAt) > SessionWindow &&
		response.Type == models.ResponseText {
		w.logger.Info("Session window closed, using fallback template",
			"session_id", session.ID, "template", w.cfg.FallbackTemplate)
		response = &models.OutboundResponse{
			Type:         models.ResponseTemplate,
			TemplateName: w.cfg.FallbackTemplate,
		}
	}

	platformID, err := w.deliver(ctx, tenant, session.Key, response)
	if err != nil {
		w.retry(ctx, tenant.ID, item.ID, err)
		return
	}

	outbound := &models.Message{
		SessionID:         session.ID,
		Direction:         models.DirectionOutbound,
		Type:              models.MessageText,
		Content:           response.Content,
		TemplateName:      response.TemplateName,
		PlatformMessageID: platformID,
		DeliveryStatus:    models.DeliverySent,
	}
	if response.Type == models.ResponseTemplate {
		outbound.Type = models.MessageTemplate
	}
	if err := w.messages.Save(ctx, tenant.ID, outbound); err != nil {
		w.logger.Error("Failed to persist follow-up message", "item_id", item.ID, "error", err)
	}

	if err := w.queue.MarkSent(ctx, tenant.ID, item.ID); err != nil {
		w.logger.Error("Failed to mark follow-up sent", "item_id", item.ID, "error", err)
		return
	}

	w.scheduleNext(ctx, tenant, session, item)
	w.logger.Info("Follow-up delivered",
		"tenant_id", tenant.ID, "session_id", session.ID,
		"item_id", item.ID, "sequence_index", item.SequenceIndex)
}

// resolveResponse renders the item from its registry config, or asks the
// engine for a dynamic follow-up when no config is named.
func (w *Worker) resolveResponse(ctx context.Context, tenant *models.Tenant, session *models.Session, item *models.FollowupItem) (*models.OutboundResponse, error) {
	if item.ConfigName != "" {
		cfg, err := w.configs.GetFollowupConfig(ctx, tenant.ID, item.ConfigName)
		if err != nil {
			return nil, fmt.Errorf("failed to load followup config %q: %w", item.ConfigName, err)
		}
		return render(ctx, w.generator, tenant, session, cfg)
	}

	responses, _, err := w.generator.GenerateFollowup(ctx, tenant, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate follow-up: %w", err)
	}
	return &responses[0], nil
}

func (w *Worker) deliver(ctx context.Context, tenant *models.Tenant, key models.SessionKey, r *models.OutboundResponse) (string, error) {
	if r.Type == models.ResponseTemplate {
		return w.sender.SendTemplate(ctx, tenant, key, r.Template())
	}
	return w.sender.SendText(ctx, tenant, key, r.Content, "")
}

// scheduleNext queues the following step of the state's sequence.
func (w *Worker) scheduleNext(ctx context.Context, tenant *models.Tenant, session *models.Session, item *models.FollowupItem) {
	machine, err := w.configs.FindActive(ctx, tenant.ID, tenant.StateMachineName)
	if err != nil {
		w.logger.Warn("Failed to load state machine for next step", "tenant_id", tenant.ID, "error", err)
		return
	}
	seq := statemachine.FollowupSequence(machine, session.CurrentState)
	next := item.SequenceIndex + 1
	if next >= len(seq) {
		return
	}
	delay, err := statemachine.ParseInterval(seq[next].Delay)
	if err != nil {
		w.logger.Error("Invalid delay in follow-up sequence",
			"state", session.CurrentState, "index", next, "error", err)
		return
	}

	nextItem := &models.FollowupItem{
		SessionID:     session.ID,
		ScheduledAt:   time.Now().UTC().Add(delay),
		Type:          models.FollowupText,
		ConfigName:    seq[next].ConfigName,
		SequenceIndex: next,
	}
	if err := w.queue.Schedule(ctx, tenant.ID, nextItem); err != nil {
		w.logger.Error("Failed to schedule next follow-up", "session_id", session.ID, "error", err)
		return
	}
	w.logger.Info("Next follow-up scheduled",
		"session_id", session.ID, "sequence_index", next, "at", nextItem.ScheduledAt)
}

func (w *Worker) retry(ctx context.Context, tenantID, itemID string, cause error) {
	w.logger.Warn("Follow-up delivery failed, releasing for retry",
		"item_id", itemID, "error", cause)
	if err := w.queue.ReleaseForRetry(ctx, tenantID, itemID, cause.Error()); err != nil {
		w.logger.Error("Failed to release follow-up for retry", "item_id", itemID, "error", err)
	}
}
