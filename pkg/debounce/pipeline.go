// Package debounce coalesces inbound message bursts into one logical turn
// per session. The buffer table is the queue; per-session mutual exclusion
// is a conditional claim on processing_started_at.
package debounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/waveline-ai/waveline/pkg/engine"
	"github.com/waveline-ai/waveline/pkg/models"
	"github.com/waveline-ai/waveline/pkg/store"
)

// StaleClaimAge is how old a buffer claim may get before the sweeper treats
// its holder as crashed and releases it.
const StaleClaimAge = 5 * time.Minute

// BufferStore is the persistence contract of the pipeline.
type BufferStore interface {
	Add(ctx context.Context, tenantID, sessionKeyHash string, key models.SessionKey, msg models.NormalizedMessage, scheduledProcessAt time.Time) (*models.BufferedMessage, error)
	RescheduleUnclaimed(ctx context.Context, tenantID, sessionKeyHash string, scheduledProcessAt time.Time) error
	GetMatureSessions(ctx context.Context, endpointID string, limit int) ([]store.MatureSession, error)
	ClaimSession(ctx context.Context, tenantID, sessionKeyHash string) error
	GetBySession(ctx context.Context, tenantID, sessionKeyHash string) ([]models.BufferedMessage, error)
	DeleteByIDs(ctx context.Context, tenantID string, ids []string) error
	MarkForRetry(ctx context.Context, tenantID, sessionKeyHash, errMsg string) error
	HasPendingMessages(ctx context.Context, tenantID, sessionKeyHash string) (bool, error)
	CleanupStaleLocks(ctx context.Context, maxAge time.Duration) (int64, error)
}

// TurnProcessor runs one engine turn over an aggregated message.
type TurnProcessor interface {
	ProcessMessage(ctx context.Context, tenant *models.Tenant, key models.SessionKey, msg *models.NormalizedMessage) (*engine.TurnResult, error)
}

// TenantLoader resolves tenants for drained sessions.
type TenantLoader interface {
	FindByID(ctx context.Context, tenantID string) (*models.Tenant, error)
}

// Deliverer sends a turn's responses out on the channel. May be nil in
// tests; delivery failures do not fail the drain.
type Deliverer interface {
	Deliver(ctx context.Context, tenant *models.Tenant, key models.SessionKey, result *engine.TurnResult) error
}

// IngestResult reports what happened to an inbound message at ingest.
type IngestResult struct {
	Buffered           bool
	ScheduledProcessAt time.Time
}

// Pipeline implements debounce ingest and drain.
type Pipeline struct {
	buffer    BufferStore
	engine    TurnProcessor
	tenants   TenantLoader
	deliverer Deliverer
	logger    *slog.Logger
}

// New builds a pipeline.
func New(buffer BufferStore, eng TurnProcessor, tenants TenantLoader, deliverer Deliverer, logger *slog.Logger) *Pipeline {
	return &Pipeline{buffer: buffer, engine: eng, tenants: tenants, deliverer: deliverer, logger: logger}
}

// Ingest buffers one inbound message and resets the session's debounce
// timer. On buffer failure it degrades gracefully: the caller receives
// Buffered=false and processes the message immediately.
func (p *Pipeline) Ingest(ctx context.Context, tenant *models.Tenant, key models.SessionKey, msg models.NormalizedMessage) (*IngestResult, error) {
	hash := HashKey(key)
	processAt := time.Now().UTC().Add(tenant.Debounce.Delay)

	if _, err := p.buffer.Add(ctx, tenant.ID, hash, key, msg, processAt); err != nil {
		p.logger.Warn("Buffer insert failed, falling back to immediate processing",
			"tenant_id", tenant.ID, "session_key_hash", hash, "error", err)
		return &IngestResult{Buffered: false}, nil
	}

	if err := p.buffer.RescheduleUnclaimed(ctx, tenant.ID, hash, processAt); err != nil {
		p.logger.Warn("Failed to reset debounce timer",
			"tenant_id", tenant.ID, "session_key_hash", hash, "error", err)
	}

	return &IngestResult{Buffered: true, ScheduledProcessAt: processAt}, nil
}

// ProcessPending claims and drains all buffered messages of one session as
// a single aggregated turn. Returns (nil, nil) when another instance holds
// the claim. On engine failure the claim is released and the retry counter
// incremented; the rows dead-letter once they exhaust the budget.
func (p *Pipeline) ProcessPending(ctx context.Context, tenant *models.Tenant, sessionKeyHash string) (*engine.TurnResult, error) {
	// Sessions whose rows were drained or dead-lettered since the scan are
	// skipped without taking the claim.
	pending, err := p.buffer.HasPendingMessages(ctx, tenant.ID, sessionKeyHash)
	if err != nil {
		return nil, fmt.Errorf("failed to check pending messages: %w", err)
	}
	if !pending {
		return nil, nil
	}

	err = p.buffer.ClaimSession(ctx, tenant.ID, sessionKeyHash)
	if errors.Is(err, store.ErrAlreadyClaimed) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim buffered session: %w", err)
	}

	msgs, err := p.buffer.GetBySession(ctx, tenant.ID, sessionKeyHash)
	if err != nil {
		p.release(ctx, tenant.ID, sessionKeyHash, err)
		return nil, fmt.Errorf("failed to read buffered session: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	aggregated := Aggregate(msgs)
	key := msgs[0].Key

	result, err := p.engine.ProcessMessage(ctx, tenant, key, &aggregated)
	if err != nil {
		p.release(ctx, tenant.ID, sessionKeyHash, err)
		return nil, fmt.Errorf("failed to process buffered session: %w", err)
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := p.buffer.DeleteByIDs(ctx, tenant.ID, ids); err != nil {
		// The turn already committed; leaving rows claimed is worse than a
		// possible duplicate after the stale sweep.
		p.logger.Error("Failed to delete drained buffer rows",
			"tenant_id", tenant.ID, "session_key_hash", sessionKeyHash, "error", err)
	}

	if p.deliverer != nil && len(result.Responses) > 0 {
		if err := p.deliverer.Deliver(ctx, tenant, key, result); err != nil {
			p.logger.Error("Failed to deliver drained responses",
				"tenant_id", tenant.ID, "session_id", result.SessionID, "error", err)
		}
	}

	p.logger.Info("Drained buffered session",
		"tenant_id", tenant.ID, "session_key_hash", sessionKeyHash,
		"messages", len(msgs), "responses", len(result.Responses))
	return result, nil
}

// RunOnce performs one worker pass: sweep stale claims, scan mature
// sessions, drain each. Returns whether processable work remains, so the
// caller can decide to self-reinvoke. deadline bounds the pass.
func (p *Pipeline) RunOnce(ctx context.Context, endpointID string, limit int, deadline time.Time) (bool, error) {
	if released, err := p.buffer.CleanupStaleLocks(ctx, StaleClaimAge); err != nil {
		p.logger.Warn("Stale buffer lock sweep failed", "error", err)
	} else if released > 0 {
		p.logger.Info("Released stale buffer claims", "count", released)
	}

	mature, err := p.buffer.GetMatureSessions(ctx, endpointID, limit)
	if err != nil {
		return false, fmt.Errorf("failed to scan mature sessions: %w", err)
	}

	for _, m := range mature {
		if time.Now().After(deadline) {
			return true, nil
		}
		tenant, err := p.tenants.FindByID(ctx, m.TenantID)
		if err != nil {
			p.logger.Error("Failed to load tenant for drain", "tenant_id", m.TenantID, "error", err)
			continue
		}
		if _, err := p.ProcessPending(ctx, tenant, m.SessionKeyHash); err != nil {
			p.logger.Error("Drain failed",
				"tenant_id", m.TenantID, "session_key_hash", m.SessionKeyHash, "error", err)
		}
	}

	// Anything still mature (new arrivals, failed drains under budget)
	// warrants another invocation.
	remaining, err := p.buffer.GetMatureSessions(ctx, endpointID, 1)
	if err != nil {
		return false, nil
	}
	return len(remaining) > 0, nil
}

func (p *Pipeline) release(ctx context.Context, tenantID, sessionKeyHash string, cause error) {
	if err := p.buffer.MarkForRetry(ctx, tenantID, sessionKeyHash, cause.Error()); err != nil {
		p.logger.Error("Failed to release buffered session for retry",
			"tenant_id", tenantID, "session_key_hash", sessionKeyHash, "error", err)
	}
}
