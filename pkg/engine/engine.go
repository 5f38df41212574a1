// Package engine orchestrates one conversation turn: session lifecycle,
// agent-hold gating, media normalization, retrieval, the LLM call, and all
// persistent side effects. Delivery of the produced responses is the
// caller's concern.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/waveline-ai/waveline/pkg/llm"
	"github.com/waveline-ai/waveline/pkg/media"
	"github.com/waveline-ai/waveline/pkg/models"
	"github.com/waveline-ai/waveline/pkg/statemachine"
	"github.com/waveline-ai/waveline/pkg/store"
)

// AgentHoldWindow is how long an escalated session stays held for the human
// agent after the last message before the engine may resume it.
const AgentHoldWindow = time.Hour

// apologyText is sent when the LLM reply cannot be used.
const apologyText = "Lo sentimos, tuvimos un problema procesando tu mensaje. Un asesor te contactará en breve."

// Store contracts consumed by the engine. Defined here so tests can inject
// fakes without a database.

type ContactStore interface {
	FindOrCreateByChannelUser(ctx context.Context, tenantID string, kind models.ChannelKind, channelUserID, phone, name string) (*models.Contact, error)
	SetDepositConfirmed(ctx context.Context, tenantID, contactID string) error
}

type SessionStore interface {
	FindByKey(ctx context.Context, tenantID string, key models.SessionKey) (*models.Session, error)
	FindByID(ctx context.Context, tenantID, sessionID string) (*models.Session, error)
	Create(ctx context.Context, tenantID string, key models.SessionKey, contactID, initialState string) (*models.Session, error)
	Update(ctx context.Context, tenantID, sessionID string, upd models.SessionUpdate) error
}

type MessageStore interface {
	GetRecent(ctx context.Context, tenantID, sessionID string, limit int) ([]models.Message, error)
	Save(ctx context.Context, tenantID string, msg *models.Message) error
	FindByPlatformID(ctx context.Context, tenantID, sessionID, platformMessageID string) (string, error)
}

type EscalationStore interface {
	Create(ctx context.Context, tenantID string, esc *models.Escalation) (*models.Escalation, error)
	HasActive(ctx context.Context, tenantID, sessionID string) (bool, error)
}

type FollowupStore interface {
	Schedule(ctx context.Context, tenantID string, item *models.FollowupItem) error
	CancelPending(ctx context.Context, tenantID, sessionID string) (int64, error)
}

type StateMachineStore interface {
	FindActive(ctx context.Context, tenantID, name string) (*models.StateMachine, error)
	GetStateEntryMessages(ctx context.Context, tenantID, name, state string) ([]string, error)
}

type DepositStore interface {
	Record(ctx context.Context, tenantID string, event *models.DepositEvent) error
}

// Retriever assembles RAG context for the prompt.
type Retriever interface {
	RetrieveKnowledge(ctx context.Context, tenantID, query string, categories []string) ([]models.KnowledgeEntry, error)
	RetrieveExamples(ctx context.Context, query, state string) ([]models.ConversationExample, error)
}

// Notifier announces escalations to the tenant's configured address.
// Implementations must be nil-receiver safe.
type Notifier interface {
	NotifyEscalation(ctx context.Context, tenant *models.Tenant, session *models.Session, esc *models.Escalation) error
}

// MediaResolver turns a provider media ID into a short-lived download URL.
type MediaResolver interface {
	ResolveMediaURL(ctx context.Context, tenant *models.Tenant, mediaID string) (string, error)
}

// Deps bundles everything a turn needs.
type Deps struct {
	Contacts      ContactStore
	Sessions      SessionStore
	Messages      MessageStore
	Escalations   EscalationStore
	Followups     FollowupStore
	StateMachines StateMachineStore
	Deposits      DepositStore
	Retriever     Retriever
	LLM           llm.Provider
	Media         media.Service
	MediaResolver MediaResolver
	Notifier      Notifier
}

// Config tunes the engine.
type Config struct {
	HistoryLimit int           // recent messages in the prompt
	LLMTimeout   time.Duration // per LLM call
}

// TurnResult is what one turn produced. Responses are already persisted as
// outbound messages (OutboundIDs aligns with Responses); the caller delivers
// them in order.
type TurnResult struct {
	Responses        []models.OutboundResponse
	OutboundIDs      []string
	SessionID        string
	ReplyTo          string // inbound platform id quoted on the first response
	Held             bool   // agent-hold gate short-circuited the turn
	Escalation       *models.Escalation
	TransitionReason string
}

// Engine executes conversation turns.
type Engine struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

// New builds an engine.
func New(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 25 * time.Second
	}
	return &Engine{deps: deps, cfg: cfg, logger: logger}
}

// ProcessMessage runs one full turn for an inbound message. Transient LLM
// and store errors bubble up so the debounce pipeline can retry; a reply the
// LLM produced but that cannot be parsed is absorbed by the safety net
// instead (apology plus ai_uncertainty escalation).
func (e *Engine) ProcessMessage(ctx context.Context, tenant *models.Tenant, key models.SessionKey, msg *models.NormalizedMessage) (*TurnResult, error) {
	machine, err := e.deps.StateMachines.FindActive(ctx, tenant.ID, tenant.StateMachineName)
	if err != nil {
		return nil, fmt.Errorf("failed to load state machine: %w", err)
	}

	contact, err := e.deps.Contacts.FindOrCreateByChannelUser(ctx, tenant.ID, key.Channel, key.UserID, key.UserID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve contact: %w", err)
	}

	session, err := e.deps.Sessions.FindByKey(ctx, tenant.ID, key)
	if errors.Is(err, store.ErrNotFound) {
		session, err = e.deps.Sessions.Create(ctx, tenant.ID, key, contact.ID, machine.InitialState)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	// Agent-hold gate. An escalated session stays with the human until the
	// hold window elapsed and no active escalation remains.
	if session.Escalated {
		resumed, err := e.tryResume(ctx, tenant.ID, session)
		if err != nil {
			return nil, err
		}
		if !resumed {
			e.logger.Info("Session held for agent, skipping turn",
				"tenant_id", tenant.ID, "session_id", session.ID)
			if err := e.saveInbound(ctx, tenant.ID, session.ID, msg); err != nil {
				return nil, err
			}
			return &TurnResult{SessionID: session.ID, Held: true}, nil
		}
	}

	// A user reply cancels whatever re-engagement was queued.
	if n, err := e.deps.Followups.CancelPending(ctx, tenant.ID, session.ID); err != nil {
		e.logger.Warn("Failed to cancel pending follow-ups", "session_id", session.ID, "error", err)
	} else if n > 0 {
		e.logger.Info("Cancelled pending follow-ups on user reply",
			"session_id", session.ID, "count", n)
	}

	e.normalizeMedia(ctx, tenant, msg)

	if err := e.saveInbound(ctx, tenant.ID, session.ID, msg); err != nil {
		return nil, err
	}

	history, err := e.deps.Messages.GetRecent(ctx, tenant.ID, session.ID, e.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	stateCfg, ok := machine.State(session.CurrentState)
	if !ok {
		return nil, fmt.Errorf("session state %q not in state machine %q", session.CurrentState, machine.Name)
	}

	knowledge, examples := e.retrieve(ctx, tenant.ID, msg.Text(), session.CurrentState, stateCfg.RAGCategories)

	prompt := buildTurnPrompt(tenant, machine, session, stateCfg, knowledge, examples)

	llmCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()
	resp, err := e.deps.LLM.GenerateResponse(llmCtx, llm.Request{
		SystemPrompt: prompt,
		Messages:     historyToLLM(history),
		Model:        tenant.LLM.Model,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate turn reply: %w", err)
	}

	reply, parseErr := parseTurnReply(resp.Content)
	if parseErr != nil {
		e.logger.Error("Turn reply unparseable, engaging safety net",
			"tenant_id", tenant.ID, "session_id", session.ID, "error", parseErr)
		reply = safetyNetReply()
	}

	result, err := e.applyReply(ctx, tenant, machine, session, contact, reply)
	if err != nil {
		return nil, err
	}
	// An inbound that quoted an earlier message gets a quoted reply back.
	if msg.ReplyToMessageID != "" {
		result.ReplyTo = msg.ID
	}
	return result, nil
}

// tryResume checks the agent-hold exit condition and reactivates the session
// when it holds. Returns false while the session must stay with the agent.
func (e *Engine) tryResume(ctx context.Context, tenantID string, session *models.Session) (bool, error) {
	if time.Since(session.LastMessageAt) < AgentHoldWindow {
		return false, nil
	}
	active, err := e.deps.Escalations.HasActive(ctx, tenantID, session.ID)
	if err != nil {
		return false, fmt.Errorf("failed to check active escalation: %w", err)
	}
	if active {
		return false, nil
	}

	escalated := false
	status := models.SessionActive
	if err := e.deps.Sessions.Update(ctx, tenantID, session.ID, models.SessionUpdate{
		Escalated: &escalated,
		Status:    &status,
	}); err != nil {
		return false, fmt.Errorf("failed to resume session: %w", err)
	}
	session.Escalated = false
	session.Status = models.SessionActive
	e.logger.Info("Session resumed from agent hold", "tenant_id", tenantID, "session_id", session.ID)
	return true, nil
}

// normalizeMedia fills Transcription or ImageAnalysis for media messages.
// Ingress stores the provider media ID in MediaURL; this resolves it to a
// download URL, archives a copy in blob storage (provider URLs expire within
// minutes) and interprets the bytes. Failures degrade to the raw message;
// they never fail the turn.
func (e *Engine) normalizeMedia(ctx context.Context, tenant *models.Tenant, msg *models.NormalizedMessage) {
	if e.deps.Media == nil || !msg.Type.Media() || msg.MediaURL == "" {
		return
	}
	if msg.Type == models.MessageAudio && msg.Transcription != "" {
		return
	}
	if msg.Type != models.MessageAudio && msg.ImageAnalysis != "" {
		return
	}

	var headers map[string]string
	if creds, ok := tenant.Credentials(models.ChannelWhatsApp); ok && creds.AccessToken != "" {
		headers = map[string]string{"Authorization": "Bearer " + creds.AccessToken}
	}

	url := msg.MediaURL
	if !strings.HasPrefix(url, "http") {
		if e.deps.MediaResolver == nil {
			return
		}
		resolved, err := e.deps.MediaResolver.ResolveMediaURL(ctx, tenant, url)
		if err != nil {
			e.logger.Warn("Media resolution failed", "tenant_id", tenant.ID, "error", err)
			return
		}
		url = resolved
	}

	data, contentType, err := e.deps.Media.Download(ctx, url, headers)
	if err != nil {
		e.logger.Warn("Media download failed", "tenant_id", tenant.ID, "error", err)
		return
	}

	path := fmt.Sprintf("%s/media/%s", tenant.ID, uuid.New())
	if archived, err := e.deps.Media.Upload(ctx, data, path, contentType); err != nil {
		e.logger.Warn("Media archive failed", "tenant_id", tenant.ID, "error", err)
	} else {
		msg.MediaURL = archived
		url = archived
		headers = nil
	}

	switch msg.Type {
	case models.MessageAudio:
		text, err := e.deps.Media.Transcribe(ctx, url, headers)
		if err != nil {
			e.logger.Warn("Audio transcription failed", "tenant_id", tenant.ID, "error", err)
			return
		}
		msg.Transcription = text
	case models.MessageImage, models.MessageVideo:
		text, err := e.deps.Media.AnalyzeImage(ctx, url)
		if err != nil {
			e.logger.Warn("Image analysis failed", "tenant_id", tenant.ID, "error", err)
			return
		}
		msg.ImageAnalysis = text
	}
}

// retrieve gathers RAG context. Retrieval failures degrade to an empty
// context instead of failing the turn.
func (e *Engine) retrieve(ctx context.Context, tenantID, query, state string, categories []string) ([]models.KnowledgeEntry, []models.ConversationExample) {
	if e.deps.Retriever == nil || query == "" {
		return nil, nil
	}
	knowledge, err := e.deps.Retriever.RetrieveKnowledge(ctx, tenantID, query, categories)
	if err != nil {
		e.logger.Warn("Knowledge retrieval failed", "tenant_id", tenantID, "error", err)
	}
	examples, err := e.deps.Retriever.RetrieveExamples(ctx, query, state)
	if err != nil {
		e.logger.Warn("Example retrieval failed", "tenant_id", tenantID, "error", err)
	}
	return knowledge, examples
}

// saveInbound persists the inbound message. The original content and media
// URL are kept as received; transcription and analysis live alongside.
func (e *Engine) saveInbound(ctx context.Context, tenantID, sessionID string, msg *models.NormalizedMessage) error {
	stored := &models.Message{
		SessionID:         sessionID,
		Direction:         models.DirectionInbound,
		Type:              msg.Type,
		Content:           msg.Content,
		MediaURL:          msg.MediaURL,
		Transcription:     msg.Transcription,
		ImageAnalysis:     msg.ImageAnalysis,
		PlatformMessageID: msg.ID,
		CreatedAt:         msg.Timestamp,
	}
	if msg.InteractivePayload != nil && stored.Content == "" {
		stored.Content = msg.InteractivePayload.Title
	}
	if msg.ReplyToMessageID != "" {
		id, err := e.deps.Messages.FindByPlatformID(ctx, tenantID, sessionID, msg.ReplyToMessageID)
		switch {
		case err == nil:
			stored.ReplyTo = id
		case !errors.Is(err, store.ErrNotFound):
			e.logger.Warn("Reply context lookup failed", "session_id", sessionID, "error", err)
		}
	}
	if err := e.deps.Messages.Save(ctx, tenantID, stored); err != nil {
		return fmt.Errorf("failed to save inbound message: %w", err)
	}
	return nil
}

// safetyNetReply is the turn used when the LLM output cannot be parsed.
func safetyNetReply() *models.TurnReply {
	return &models.TurnReply{
		Responses: []models.OutboundResponse{
			{Type: models.ResponseText, Content: apologyText},
		},
		Escalation: &models.EscalationDecision{
			ShouldEscalate: true,
			Reason:         models.ReasonAIUncertainty,
			Priority:       models.PriorityMedium,
			Summary:        "Assistant reply could not be parsed",
			Confidence:     1,
		},
	}
}

// applyReply commits the side effects of a parsed turn reply and persists
// the outbound responses.
func (e *Engine) applyReply(ctx context.Context, tenant *models.Tenant, machine *models.StateMachine, session *models.Session, contact *models.Contact, reply *models.TurnReply) (*TurnResult, error) {
	result := &TurnResult{SessionID: session.ID}

	now := time.Now().UTC()
	upd := models.SessionUpdate{LastMessageAt: &now}
	newContext := session.Context
	if newContext == nil {
		newContext = map[string]any{}
	}

	// Transition. A disallowed target is dropped; the responses survive.
	if t := reply.Transition; t != nil && t.To != "" && t.To != session.CurrentState {
		if statemachine.CanTransitionTo(machine, session.CurrentState, t.To) {
			prev := session.CurrentState
			upd.PreviousState = &prev
			upd.CurrentState = &t.To
			result.TransitionReason = t.Reason
			newContext["lastTransition"] = map[string]any{
				"from":       prev,
				"to":         t.To,
				"reason":     t.Reason,
				"confidence": t.Confidence,
				"at":         now.Format(time.RFC3339),
			}
			session.PreviousState = prev
			session.CurrentState = t.To
			e.logger.Info("Session transitioned",
				"session_id", session.ID, "from", prev, "to", t.To, "reason", t.Reason)

			// Fixed entry messages of the new state ride along after the
			// LLM's responses.
			entries, err := e.deps.StateMachines.GetStateEntryMessages(ctx, tenant.ID, machine.Name, t.To)
			if err != nil {
				e.logger.Warn("Failed to load state entry messages",
					"state", t.To, "error", err)
			}
			for _, text := range entries {
				reply.Responses = append(reply.Responses,
					models.OutboundResponse{Type: models.ResponseText, Content: text})
			}
		} else {
			e.logger.Warn("Dropping disallowed transition",
				"session_id", session.ID, "from", session.CurrentState, "to", t.To)
		}
	}

	// Shallow merge of context updates; top-level keys from the LLM win.
	for k, v := range reply.ContextUpdates {
		newContext[k] = v
	}
	upd.Context = newContext

	// Escalation, including the isUncertain safety net.
	shouldEscalate := reply.Escalation != nil && reply.Escalation.ShouldEscalate
	if !shouldEscalate && reply.IsUncertain {
		shouldEscalate = true
		reply.Escalation = &models.EscalationDecision{
			ShouldEscalate: true,
			Reason:         models.ReasonAIUncertainty,
			Priority:       models.PriorityMedium,
			Summary:        "Assistant reported uncertainty",
		}
	}
	if shouldEscalate {
		esc := e.escalate(ctx, tenant, session, reply.Escalation)
		if esc != nil {
			result.Escalation = esc
			escalated := true
			paused := models.SessionPaused
			upd.Escalated = &escalated
			upd.Status = &paused
		}
	}

	// Deposit side effect.
	if d := reply.DepositConfirmed; d != nil {
		event := &models.DepositEvent{
			SessionID: session.ID,
			ContactID: contact.ID,
			Amount:    d.Amount,
			Currency:  d.Currency,
			Reasoning: d.Reasoning,
		}
		if err := e.deps.Deposits.Record(ctx, tenant.ID, event); err != nil {
			e.logger.Error("Failed to record deposit event", "session_id", session.ID, "error", err)
		} else if err := e.deps.Contacts.SetDepositConfirmed(ctx, tenant.ID, contact.ID); err != nil {
			e.logger.Error("Failed to flag deposit confirmation", "contact_id", contact.ID, "error", err)
		}
	}

	// Persist outbound messages before returning them for delivery.
	result.Responses = reply.Responses
	for i := range reply.Responses {
		r := &reply.Responses[i]
		stored := &models.Message{
			SessionID:      session.ID,
			Direction:      models.DirectionOutbound,
			Type:           responseMessageType(r.Type),
			Content:        r.Content,
			TemplateName:   r.TemplateName,
			DeliveryStatus: models.DeliveryPending,
		}
		if err := e.deps.Messages.Save(ctx, tenant.ID, stored); err != nil {
			return nil, fmt.Errorf("failed to save outbound message: %w", err)
		}
		result.OutboundIDs = append(result.OutboundIDs, stored.ID)
	}

	if err := e.deps.Sessions.Update(ctx, tenant.ID, session.ID, upd); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	session.Context = newContext
	session.LastMessageAt = now

	// Queue the first re-engagement step for the state we ended up in,
	// unless the session just went to a human.
	if result.Escalation == nil {
		e.scheduleFollowup(ctx, tenant.ID, session, machine)
	}

	return result, nil
}

// escalate opens the (idempotent) escalation and notifies. Failures are
// logged, never fatal: the user turn must not be dropped.
func (e *Engine) escalate(ctx context.Context, tenant *models.Tenant, session *models.Session, decision *models.EscalationDecision) *models.Escalation {
	esc, err := e.deps.Escalations.Create(ctx, tenant.ID, &models.Escalation{
		SessionID:    session.ID,
		Reason:       decision.Reason,
		Priority:     decision.Priority,
		AISummary:    decision.Summary,
		AIConfidence: decision.Confidence,
	})
	if err != nil {
		e.logger.Error("Failed to create escalation", "session_id", session.ID, "error", err)
		return nil
	}

	if _, err := e.deps.Followups.CancelPending(ctx, tenant.ID, session.ID); err != nil {
		e.logger.Warn("Failed to cancel follow-ups on escalation", "session_id", session.ID, "error", err)
	}

	if e.deps.Notifier != nil {
		if err := e.deps.Notifier.NotifyEscalation(ctx, tenant, session, esc); err != nil {
			e.logger.Warn("Escalation notification failed", "session_id", session.ID, "error", err)
		}
	}

	e.logger.Info("Session escalated",
		"tenant_id", tenant.ID, "session_id", session.ID,
		"reason", esc.Reason, "priority", esc.Priority)
	return esc
}

// scheduleFollowup queues index 0 of the current state's follow-up sequence.
func (e *Engine) scheduleFollowup(ctx context.Context, tenantID string, session *models.Session, machine *models.StateMachine) {
	seq := statemachine.FollowupSequence(machine, session.CurrentState)
	if len(seq) == 0 {
		return
	}
	delay, err := statemachine.ParseInterval(seq[0].Delay)
	if err != nil {
		e.logger.Error("Invalid follow-up delay in state config",
			"state", session.CurrentState, "delay", seq[0].Delay, "error", err)
		return
	}

	// The item's type is provisional; the worker resolves the authoritative
	// type from the named config at render time.
	item := &models.FollowupItem{
		SessionID:     session.ID,
		ScheduledAt:   time.Now().UTC().Add(delay),
		Type:          models.FollowupText,
		ConfigName:    seq[0].ConfigName,
		SequenceIndex: 0,
	}
	if err := e.deps.Followups.Schedule(ctx, tenantID, item); err != nil {
		e.logger.Error("Failed to schedule follow-up", "session_id", session.ID, "error", err)
		return
	}
	e.logger.Info("Follow-up scheduled",
		"session_id", session.ID, "state", session.CurrentState, "at", item.ScheduledAt)
}

func responseMessageType(t models.ResponseType) models.MessageType {
	switch t {
	case models.ResponseTemplate:
		return models.MessageTemplate
	case models.ResponseImage:
		return models.MessageImage
	case models.ResponseVideo:
		return models.MessageVideo
	default:
		return models.MessageText
	}
}

func historyToLLM(history []models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		role := llm.RoleUser
		if m.Direction == models.DirectionOutbound {
			role = llm.RoleAssistant
		}
		content := m.Content
		if m.Transcription != "" {
			content = m.Transcription
		} else if m.ImageAnalysis != "" {
			content = "[imagen] " + m.ImageAnalysis
		}
		if content == "" {
			continue
		}
		out = append(out, llm.Message{Role: role, Content: content})
	}
	return out
}
