package engine

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveline-ai/waveline/pkg/llm"
	"github.com/waveline-ai/waveline/pkg/models"
	"github.com/waveline-ai/waveline/pkg/store"
)

// In-memory fakes over the engine's store contracts.

type fakeContacts struct {
	contact          *models.Contact
	depositConfirmed bool
}

func (f *fakeContacts) FindOrCreateByChannelUser(_ context.Context, _ string, _ models.ChannelKind, _, _, _ string) (*models.Contact, error) {
	return f.contact, nil
}

func (f *fakeContacts) SetDepositConfirmed(_ context.Context, _, _ string) error {
	f.depositConfirmed = true
	return nil
}

type fakeSessions struct {
	session *models.Session
	updates []models.SessionUpdate
	created bool
}

func (f *fakeSessions) FindByKey(_ context.Context, _ string, _ models.SessionKey) (*models.Session, error) {
	if f.session == nil {
		return nil, store.ErrNotFound
	}
	return f.session, nil
}

func (f *fakeSessions) FindByID(_ context.Context, _, _ string) (*models.Session, error) {
	if f.session == nil {
		return nil, store.ErrNotFound
	}
	return f.session, nil
}

func (f *fakeSessions) Create(_ context.Context, _ string, key models.SessionKey, contactID, initialState string) (*models.Session, error) {
	f.created = true
	f.session = &models.Session{
		ID:            "sess-1",
		ContactID:     contactID,
		Key:           key,
		CurrentState:  initialState,
		Context:       map[string]any{},
		Status:        models.SessionActive,
		LastMessageAt: time.Now().UTC(),
	}
	return f.session, nil
}

func (f *fakeSessions) Update(_ context.Context, _, _ string, upd models.SessionUpdate) error {
	f.updates = append(f.updates, upd)
	if upd.CurrentState != nil {
		f.session.CurrentState = *upd.CurrentState
	}
	if upd.Escalated != nil {
		f.session.Escalated = *upd.Escalated
	}
	if upd.Status != nil {
		f.session.Status = *upd.Status
	}
	return nil
}

func (f *fakeSessions) lastUpdate() models.SessionUpdate {
	return f.updates[len(f.updates)-1]
}

type fakeMessages struct {
	saved []models.Message
}

func (f *fakeMessages) GetRecent(_ context.Context, _, _ string, _ int) ([]models.Message, error) {
	return f.saved, nil
}

func (f *fakeMessages) Save(_ context.Context, _ string, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg-%d", len(f.saved)+1)
	}
	f.saved = append(f.saved, *msg)
	return nil
}

func (f *fakeMessages) FindByPlatformID(_ context.Context, _, _, platformMessageID string) (string, error) {
	for _, m := range f.saved {
		if m.PlatformMessageID == platformMessageID {
			return m.ID, nil
		}
	}
	return "", store.ErrNotFound
}

func (f *fakeMessages) outbound() []models.Message {
	var out []models.Message
	for _, m := range f.saved {
		if m.Direction == models.DirectionOutbound {
			out = append(out, m)
		}
	}
	return out
}

type fakeEscalations struct {
	created []models.Escalation
	active  bool
}

func (f *fakeEscalations) Create(_ context.Context, _ string, esc *models.Escalation) (*models.Escalation, error) {
	esc.ID = "esc-1"
	esc.Status = models.EscalationOpen
	f.created = append(f.created, *esc)
	f.active = true
	return esc, nil
}

func (f *fakeEscalations) HasActive(_ context.Context, _, _ string) (bool, error) {
	return f.active, nil
}

type fakeFollowups struct {
	scheduled []models.FollowupItem
	cancelled int
}

func (f *fakeFollowups) Schedule(_ context.Context, _ string, item *models.FollowupItem) error {
	f.scheduled = append(f.scheduled, *item)
	return nil
}

func (f *fakeFollowups) CancelPending(_ context.Context, _, _ string) (int64, error) {
	f.cancelled++
	return 1, nil
}

type fakeMachines struct {
	machine *models.StateMachine
}

func (f *fakeMachines) FindActive(_ context.Context, _, _ string) (*models.StateMachine, error) {
	return f.machine, nil
}

func (f *fakeMachines) GetStateEntryMessages(_ context.Context, _, _, state string) ([]string, error) {
	cfg, ok := f.machine.State(state)
	if !ok {
		return nil, store.ErrNotFound
	}
	return cfg.EntryMessages, nil
}

type fakeMedia struct {
	downloadedURL  string
	downloadedAuth string
	uploadedPath   string
	transcript     string
	analysis       string
}

func (f *fakeMedia) Download(_ context.Context, url string, headers map[string]string) ([]byte, string, error) {
	f.downloadedURL = url
	f.downloadedAuth = headers["Authorization"]
	return []byte("media-bytes"), "audio/ogg", nil
}

func (f *fakeMedia) Upload(_ context.Context, _ []byte, path, _ string) (string, error) {
	f.uploadedPath = path
	return "https://cdn.example/" + path, nil
}

func (f *fakeMedia) Transcribe(_ context.Context, _ string, _ map[string]string) (string, error) {
	return f.transcript, nil
}

func (f *fakeMedia) AnalyzeImage(_ context.Context, _ string) (string, error) {
	return f.analysis, nil
}

type fakeMediaResolver struct {
	resolved map[string]string
}

func (f *fakeMediaResolver) ResolveMediaURL(_ context.Context, _ *models.Tenant, mediaID string) (string, error) {
	url, ok := f.resolved[mediaID]
	if !ok {
		return "", fmt.Errorf("unknown media id %q", mediaID)
	}
	return url, nil
}

type fakeDeposits struct {
	events []models.DepositEvent
}

func (f *fakeDeposits) Record(_ context.Context, _ string, event *models.DepositEvent) error {
	f.events = append(f.events, *event)
	return nil
}

type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) GenerateResponse(_ context.Context, _ llm.Request) (*llm.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.reply}, nil
}

type fakeNotifier struct {
	notified int
}

func (f *fakeNotifier) NotifyEscalation(_ context.Context, _ *models.Tenant, _ *models.Session, _ *models.Escalation) error {
	f.notified++
	return nil
}

type fixture struct {
	engine      *Engine
	contacts    *fakeContacts
	sessions    *fakeSessions
	messages    *fakeMessages
	escalations *fakeEscalations
	followups   *fakeFollowups
	deposits    *fakeDeposits
	machines    *fakeMachines
	llm         *fakeLLM
	media       *fakeMedia
	resolver    *fakeMediaResolver
	notifier    *fakeNotifier
	tenant      *models.Tenant
	key         models.SessionKey
}

func newFixture(t *testing.T, llmReply string) *fixture {
	t.Helper()
	f := &fixture{
		contacts:    &fakeContacts{contact: &models.Contact{ID: "contact-1"}},
		sessions:    &fakeSessions{},
		messages:    &fakeMessages{},
		escalations: &fakeEscalations{},
		followups:   &fakeFollowups{},
		deposits:    &fakeDeposits{},
		llm:         &fakeLLM{reply: llmReply},
		media:       &fakeMedia{},
		resolver:    &fakeMediaResolver{resolved: map[string]string{}},
		notifier:    &fakeNotifier{},
		tenant: &models.Tenant{
			ID:               "tenant-1",
			Name:             "Acme Motors",
			StateMachineName: "sales",
			Escalation:       models.EscalationConfig{Enabled: true, NotifyAddress: "#escalations"},
		},
		key: models.SessionKey{Channel: models.ChannelWhatsApp, EndpointID: "555001", UserID: "5215512345678"},
	}

	f.machines = &fakeMachines{machine: &models.StateMachine{
		Name:         "sales",
		InitialState: "initial",
		States: map[string]models.StateConfig{
			"initial": {
				Objective:          "Greet and qualify",
				AllowedTransitions: []string{"pitching_12x"},
				FollowupSequence:   []models.FollowupStep{{ConfigName: "nudge", Delay: "2h"}},
			},
			"pitching_12x": {Objective: "Pitch the 12x plan"},
			"closing":      {Objective: "Close the sale"},
		},
	}}

	f.engine = New(Deps{
		Contacts:      f.contacts,
		Sessions:      f.sessions,
		Messages:      f.messages,
		Escalations:   f.escalations,
		Followups:     f.followups,
		StateMachines: f.machines,
		Deposits:      f.deposits,
		LLM:           f.llm,
		Media:         f.media,
		MediaResolver: f.resolver,
		Notifier:      f.notifier,
	}, Config{HistoryLimit: 20, LLMTimeout: 5 * time.Second}, slog.Default())
	return f
}

func inboundText(content string) *models.NormalizedMessage {
	return &models.NormalizedMessage{
		ID:        "wamid.1",
		Timestamp: time.Now().UTC(),
		Type:      models.MessageText,
		Content:   content,
	}
}

func TestProcessMessageHappyPath(t *testing.T) {
	f := newFixture(t, `{
		"responses": [{"type": "text", "content": "¡Hola!"}],
		"transition": {"to": "pitching_12x", "reason": "interest", "confidence": 0.9}
	}`)

	result, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, inboundText("hola"))
	require.NoError(t, err)

	assert.True(t, f.sessions.created, "session is created on first contact")
	assert.Equal(t, "pitching_12x", f.sessions.session.CurrentState)
	require.Len(t, result.Responses, 1)
	assert.Equal(t, "¡Hola!", result.Responses[0].Content)
	assert.Equal(t, "interest", result.TransitionReason)

	upd := f.sessions.lastUpdate()
	require.NotNil(t, upd.PreviousState)
	assert.Equal(t, "initial", *upd.PreviousState)
	require.NotNil(t, upd.CurrentState)
	assert.Equal(t, "pitching_12x", *upd.CurrentState)

	outbound := f.messages.outbound()
	require.Len(t, outbound, 1)
	assert.Equal(t, models.DeliveryPending, outbound[0].DeliveryStatus)
	assert.Equal(t, result.OutboundIDs[0], outbound[0].ID)
}

func TestProcessMessageEscalation(t *testing.T) {
	f := newFixture(t, `{
		"responses": [{"type": "text", "content": "Te conecto con un asesor."}],
		"escalation": {"shouldEscalate": true, "reason": "explicit_request", "confidence": 0.95, "summary": "User wants human"}
	}`)

	result, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, inboundText("quiero hablar con un humano"))
	require.NoError(t, err)

	require.NotNil(t, result.Escalation)
	assert.Equal(t, models.ReasonExplicitRequest, result.Escalation.Reason)
	assert.True(t, f.sessions.session.Escalated)
	assert.Equal(t, models.SessionPaused, f.sessions.session.Status)
	assert.GreaterOrEqual(t, f.followups.cancelled, 2, "cancelled on reply and on escalation")
	assert.Equal(t, 1, f.notifier.notified)
	assert.Empty(t, f.followups.scheduled, "no follow-up while escalated")
}

func TestProcessMessageSafetyNet(t *testing.T) {
	f := newFixture(t, "I am not JSON at all")

	result, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, inboundText("hola"))
	require.NoError(t, err)

	require.NotNil(t, result.Escalation)
	assert.Equal(t, models.ReasonAIUncertainty, result.Escalation.Reason)
	assert.Equal(t, models.PriorityMedium, result.Escalation.Priority)
	assert.Equal(t, models.SessionPaused, f.sessions.session.Status)

	require.Len(t, result.Responses, 1)
	assert.Equal(t, apologyText, result.Responses[0].Content)
	require.Len(t, f.messages.outbound(), 1, "exactly one apology persisted")
}

func TestProcessMessageIsUncertainSafetyNet(t *testing.T) {
	f := newFixture(t, `{"responses": [{"type": "text", "content": "No estoy seguro."}], "isUncertain": true}`)

	result, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, inboundText("algo raro"))
	require.NoError(t, err)

	require.NotNil(t, result.Escalation)
	assert.Equal(t, models.ReasonAIUncertainty, result.Escalation.Reason)
}

func TestProcessMessageDisallowedTransition(t *testing.T) {
	f := newFixture(t, `{
		"responses": [{"type": "text", "content": "Claro."}],
		"transition": {"to": "closing", "reason": "skip ahead", "confidence": 0.8}
	}`)

	result, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, inboundText("hola"))
	require.NoError(t, err)

	assert.Equal(t, "initial", f.sessions.session.CurrentState, "state unchanged")
	assert.Empty(t, result.TransitionReason)
	require.Len(t, result.Responses, 1, "responses survive the dropped transition")

	upd := f.sessions.lastUpdate()
	assert.Nil(t, upd.CurrentState)
}

func TestProcessMessageAgentHold(t *testing.T) {
	t.Run("held while escalation active", func(t *testing.T) {
		f := newFixture(t, `{"responses": []}`)
		f.sessions.session = &models.Session{
			ID: "sess-1", ContactID: "contact-1", Key: f.key,
			CurrentState: "initial", Status: models.SessionPaused,
			Escalated: true, LastMessageAt: time.Now().Add(-2 * time.Hour),
		}
		f.escalations.active = true

		result, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, inboundText("sigo aqui"))
		require.NoError(t, err)

		assert.True(t, result.Held)
		assert.Empty(t, result.Responses)
		assert.Zero(t, f.llm.calls, "no LLM turn while held")
		assert.Len(t, f.messages.saved, 1, "inbound still recorded")
	})

	t.Run("held inside hold window", func(t *testing.T) {
		f := newFixture(t, `{"responses": []}`)
		f.sessions.session = &models.Session{
			ID: "sess-1", ContactID: "contact-1", Key: f.key,
			CurrentState: "initial", Status: models.SessionPaused,
			Escalated: true, LastMessageAt: time.Now().Add(-10 * time.Minute),
		}

		result, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, inboundText("hola?"))
		require.NoError(t, err)
		assert.True(t, result.Held)
	})

	t.Run("resumes after window with no active escalation", func(t *testing.T) {
		f := newFixture(t, `{"responses": [{"type": "text", "content": "¡Seguimos!"}]}`)
		f.sessions.session = &models.Session{
			ID: "sess-1", ContactID: "contact-1", Key: f.key,
			CurrentState: "initial", Context: map[string]any{},
			Status: models.SessionPaused, Escalated: true,
			LastMessageAt: time.Now().Add(-2 * time.Hour),
		}

		result, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, inboundText("hola de nuevo"))
		require.NoError(t, err)

		assert.False(t, result.Held)
		assert.False(t, f.sessions.session.Escalated)
		assert.Equal(t, models.SessionActive, f.sessions.session.Status)
		assert.Equal(t, 1, f.llm.calls, "normal turn executed after resume")
	})
}

func TestProcessMessageDeposit(t *testing.T) {
	f := newFixture(t, `{
		"responses": [{"type": "text", "content": "¡Felicidades!"}],
		"depositConfirmed": {"amount": 1500, "currency": "MXN", "reasoning": "User sent receipt"}
	}`)

	_, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, inboundText("ya deposité"))
	require.NoError(t, err)

	require.Len(t, f.deposits.events, 1)
	assert.Equal(t, 1500.0, f.deposits.events[0].Amount)
	assert.Equal(t, "MXN", f.deposits.events[0].Currency)
	assert.Equal(t, "contact-1", f.deposits.events[0].ContactID)
	assert.True(t, f.contacts.depositConfirmed)
}

func TestProcessMessageContextMerge(t *testing.T) {
	f := newFixture(t, `{
		"responses": [{"type": "text", "content": "ok"}],
		"contextUpdates": {"budget": 5000, "car": {"model": "Versa"}}
	}`)
	f.sessions.session = &models.Session{
		ID: "sess-1", ContactID: "contact-1", Key: f.key,
		CurrentState: "initial", Status: models.SessionActive,
		Context: map[string]any{"budget": 1000, "name": "Juan"},
	}

	_, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, inboundText("mi presupuesto subió"))
	require.NoError(t, err)

	merged := f.sessions.lastUpdate().Context
	require.NotNil(t, merged)
	assert.Equal(t, "Juan", merged["name"], "untouched keys survive")
	assert.EqualValues(t, 5000, merged["budget"], "top-level keys are replaced")
	assert.Contains(t, merged, "car")
}

func TestProcessMessageFollowupScheduling(t *testing.T) {
	f := newFixture(t, `{"responses": [{"type": "text", "content": "¿Te interesa?"}]}`)

	_, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, inboundText("hola"))
	require.NoError(t, err)

	require.Len(t, f.followups.scheduled, 1)
	item := f.followups.scheduled[0]
	assert.Equal(t, "nudge", item.ConfigName)
	assert.Zero(t, item.SequenceIndex)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), item.ScheduledAt, time.Minute)
}

func TestProcessMessageMediaNormalization(t *testing.T) {
	t.Run("audio id is resolved, archived and transcribed", func(t *testing.T) {
		f := newFixture(t, `{"responses": [{"type": "text", "content": "entendido"}]}`)
		f.tenant.Channels = map[models.ChannelKind]models.ChannelCredentials{
			models.ChannelWhatsApp: {Kind: models.ChannelWhatsApp, ChannelID: "555001", AccessToken: "tok"},
		}
		f.resolver.resolved["MEDIA-ID-123"] = "https://lookaside.example/v/t0/abc"
		f.media.transcript = "quiero el plan de doce meses"

		msg := &models.NormalizedMessage{
			ID:        "wamid.audio",
			Timestamp: time.Now().UTC(),
			Type:      models.MessageAudio,
			MediaURL:  "MEDIA-ID-123",
		}
		_, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, msg)
		require.NoError(t, err)

		assert.Equal(t, "https://lookaside.example/v/t0/abc", f.media.downloadedURL,
			"provider media id is resolved before download")
		assert.Equal(t, "Bearer tok", f.media.downloadedAuth)
		assert.Contains(t, f.media.uploadedPath, "tenant-1/media/")

		var inbound models.Message
		for _, m := range f.messages.saved {
			if m.Direction == models.DirectionInbound {
				inbound = m
			}
		}
		assert.Equal(t, "quiero el plan de doce meses", inbound.Transcription)
		assert.Equal(t, "https://cdn.example/"+f.media.uploadedPath, inbound.MediaURL,
			"archived copy replaces the expiring provider URL")
	})

	t.Run("image is described for the transcript", func(t *testing.T) {
		f := newFixture(t, `{"responses": [{"type": "text", "content": "gracias"}]}`)
		f.resolver.resolved["MEDIA-ID-9"] = "https://lookaside.example/v/t0/img"
		f.media.analysis = "Comprobante de depósito por $1,500 MXN"

		msg := &models.NormalizedMessage{
			ID:        "wamid.img",
			Timestamp: time.Now().UTC(),
			Type:      models.MessageImage,
			MediaURL:  "MEDIA-ID-9",
		}
		_, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, msg)
		require.NoError(t, err)

		assert.Equal(t, "Comprobante de depósito por $1,500 MXN", f.messages.saved[0].ImageAnalysis)
	})

	t.Run("resolution failure degrades to the raw message", func(t *testing.T) {
		f := newFixture(t, `{"responses": [{"type": "text", "content": "ok"}]}`)

		msg := &models.NormalizedMessage{
			ID:        "wamid.audio",
			Timestamp: time.Now().UTC(),
			Type:      models.MessageAudio,
			MediaURL:  "MEDIA-ID-UNKNOWN",
		}
		_, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, msg)
		require.NoError(t, err, "media failures never fail the turn")
		assert.Empty(t, f.messages.saved[0].Transcription)
		assert.Equal(t, "MEDIA-ID-UNKNOWN", f.messages.saved[0].MediaURL)
	})
}

func TestProcessMessageReplyContext(t *testing.T) {
	f := newFixture(t, `{"responses": [{"type": "text", "content": "claro"}]}`)
	f.sessions.session = &models.Session{
		ID: "sess-1", ContactID: "contact-1", Key: f.key,
		CurrentState: "initial", Status: models.SessionActive,
		Context: map[string]any{},
	}
	f.messages.saved = []models.Message{{
		ID:                "msg-prev",
		SessionID:         "sess-1",
		Direction:         models.DirectionOutbound,
		Type:              models.MessageText,
		Content:           "¿Te interesa el plan?",
		PlatformMessageID: "wamid.prev",
	}}

	msg := inboundText("sí, ese")
	msg.ReplyToMessageID = "wamid.prev"

	result, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, msg)
	require.NoError(t, err)

	var inbound models.Message
	for _, m := range f.messages.saved {
		if m.Direction == models.DirectionInbound {
			inbound = m
		}
	}
	assert.Equal(t, "msg-prev", inbound.ReplyTo, "quoted message resolves to the stored row")
	assert.Equal(t, "wamid.1", result.ReplyTo, "delivery quotes the inbound back")
}

func TestProcessMessageStateEntryMessages(t *testing.T) {
	f := newFixture(t, `{
		"responses": [{"type": "text", "content": "¡Perfecto!"}],
		"transition": {"to": "pitching_12x", "reason": "interest", "confidence": 0.9}
	}`)
	cfg := f.machines.machine.States["pitching_12x"]
	cfg.EntryMessages = []string{"Te comparto los detalles del plan de 12 meses."}
	f.machines.machine.States["pitching_12x"] = cfg

	result, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, inboundText("me interesa"))
	require.NoError(t, err)

	require.Len(t, result.Responses, 2, "entry message rides along after the reply")
	assert.Equal(t, "Te comparto los detalles del plan de 12 meses.", result.Responses[1].Content)
	require.Len(t, f.messages.outbound(), 2, "entry message is persisted too")
	assert.Len(t, result.OutboundIDs, 2)
}

func TestProcessMessageLLMFailureBubbles(t *testing.T) {
	f := newFixture(t, "")
	f.llm.err = fmt.Errorf("upstream timeout")

	_, err := f.engine.ProcessMessage(context.Background(), f.tenant, f.key, inboundText("hola"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to generate turn reply")
	assert.Empty(t, f.messages.outbound(), "no outbound persisted on transient failure")
}
