package followup

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveline-ai/waveline/pkg/models"
	"github.com/waveline-ai/waveline/pkg/store"
)

type memQueue struct {
	items     map[string]*models.FollowupItem
	scheduled []models.FollowupItem
}

func newMemQueue(items ...*models.FollowupItem) *memQueue {
	q := &memQueue{items: map[string]*models.FollowupItem{}}
	for _, it := range items {
		q.items[it.ID] = it
	}
	return q
}

func (q *memQueue) GetDue(_ context.Context, _ string, _ int) ([]models.FollowupItem, error) {
	var due []models.FollowupItem
	for _, it := range q.items {
		if it.Status == models.FollowupPending && it.ProcessingStartedAt == nil &&
			!it.ScheduledAt.After(time.Now()) && it.RetryCount < models.FollowupMaxRetries {
			due = append(due, *it)
		}
	}
	return due, nil
}

func (q *memQueue) HasDue(ctx context.Context, tenantID string) (bool, error) {
	due, err := q.GetDue(ctx, tenantID, 1)
	return len(due) > 0, err
}

func (q *memQueue) Claim(_ context.Context, _ string, id string) error {
	it := q.items[id]
	if it == nil || it.ProcessingStartedAt != nil || it.Status != models.FollowupPending {
		return store.ErrAlreadyClaimed
	}
	now := time.Now().UTC()
	it.ProcessingStartedAt = &now
	return nil
}

func (q *memQueue) MarkSent(_ context.Context, _ string, id string) error {
	it := q.items[id]
	it.Status = models.FollowupSent
	it.ProcessingStartedAt = nil
	return nil
}

func (q *memQueue) MarkFailed(_ context.Context, _ string, id, errMsg string) error {
	it := q.items[id]
	it.Status = models.FollowupFailed
	it.LastError = errMsg
	it.ProcessingStartedAt = nil
	return nil
}

func (q *memQueue) ReleaseForRetry(_ context.Context, _ string, id, errMsg string) error {
	it := q.items[id]
	it.ProcessingStartedAt = nil
	it.RetryCount++
	it.LastError = errMsg
	return nil
}

func (q *memQueue) Schedule(_ context.Context, _ string, item *models.FollowupItem) error {
	q.scheduled = append(q.scheduled, *item)
	return nil
}

func (q *memQueue) CleanupStaleLocks(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

type fakeSessions struct{ session *models.Session }

func (f *fakeSessions) FindByID(_ context.Context, _, _ string) (*models.Session, error) {
	if f.session == nil {
		return nil, store.ErrNotFound
	}
	return f.session, nil
}

type fakeMessages struct{ saved []models.Message }

func (f *fakeMessages) Save(_ context.Context, _ string, msg *models.Message) error {
	f.saved = append(f.saved, *msg)
	return nil
}

type fakeTenantStore struct{ tenant *models.Tenant }

func (f *fakeTenantStore) ListActive(_ context.Context) ([]*models.Tenant, error) {
	return []*models.Tenant{f.tenant}, nil
}

func (f *fakeTenantStore) FindByID(_ context.Context, _ string) (*models.Tenant, error) {
	return f.tenant, nil
}

type fakeConfigs struct {
	machine *models.StateMachine
	configs map[string]*models.FollowupConfig
}

func (f *fakeConfigs) FindActive(_ context.Context, _, _ string) (*models.StateMachine, error) {
	return f.machine, nil
}

func (f *fakeConfigs) GetFollowupConfig(_ context.Context, _ string, name string) (*models.FollowupConfig, error) {
	cfg, ok := f.configs[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cfg, nil
}

type fakeLocks struct {
	held     bool
	acquired int
	released int
}

func (f *fakeLocks) Acquire(_ context.Context, _ string, _ time.Duration) (bool, error) {
	if f.held {
		return false, nil
	}
	f.acquired++
	return true, nil
}

func (f *fakeLocks) Release(_ context.Context, _ string) error {
	f.released++
	return nil
}

type fakeGenerator struct {
	responses []models.OutboundResponse
	vars      map[string]string
}

func (f *fakeGenerator) GenerateFollowup(_ context.Context, _ *models.Tenant, _ string) ([]models.OutboundResponse, models.StateConfig, error) {
	return f.responses, models.StateConfig{}, nil
}

func (f *fakeGenerator) GenerateFollowupVariable(_ context.Context, _ *models.Tenant, _, prompt string) (string, error) {
	return f.vars[prompt], nil
}

type fakeSender struct {
	texts     []string
	templates []string
	err       error
}

func (f *fakeSender) SendText(_ context.Context, _ *models.Tenant, _ models.SessionKey, text, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.texts = append(f.texts, text)
	return "wamid.out", nil
}

func (f *fakeSender) SendTemplate(_ context.Context, _ *models.Tenant, _ models.SessionKey, tpl models.TemplateMessage) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.templates = append(f.templates, tpl.Name)
	return "wamid.out", nil
}

type workerFixture struct {
	worker   *Worker
	queue    *memQueue
	sessions *fakeSessions
	messages *fakeMessages
	configs  *fakeConfigs
	locks    *fakeLocks
	sender   *fakeSender
}

func newWorkerFixture(t *testing.T, items ...*models.FollowupItem) *workerFixture {
	t.Helper()
	f := &workerFixture{
		queue: newMemQueue(items...),
		sessions: &fakeSessions{session: &models.Session{
			ID:            "sess-1",
			Key:           models.SessionKey{Channel: models.ChannelWhatsApp, EndpointID: "555001", UserID: "521555"},
			CurrentState:  "pitching",
			Status:        models.SessionActive,
			Context:       map[string]any{"name": "Juan"},
			LastMessageAt: time.Now().Add(-2 * time.Hour),
		}},
		messages: &fakeMessages{},
		configs: &fakeConfigs{
			machine: &models.StateMachine{
				Name:         "sales",
				InitialState: "pitching",
				States: map[string]models.StateConfig{
					"pitching": {
						Objective: "Pitch",
						FollowupSequence: []models.FollowupStep{
							{ConfigName: "nudge", Delay: "2h"},
							{ConfigName: "last_chance", Delay: "1d"},
						},
					},
				},
			},
			configs: map[string]*models.FollowupConfig{
				"nudge": {
					Name: "nudge",
					Type: models.FollowupText,
					Body: "Hola {{name}}, ¿seguimos?",
					Variables: []models.FollowupVariable{
						{Key: "name", Type: models.VariableContext, Field: "name"},
					},
				},
			},
		},
		locks:  &fakeLocks{},
		sender: &fakeSender{},
	}

	tenant := &models.Tenant{ID: "tenant-1", StateMachineName: "sales"}
	f.worker = New(f.queue, f.sessions, f.messages, &fakeTenantStore{tenant: tenant},
		f.configs, f.locks, &fakeGenerator{
			responses: []models.OutboundResponse{{Type: models.ResponseText, Content: "generated nudge"}},
		}, f.sender, Config{FallbackTemplate: "re_engagement"}, slog.Default())
	return f
}

func dueItem(id, configName string, index int) *models.FollowupItem {
	return &models.FollowupItem{
		ID:            id,
		SessionID:     "sess-1",
		ScheduledAt:   time.Now().Add(-time.Minute),
		Type:          models.FollowupText,
		ConfigName:    configName,
		SequenceIndex: index,
		Status:        models.FollowupPending,
	}
}

func TestWorkerRun(t *testing.T) {
	t.Run("delivers config follow-up and schedules next step", func(t *testing.T) {
		f := newWorkerFixture(t, dueItem("item-1", "nudge", 0))

		require.NoError(t, f.worker.Run(context.Background()))

		require.Len(t, f.sender.texts, 1)
		assert.Equal(t, "Hola Juan, ¿seguimos?", f.sender.texts[0])
		assert.Equal(t, models.FollowupSent, f.queue.items["item-1"].Status)

		require.Len(t, f.messages.saved, 1)
		assert.Equal(t, models.DirectionOutbound, f.messages.saved[0].Direction)
		assert.Equal(t, models.DeliverySent, f.messages.saved[0].DeliveryStatus)

		require.Len(t, f.queue.scheduled, 1)
		next := f.queue.scheduled[0]
		assert.Equal(t, 1, next.SequenceIndex)
		assert.Equal(t, "last_chance", next.ConfigName)
		assert.WithinDuration(t, time.Now().Add(24*time.Hour), next.ScheduledAt, time.Minute)
	})

	t.Run("generates dynamic follow-up without config", func(t *testing.T) {
		f := newWorkerFixture(t, dueItem("item-1", "", 1))

		require.NoError(t, f.worker.Run(context.Background()))

		require.Len(t, f.sender.texts, 1)
		assert.Equal(t, "generated nudge", f.sender.texts[0])
		assert.Empty(t, f.queue.scheduled, "last index schedules nothing")
	})

	t.Run("forces template outside session window", func(t *testing.T) {
		f := newWorkerFixture(t, dueItem("item-1", "nudge", 0))
		f.sessions.session.LastMessageAt = time.Now().Add(-26 * time.Hour)

		require.NoError(t, f.worker.Run(context.Background()))

		assert.Empty(t, f.sender.texts)
		require.Len(t, f.sender.templates, 1)
		assert.Equal(t, "re_engagement", f.sender.templates[0])
		assert.Equal(t, models.FollowupSent, f.queue.items["item-1"].Status)
	})

	t.Run("skips pass when lock held", func(t *testing.T) {
		f := newWorkerFixture(t, dueItem("item-1", "nudge", 0))
		f.locks.held = true

		require.NoError(t, f.worker.Run(context.Background()))
		assert.Empty(t, f.sender.texts)
		assert.Equal(t, models.FollowupPending, f.queue.items["item-1"].Status)
	})

	t.Run("releases for retry on delivery failure", func(t *testing.T) {
		f := newWorkerFixture(t, dueItem("item-1", "nudge", 0))
		f.sender.err = fmt.Errorf("channel 500")

		require.NoError(t, f.worker.Run(context.Background()))

		it := f.queue.items["item-1"]
		assert.Equal(t, models.FollowupPending, it.Status)
		assert.Nil(t, it.ProcessingStartedAt)
		assert.Equal(t, 1, it.RetryCount)
		assert.Contains(t, it.LastError, "channel 500")
	})

	t.Run("exhausted retry budget dead-letters the item", func(t *testing.T) {
		item := dueItem("item-1", "nudge", 0)
		item.RetryCount = models.FollowupMaxRetries
		f := newWorkerFixture(t, item)

		require.NoError(t, f.worker.Run(context.Background()))

		assert.Empty(t, f.sender.texts, "dead letter is never re-attempted")
		assert.Empty(t, f.sender.templates)
		assert.Equal(t, models.FollowupPending, f.queue.items["item-1"].Status)
		assert.Equal(t, models.FollowupMaxRetries, f.queue.items["item-1"].RetryCount)
	})

	t.Run("fails item for missing session", func(t *testing.T) {
		f := newWorkerFixture(t, dueItem("item-1", "nudge", 0))
		f.sessions.session = nil

		require.NoError(t, f.worker.Run(context.Background()))
		assert.Equal(t, models.FollowupFailed, f.queue.items["item-1"].Status)
	})

	t.Run("fails item for escalated session", func(t *testing.T) {
		f := newWorkerFixture(t, dueItem("item-1", "nudge", 0))
		f.sessions.session.Escalated = true
		f.sessions.session.Status = models.SessionPaused

		require.NoError(t, f.worker.Run(context.Background()))
		assert.Empty(t, f.sender.texts)
		assert.Equal(t, models.FollowupFailed, f.queue.items["item-1"].Status)
	})
}
