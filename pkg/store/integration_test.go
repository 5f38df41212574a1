package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveline-ai/waveline/pkg/debounce"
	"github.com/waveline-ai/waveline/pkg/models"
	"github.com/waveline-ai/waveline/pkg/store"
	"github.com/waveline-ai/waveline/test/util"
)

// seedTenant inserts a tenant with one WhatsApp channel and returns its ID.
func seedTenant(t *testing.T, db *sql.DB, channelID string) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()

	_, err := db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, namespace, state_machine_name, debounce)
		VALUES ($1, 'Acme', $2, 'sales', '{"enabled":true,"delayMs":5000}')`,
		id, "acme-"+id[:8])
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		INSERT INTO tenant_channels (tenant_id, kind, channel_id, access_token, app_secret)
		VALUES ($1, 'whatsapp', $2, 'token', 'app-secret')`, id, channelID)
	require.NoError(t, err)

	return id
}

func TestTenantStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := util.SetupTestDatabase(t)
	stores := store.New(db)
	ctx := context.Background()

	tenantID := seedTenant(t, db, "555001")

	t.Run("resolves tenant by channel identifier", func(t *testing.T) {
		tenant, err := stores.Tenants.FindByChannelID(ctx, models.ChannelWhatsApp, "555001")
		require.NoError(t, err)

		assert.Equal(t, tenantID, tenant.ID)
		assert.True(t, tenant.Debounce.Enabled)
		assert.Equal(t, 5*time.Second, tenant.Debounce.Delay)

		creds, ok := tenant.Credentials(models.ChannelWhatsApp)
		require.True(t, ok)
		assert.Equal(t, "555001", creds.ChannelID)
		assert.Equal(t, "app-secret", creds.AppSecret)
	})

	t.Run("unknown channel is not found", func(t *testing.T) {
		_, err := stores.Tenants.FindByChannelID(ctx, models.ChannelWhatsApp, "999999")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("lists active tenants", func(t *testing.T) {
		tenants, err := stores.Tenants.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, tenants, 1)
		assert.Equal(t, tenantID, tenants[0].ID)
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		_, err := stores.Tenants.FindByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestBufferStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := util.SetupTestDatabase(t)
	stores := store.New(db)
	ctx := context.Background()

	tenantID := seedTenant(t, db, "555001")
	key := models.SessionKey{Channel: models.ChannelWhatsApp, EndpointID: "555001", UserID: "5215550001234"}
	hash := debounce.HashKey(key)
	past := time.Now().UTC().Add(-time.Second)

	msg := func(id, text string) models.NormalizedMessage {
		return models.NormalizedMessage{ID: id, Type: models.MessageText, Content: text, Timestamp: time.Now().UTC()}
	}

	_, err := stores.Buffer.Add(ctx, tenantID, hash, key, msg("wamid.1", "hola"), past)
	require.NoError(t, err)
	_, err = stores.Buffer.Add(ctx, tenantID, hash, key, msg("wamid.2", "soy juan"), past)
	require.NoError(t, err)

	t.Run("mature scan finds the session", func(t *testing.T) {
		mature, err := stores.Buffer.GetMatureSessions(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, mature, 1)
		assert.Equal(t, tenantID, mature[0].TenantID)
		assert.Equal(t, hash, mature[0].SessionKeyHash)
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		require.NoError(t, stores.Buffer.ClaimSession(ctx, tenantID, hash))
		assert.ErrorIs(t, stores.Buffer.ClaimSession(ctx, tenantID, hash), store.ErrAlreadyClaimed)
	})

	t.Run("claimed session leaves the mature scan", func(t *testing.T) {
		mature, err := stores.Buffer.GetMatureSessions(ctx, "", 10)
		require.NoError(t, err)
		assert.Empty(t, mature)
	})

	t.Run("reads messages in received order", func(t *testing.T) {
		msgs, err := stores.Buffer.GetBySession(ctx, tenantID, hash)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "hola", msgs[0].Message.Content)
		assert.Equal(t, "soy juan", msgs[1].Message.Content)
		assert.Equal(t, key, msgs[0].Key)
	})

	t.Run("retry releases the claim and counts up", func(t *testing.T) {
		require.NoError(t, stores.Buffer.MarkForRetry(ctx, tenantID, hash, "llm timeout"))

		// Released rows are claimable again.
		require.NoError(t, stores.Buffer.ClaimSession(ctx, tenantID, hash))
		msgs, err := stores.Buffer.GetBySession(ctx, tenantID, hash)
		require.NoError(t, err)
		require.NotEmpty(t, msgs)
		assert.Equal(t, 1, msgs[0].RetryCount)
		assert.Equal(t, "llm timeout", msgs[0].LastError)
	})

	t.Run("drain deletes the rows", func(t *testing.T) {
		msgs, err := stores.Buffer.GetBySession(ctx, tenantID, hash)
		require.NoError(t, err)
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		require.NoError(t, stores.Buffer.DeleteByIDs(ctx, tenantID, ids))

		pending, err := stores.Buffer.HasPendingMessages(ctx, tenantID, hash)
		require.NoError(t, err)
		assert.False(t, pending)
	})
}

// seedSession inserts a contact and an active session for the tenant.
func seedSession(t *testing.T, db *sql.DB, tenantID string) string {
	t.Helper()
	ctx := context.Background()

	contactID := uuid.NewString()
	_, err := db.ExecContext(ctx, `
		INSERT INTO contacts (id, tenant_id, phone) VALUES ($1, $2, '5215550001234')`,
		contactID, tenantID)
	require.NoError(t, err)

	sessionID := uuid.NewString()
	_, err = db.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, contact_id, channel, endpoint_id, user_id, current_state)
		VALUES ($1, $2, $3, 'whatsapp', '555001', '5215550001234', 'pitching')`,
		sessionID, tenantID, contactID)
	require.NoError(t, err)

	return sessionID
}

func TestFollowupStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := util.SetupTestDatabase(t)
	stores := store.New(db)
	ctx := context.Background()

	tenantID := seedTenant(t, db, "555001")
	sessionID := seedSession(t, db, tenantID)

	item := &models.FollowupItem{
		SessionID:   sessionID,
		ScheduledAt: time.Now().UTC().Add(-time.Minute),
		Type:        models.FollowupText,
		ConfigName:  "nudge",
	}
	require.NoError(t, stores.Followups.Schedule(ctx, tenantID, item))

	t.Run("due scan finds the item", func(t *testing.T) {
		has, err := stores.Followups.HasDue(ctx, tenantID)
		require.NoError(t, err)
		assert.True(t, has)

		due, err := stores.Followups.GetDue(ctx, tenantID, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, item.ID, due[0].ID)
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		require.NoError(t, stores.Followups.Claim(ctx, tenantID, item.ID))
		assert.ErrorIs(t, stores.Followups.Claim(ctx, tenantID, item.ID), store.ErrAlreadyClaimed)
	})

	t.Run("exhausted retries dead-letter the item", func(t *testing.T) {
		require.NoError(t, stores.Followups.ReleaseForRetry(ctx, tenantID, item.ID, "channel 500"))
		for i := 1; i < models.FollowupMaxRetries; i++ {
			require.NoError(t, stores.Followups.Claim(ctx, tenantID, item.ID))
			require.NoError(t, stores.Followups.ReleaseForRetry(ctx, tenantID, item.ID, "channel 500"))
		}

		due, err := stores.Followups.GetDue(ctx, tenantID, 10)
		require.NoError(t, err)
		assert.Empty(t, due, "dead letter leaves the due scan")

		has, err := stores.Followups.HasDue(ctx, tenantID)
		require.NoError(t, err)
		assert.False(t, has)

		var status string
		var retries int
		require.NoError(t, db.QueryRowContext(ctx, `
			SELECT status, retry_count FROM followup_queue WHERE id = $1`, item.ID).Scan(&status, &retries))
		assert.Equal(t, "pending", status, "row stays for operator review")
		assert.Equal(t, models.FollowupMaxRetries, retries)
	})
}

func TestStateMachineEntryMessagesIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := util.SetupTestDatabase(t)
	stores := store.New(db)
	ctx := context.Background()

	tenantID := seedTenant(t, db, "555001")
	_, err := db.ExecContext(ctx, `
		INSERT INTO state_machines (id, tenant_id, name, initial_state, states, active)
		VALUES ($1, $2, 'sales', 'initial',
			'{"initial": {"objective": "Greet"},
			  "pitching": {"objective": "Pitch", "entryMessages": ["Te comparto el plan."]}}', TRUE)`,
		uuid.NewString(), tenantID)
	require.NoError(t, err)

	msgs, err := stores.StateMachines.GetStateEntryMessages(ctx, tenantID, "sales", "pitching")
	require.NoError(t, err)
	assert.Equal(t, []string{"Te comparto el plan."}, msgs)

	msgs, err = stores.StateMachines.GetStateEntryMessages(ctx, tenantID, "sales", "initial")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = stores.StateMachines.GetStateEntryMessages(ctx, tenantID, "sales", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWorkerLockIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := util.SetupTestDatabase(t)
	stores := store.New(db)
	ctx := context.Background()

	acquired, err := stores.WorkerLocks.Acquire(ctx, "followup-worker", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = stores.WorkerLocks.Acquire(ctx, "followup-worker", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "second acquire must lose while the lock is live")

	require.NoError(t, stores.WorkerLocks.Release(ctx, "followup-worker"))

	acquired, err = stores.WorkerLocks.Acquire(ctx, "followup-worker", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "released lock is acquirable")

	// An expired lock is taken over without a release.
	acquired, err = stores.WorkerLocks.Acquire(ctx, "debounce-sweeper", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)
	time.Sleep(50 * time.Millisecond)
	acquired, err = stores.WorkerLocks.Acquire(ctx, "debounce-sweeper", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}
