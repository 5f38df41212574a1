package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveline-ai/waveline/pkg/models"
	"github.com/waveline-ai/waveline/pkg/store"
)

type fakeSource struct {
	tenant       *models.Tenant
	channelCalls int
	idCalls      int
}

func (f *fakeSource) FindByChannelID(_ context.Context, _ models.ChannelKind, _ string) (*models.Tenant, error) {
	f.channelCalls++
	if f.tenant == nil {
		return nil, store.ErrNotFound
	}
	return f.tenant, nil
}

func (f *fakeSource) FindByID(_ context.Context, _ string) (*models.Tenant, error) {
	f.idCalls++
	if f.tenant == nil {
		return nil, store.ErrNotFound
	}
	return f.tenant, nil
}

func TestResolveChannel(t *testing.T) {
	t.Run("caches lookups", func(t *testing.T) {
		src := &fakeSource{tenant: &models.Tenant{ID: "tenant-1"}}
		r := New(src, time.Minute)

		for i := 0; i < 3; i++ {
			tenant, err := r.ResolveChannel(context.Background(), models.ChannelWhatsApp, "555001")
			require.NoError(t, err)
			assert.Equal(t, "tenant-1", tenant.ID)
		}
		assert.Equal(t, 1, src.channelCalls, "one backing lookup for three resolves")

		// Channel resolution also primes the by-ID cache.
		_, err := r.FindByID(context.Background(), "tenant-1")
		require.NoError(t, err)
		assert.Zero(t, src.idCalls)
	})

	t.Run("expired entries reload", func(t *testing.T) {
		src := &fakeSource{tenant: &models.Tenant{ID: "tenant-1"}}
		r := New(src, time.Millisecond)

		_, err := r.ResolveChannel(context.Background(), models.ChannelWhatsApp, "555001")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = r.ResolveChannel(context.Background(), models.ChannelWhatsApp, "555001")
		require.NoError(t, err)

		assert.Equal(t, 2, src.channelCalls)
	})

	t.Run("unknown channel propagates error", func(t *testing.T) {
		r := New(&fakeSource{}, time.Minute)
		_, err := r.ResolveChannel(context.Background(), models.ChannelWhatsApp, "nope")
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestInvalidate(t *testing.T) {
	src := &fakeSource{tenant: &models.Tenant{ID: "tenant-1"}}
	r := New(src, time.Minute)

	_, err := r.ResolveChannel(context.Background(), models.ChannelWhatsApp, "555001")
	require.NoError(t, err)

	r.Invalidate("tenant-1")

	_, err = r.ResolveChannel(context.Background(), models.ChannelWhatsApp, "555001")
	require.NoError(t, err)
	assert.Equal(t, 2, src.channelCalls, "invalidation forces a reload")
}
