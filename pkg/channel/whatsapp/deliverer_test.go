package whatsapp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveline-ai/waveline/pkg/engine"
	"github.com/waveline-ai/waveline/pkg/models"
)

type fakeStatusStore struct {
	updates map[string]string // message id -> platform id
}

func (f *fakeStatusStore) UpdateDeliveryStatus(_ context.Context, _, messageID string, _ models.DeliveryStatus, platformMessageID string) error {
	if f.updates == nil {
		f.updates = map[string]string{}
	}
	f.updates[messageID] = platformMessageID
	return nil
}

func TestDeliver(t *testing.T) {
	t.Run("first response quotes the inbound", func(t *testing.T) {
		var payloads []map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			payloads = append(payloads, body)
			_, _ = w.Write([]byte(`{"messages": [{"id": "wamid.out"}]}`))
		}))
		defer srv.Close()

		statuses := &fakeStatusStore{}
		d := NewDeliverer(NewClient("", slog.Default()), statuses, slog.Default())

		result := &engine.TurnResult{
			SessionID: "sess-1",
			Responses: []models.OutboundResponse{
				{Type: models.ResponseText, Content: "claro"},
				{Type: models.ResponseText, Content: "¿algo más?"},
			},
			OutboundIDs: []string{"msg-1", "msg-2"},
			ReplyTo:     "wamid.inbound",
		}
		require.NoError(t, d.Deliver(context.Background(), testTenant(srv.URL), key, result))

		require.Len(t, payloads, 2)
		ctxPart := payloads[0]["context"].(map[string]any)
		assert.Equal(t, "wamid.inbound", ctxPart["message_id"])
		assert.NotContains(t, payloads[1], "context", "only the first response quotes")

		assert.Equal(t, "wamid.out", statuses.updates["msg-1"])
		assert.Equal(t, "wamid.out", statuses.updates["msg-2"])
	})

	t.Run("send failure leaves the stored message pending", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": {"message": "downstream", "code": 1}}`))
		}))
		defer srv.Close()

		statuses := &fakeStatusStore{}
		d := NewDeliverer(NewClient("", slog.Default()), statuses, slog.Default())

		result := &engine.TurnResult{
			SessionID:   "sess-1",
			Responses:   []models.OutboundResponse{{Type: models.ResponseText, Content: "hola"}},
			OutboundIDs: []string{"msg-1"},
		}
		require.Error(t, d.Deliver(context.Background(), testTenant(srv.URL), key, result))
		assert.Empty(t, statuses.updates)
	})
}
