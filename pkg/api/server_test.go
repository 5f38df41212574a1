package api

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveline-ai/waveline/pkg/database"
)

func trigger(router http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestInternalWorkerEndpoints(t *testing.T) {
	t.Run("rejects missing token", func(t *testing.T) {
		h := newHarness(testConfig(), testTenant())

		w := trigger(h.router, "/internal/workers/debounce/run", "")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Zero(t, h.workers.debounce.Load())
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		h := newHarness(testConfig(), testTenant())

		w := trigger(h.router, "/internal/workers/debounce/run", "wrong")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects all requests when no token is configured", func(t *testing.T) {
		cfg := testConfig()
		cfg.InternalToken = ""
		h := newHarness(cfg, testTenant())

		w := trigger(h.router, "/internal/workers/debounce/run", "")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("triggers a debounce pass", func(t *testing.T) {
		h := newHarness(testConfig(), testTenant())

		w := trigger(h.router, "/internal/workers/debounce/run", "internal-secret")

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Eventually(t, func() bool {
			return h.workers.debounce.Load() == 1
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("triggers a follow-up pass", func(t *testing.T) {
		h := newHarness(testConfig(), testTenant())

		w := trigger(h.router, "/internal/workers/followup/run", "internal-secret")

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Eventually(t, func() bool {
			return h.workers.followup.Load() == 1
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestHealthUnreachableDatabase(t *testing.T) {
	// sql.Open does not dial; the ping inside the handler fails against a
	// closed port and the endpoint reports unhealthy.
	db, err := sql.Open("pgx", "host=127.0.0.1 port=1 user=x dbname=x sslmode=disable connect_timeout=1")
	require.NoError(t, err)
	defer db.Close()

	h := newHarness(testConfig(), testTenant())
	h.server.db = database.NewClientFromDB(db)
	router := h.server.Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
}
