package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukex/dmflow/pkg/cmd"
	"github.com/dukex/dmflow/pkg/flow"
	"github.com/dukex/dmflow/pkg/inbound"
	"github.com/dukex/dmflow/pkg/log"
	"github.com/dukex/dmflow/pkg/metrics"
	"github.com/dukex/dmflow/pkg/mocks"
	"github.com/dukex/dmflow/pkg/otelhelper"
	"github.com/dukex/dmflow/pkg/persistence/memory"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "app-secret"

func setupTestApp(t *testing.T) (*fiber.App, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()
	m := metrics.NewMetrics()
	pipeline := cmd.NewPipeline(log.Discard(), store, mocks.NewPermissiveEventBus(), m, otelhelper.NoopTracer(), flow.DefaultConfig())

	api := NewAPI(log.Discard(), store, pipeline, m, WebhookConfig{AppSecret: testSecret, VerifyToken: "verify"})

	return api.App(), store
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	app, _ := setupTestApp(t)

	status, body := get(t, app, "/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "dmflow API", body)
}

func TestAPI_HealthCheck(t *testing.T) {
	app, _ := setupTestApp(t)

	status, body := get(t, app, "/livez")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)

	status, body = get(t, app, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "healthy")
}

func TestAPI_Metrics(t *testing.T) {
	app, _ := setupTestApp(t)

	status, body := get(t, app, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "dmflow_")
}

func TestAPI_WebhookStoresEvents(t *testing.T) {
	app, store := setupTestApp(t)

	status, body := get(t, app, "/webhook?hub.mode=subscribe&hub.verify_token=verify&hub.challenge=42")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "42", body)

	payload := `{"object":"instagram","entry":[{"id":"page-1","messaging":[{"sender":{"id":"user-1"},"recipient":{"id":"page-1"},"timestamp":1700000000000,"message":{"mid":"m_1","text":"hi"}}]}]}`

	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(inbound.SignatureHeader, inbound.SignatureFor(testSecret, []byte(payload)))

		resp, err := app.Test(req)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	stored, err := store.InboundEvents().ListUnprocessed(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestAPI_UnknownConversation(t *testing.T) {
	app, _ := setupTestApp(t)

	status, _ := get(t, app, "/conversations/missing")
	assert.Equal(t, http.StatusNotFound, status)
}
