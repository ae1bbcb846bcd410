package app

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/infrastructure"
)

func newTestApp(t *testing.T) *Application {
	t.Helper()
	infrastructure.ResetLoggerForTesting()
	t.Setenv("KEYGATE_DATABASE_PATH", ":memory:")
	t.Setenv("KEYGATE_LOGGING_OUTPUT", "console")

	app, err := NewApplication()
	require.NoError(t, err)
	t.Cleanup(app.Audit.Close)
	return app
}

func TestNewApplicationWiresEverything(t *testing.T) {
	app := newTestApp(t)

	assert.NotNil(t, app.Config)
	assert.NotNil(t, app.Stores)
	assert.NotNil(t, app.Validator)
	assert.NotNil(t, app.Admin)
	assert.NotNil(t, app.Downloads)
	assert.NotNil(t, app.Router)
	assert.NotNil(t, app.Server)
}

func TestRouterServesHealth(t *testing.T) {
	app := newTestApp(t)

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestRouterServesMetrics(t *testing.T) {
	app := newTestApp(t)

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateEndToEnd(t *testing.T) {
	app := newTestApp(t)

	// Unknown license renders a problem document through the full chain.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate",
		jsonBody(`{"license_key":"KG-0000","device_id":"laptop-1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "License Not Found")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func jsonBody(s string) io.Reader { return strings.NewReader(s) }
