package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/stretchr/testify/require"

	"keygate/internal/audit"
	"keygate/internal/domain"
	"keygate/internal/download"
	"keygate/internal/license"
	"keygate/internal/middleware"
	"keygate/internal/notify"
	"keygate/internal/store"
)

// testServer wires real services over an in-memory store behind the
// production router layout.
type testServer struct {
	router  chi.Router
	stores  *store.Stores
	auditor *audit.Logger
	now     time.Time
	ctx     context.Context
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	stores := store.NewStores(db)

	ts := &testServer{
		stores: stores,
		now:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		ctx:    context.Background(),
	}
	clock := func() time.Time { return ts.now }

	logger := slog.Default()
	ts.auditor = audit.NewLogger(stores.Audit, logger, nil)
	t.Cleanup(ts.auditor.Close)

	validator := license.NewValidator(stores, ts.auditor, notify.Noop{}, logger,
		license.WithClock(clock))
	admin := license.NewAdmin(stores, ts.auditor, logger)
	signer := download.NewURLSigner("https://artifacts.example.com", "test-secret")
	downloads := download.NewService(stores, signer, ts.auditor, logger, "keygate-client.zip",
		download.WithClock(clock))

	validateHandler := NewValidateHandler(validator, logger, 2, time.Millisecond)
	downloadHandler := NewDownloadHandler(downloads, logger, 2, time.Millisecond)
	adminHandler := NewAdminHandler(admin, logger)
	healthHandler := NewHealthHandler(db, "test", logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Mount("/", validateHandler.Routes())
		r.Mount("/downloads", downloadHandler.APIRoutes())
		r.Mount("/admin", adminHandler.Routes())
		r.Mount("/health", healthHandler.Routes())
	})
	r.Mount("/d", downloadHandler.RedeemRoutes())
	ts.router = r

	return ts
}

func (ts *testServer) seedLicense(t *testing.T, key, email string, mutate ...func(*domain.License)) {
	t.Helper()
	l := &domain.License{
		Key:                key,
		Email:              email,
		Plan:               "pro",
		Status:             domain.StatusActive,
		ExpiresAt:          ts.now.Add(30 * 24 * time.Hour),
		GracePeriodAllowed: true,
	}
	for _, m := range mutate {
		m(l)
	}
	require.NoError(t, ts.stores.Licenses.Create(ts.ctx, l))
}

func (ts *testServer) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) delete(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodDelete, path, nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
