package http

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/domain"
)

func requestToken(t *testing.T, ts *testServer, licenseKey, email string) map[string]any {
	t.Helper()
	rec := ts.postJSON(t, "/api/v1/downloads/tokens", map[string]string{
		"license_key": licenseKey,
		"email":       email,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	return decodeJSON(t, rec)
}

func TestRequestTokenIssued(t *testing.T) {
	ts := newTestServer(t)
	ts.seedLicense(t, "KG-2001", "buyer@example.com")

	body := requestToken(t, ts, "KG-2001", "buyer@example.com")
	assert.NotEmpty(t, body["token"])
	assert.NotEmpty(t, body["expires_at"])
}

func TestRequestTokenRateLimited(t *testing.T) {
	ts := newTestServer(t)
	ts.seedLicense(t, "KG-2002", "buyer@example.com")

	requestToken(t, ts, "KG-2002", "buyer@example.com")

	rec := ts.postJSON(t, "/api/v1/downloads/tokens", map[string]string{
		"license_key": "KG-2002",
		"email":       "buyer@example.com",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "RATE_LIMITED", body["error_code"])
}

func TestRequestTokenInvalidEmail(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.postJSON(t, "/api/v1/downloads/tokens", map[string]string{
		"license_key": "KG-2003",
		"email":       "not-an-email",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestTokenRevokedLicense(t *testing.T) {
	ts := newTestServer(t)
	ts.seedLicense(t, "KG-2004", "buyer@example.com", func(l *domain.License) {
		l.Status = domain.StatusRevoked
	})

	rec := ts.postJSON(t, "/api/v1/downloads/tokens", map[string]string{
		"license_key": "KG-2004",
		"email":       "buyer@example.com",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRedeemRedirectsToSignedURL(t *testing.T) {
	ts := newTestServer(t)
	ts.seedLicense(t, "KG-2005", "buyer@example.com")

	body := requestToken(t, ts, "KG-2005", "buyer@example.com")
	token := body["token"].(string)

	rec := ts.get(t, "/d/"+token)
	require.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.Contains(t, location, "artifacts.example.com")
	assert.Contains(t, location, "sig=")
}

func TestRedeemSecondAttemptForbidden(t *testing.T) {
	ts := newTestServer(t)
	ts.seedLicense(t, "KG-2006", "buyer@example.com")

	token := requestToken(t, ts, "KG-2006", "buyer@example.com")["token"].(string)

	require.Equal(t, http.StatusFound, ts.get(t, "/d/"+token).Code)

	rec := ts.get(t, "/d/"+token)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "Download Link Already Used", body["title"])
}

func TestRedeemExpiredTokenGone(t *testing.T) {
	ts := newTestServer(t)
	ts.seedLicense(t, "KG-2007", "buyer@example.com")

	token := requestToken(t, ts, "KG-2007", "buyer@example.com")["token"].(string)

	ts.now = ts.now.Add(2 * time.Hour)
	rec := ts.get(t, "/d/"+token)
	require.Equal(t, http.StatusGone, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "Download Link Expired", body["title"])
}

func TestRedeemUnknownTokenNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get(t, "/d/does-not-exist")
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "Download Not Found", body["title"])
}
