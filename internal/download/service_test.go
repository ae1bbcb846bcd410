package download

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"keygate/internal/audit"
	"keygate/internal/domain"
	apperrors "keygate/internal/errors"
	"keygate/internal/store"
)

type DownloadServiceTestSuite struct {
	suite.Suite
	stores  *store.Stores
	auditor *audit.Logger
	service *Service
	ctx     context.Context
	now     time.Time
}

func (s *DownloadServiceTestSuite) SetupTest() {
	db, err := store.Open(":memory:")
	require.NoError(s.T(), err)
	s.stores = store.NewStores(db)
	s.auditor = audit.NewLogger(s.stores.Audit, slog.Default(), nil)
	s.now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	signer := NewURLSigner("https://artifacts.example.com", "test-signing-secret")
	s.service = NewService(s.stores, signer, s.auditor, slog.Default(), "keygate-client.zip",
		WithClock(func() time.Time { return s.now }))
	s.ctx = context.Background()
}

func (s *DownloadServiceTestSuite) TearDownTest() {
	s.auditor.Close()
}

func TestDownloadServiceTestSuite(t *testing.T) {
	suite.Run(t, new(DownloadServiceTestSuite))
}

func (s *DownloadServiceTestSuite) seedLicense(key, email string, mutate ...func(*domain.License)) {
	license := &domain.License{
		Key:                key,
		Email:              email,
		Plan:               "pro",
		Status:             domain.StatusActive,
		ExpiresAt:          s.now.Add(30 * 24 * time.Hour),
		GracePeriodAllowed: true,
	}
	for _, m := range mutate {
		m(license)
	}
	require.NoError(s.T(), s.stores.Licenses.Create(s.ctx, license))
}

func (s *DownloadServiceTestSuite) TestTokenLifecycle() {
	s.seedLicense("KG-DL", "buyer@example.com")

	token, err := s.service.RequestToken(s.ctx, "KG-DL", "buyer@example.com", "203.0.113.7", "keygate-portal")
	require.NoError(s.T(), err)
	assert.NotEmpty(s.T(), token.Token)
	assert.Equal(s.T(), s.now.Add(time.Hour), token.ExpiresAt)
	assert.Contains(s.T(), token.SignedURL, "keygate-client.zip")
	assert.Contains(s.T(), token.SignedURL, "sig=")

	// Redeem half way through the validity window.
	s.now = s.now.Add(30 * time.Minute)
	url, err := s.service.Redeem(s.ctx, token.Token, "203.0.113.7", "curl/8.0")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), token.SignedURL, url)

	// Second redeem of the same token.
	_, err = s.service.Redeem(s.ctx, token.Token, "203.0.113.7", "curl/8.0")
	assert.ErrorIs(s.T(), err, apperrors.ErrTokenAlreadyUsed)

	// A fresh request inside the issuance gap is refused even though the
	// first token is spent.
	_, err = s.service.RequestToken(s.ctx, "KG-DL", "buyer@example.com", "203.0.113.7", "keygate-portal")
	assert.ErrorIs(s.T(), err, apperrors.ErrRateLimited)

	stored, err := s.stores.Tokens.Get(s.ctx, token.Token)
	require.NoError(s.T(), err)
	assert.True(s.T(), stored.IsUsed)
	assert.Equal(s.T(), "203.0.113.7", stored.UsedByIP)
	assert.Equal(s.T(), "curl/8.0", stored.UsedByUserAgent)
}

func (s *DownloadServiceTestSuite) TestRequestGapElapsed() {
	s.seedLicense("KG-GAP", "buyer@example.com")

	_, err := s.service.RequestToken(s.ctx, "KG-GAP", "buyer@example.com", "203.0.113.7", "keygate-portal")
	require.NoError(s.T(), err)

	s.now = s.now.Add(24 * time.Hour)
	_, err = s.service.RequestToken(s.ctx, "KG-GAP", "buyer@example.com", "203.0.113.7", "keygate-portal")
	assert.NoError(s.T(), err)
}

func (s *DownloadServiceTestSuite) TestRequestUnknownLicense() {
	_, err := s.service.RequestToken(s.ctx, "KG-NOPE", "buyer@example.com", "203.0.113.7", "keygate-portal")
	assert.ErrorIs(s.T(), err, apperrors.ErrLicenseNotFound)
}

func (s *DownloadServiceTestSuite) TestRequestEmailMismatch() {
	s.seedLicense("KG-OWN", "owner@example.com")

	// A wrong email gets the same answer as an unknown license.
	_, err := s.service.RequestToken(s.ctx, "KG-OWN", "stranger@example.com", "203.0.113.7", "keygate-portal")
	assert.ErrorIs(s.T(), err, apperrors.ErrLicenseNotFound)
}

func (s *DownloadServiceTestSuite) TestRequestRevokedLicense() {
	s.seedLicense("KG-REV", "buyer@example.com", func(l *domain.License) {
		l.Status = domain.StatusRevoked
	})

	_, err := s.service.RequestToken(s.ctx, "KG-REV", "buyer@example.com", "203.0.113.7", "keygate-portal")
	assert.ErrorIs(s.T(), err, apperrors.ErrLicenseRevoked)
}

func (s *DownloadServiceTestSuite) TestRequestExpiredLicenseDemotesStatus() {
	s.seedLicense("KG-OLD", "buyer@example.com", func(l *domain.License) {
		l.ExpiresAt = s.now.Add(-time.Hour)
	})

	_, err := s.service.RequestToken(s.ctx, "KG-OLD", "buyer@example.com", "203.0.113.7", "keygate-portal")
	assert.ErrorIs(s.T(), err, apperrors.ErrLicenseExpired)

	stored, err := s.stores.Licenses.Get(s.ctx, "KG-OLD")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), domain.StatusExpired, stored.Status)
}

func (s *DownloadServiceTestSuite) TestRedeemUnknownToken() {
	_, err := s.service.Redeem(s.ctx, "no-such-token", "203.0.113.7", "curl/8.0")
	assert.ErrorIs(s.T(), err, apperrors.ErrTokenNotFound)
}

func (s *DownloadServiceTestSuite) TestRedeemExpiredToken() {
	s.seedLicense("KG-EXP", "buyer@example.com")

	token, err := s.service.RequestToken(s.ctx, "KG-EXP", "buyer@example.com", "203.0.113.7", "keygate-portal")
	require.NoError(s.T(), err)

	s.now = s.now.Add(2 * time.Hour)
	_, err = s.service.Redeem(s.ctx, token.Token, "203.0.113.7", "curl/8.0")
	assert.ErrorIs(s.T(), err, apperrors.ErrTokenExpired)

	// An expired attempt must not consume the token.
	stored, err := s.stores.Tokens.Get(s.ctx, token.Token)
	require.NoError(s.T(), err)
	assert.False(s.T(), stored.IsUsed)
}

func (s *DownloadServiceTestSuite) TestConcurrentRedeemSingleSuccess() {
	s.seedLicense("KG-RACE", "buyer@example.com")

	token, err := s.service.RequestToken(s.ctx, "KG-RACE", "buyer@example.com", "203.0.113.7", "keygate-portal")
	require.NoError(s.T(), err)

	const attempts = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, alreadyUsed := 0, 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.Redeem(s.ctx, token.Token, "203.0.113.7", "curl/8.0")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case apperrors.Code(err) == "ALREADY_USED":
				alreadyUsed++
			default:
				s.T().Errorf("unexpected redeem error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(s.T(), 1, successes, "exactly one redeem must win")
	assert.Equal(s.T(), attempts-1, alreadyUsed)
}

func (s *DownloadServiceTestSuite) TestAuditTrailRecordsIssueAndRedeem() {
	s.seedLicense("KG-AUD", "buyer@example.com")

	token, err := s.service.RequestToken(s.ctx, "KG-AUD", "buyer@example.com", "203.0.113.7", "keygate-portal")
	require.NoError(s.T(), err)
	_, err = s.service.Redeem(s.ctx, token.Token, "203.0.113.7", "curl/8.0")
	require.NoError(s.T(), err)

	s.auditor.Close()
	entries, err := s.stores.Audit.ListByLicense(s.ctx, "KG-AUD", 10)
	require.NoError(s.T(), err)

	var issued, redeemed bool
	for _, e := range entries {
		switch e.EventType {
		case domain.EventDownloadIssued:
			issued = e.Success
			assert.Contains(s.T(), e.Details, "ip=203.0.113.7")
			assert.Contains(s.T(), e.Details, "user_agent=keygate-portal")
		case domain.EventDownloadRedeemed:
			redeemed = e.Success
			assert.Contains(s.T(), e.Details, "203.0.113.7")
			assert.Contains(s.T(), e.Details, "curl/8.0")
		}
	}
	assert.True(s.T(), issued, "issue event missing from audit trail")
	assert.True(s.T(), redeemed, "redeem event missing from audit trail")
}
