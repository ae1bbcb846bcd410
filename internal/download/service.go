// Package download issues and redeems single-use, time-limited tokens
// that gate access to the distributable artifact. Token issuance is
// rate-limited per email; redemption rides on the store's atomic
// mark-used transition so concurrent redeems resolve to exactly one
// success.
package download

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"keygate/internal/audit"
	"keygate/internal/domain"
	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/store"
)

const (
	defaultTokenTTL   = time.Hour
	defaultRequestGap = 24 * time.Hour
	tokenBytes        = 32
)

// Service issues and redeems download tokens.
type Service struct {
	licenses  store.LicenseStore
	tokens    store.TokenStore
	artifacts ArtifactStore
	audit     *audit.Logger
	metrics   *infrastructure.Metrics
	logger    *slog.Logger

	fileName   string
	tokenTTL   time.Duration
	requestGap time.Duration

	// clock is injectable for tests; defaults to time.Now.
	clock func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the service's time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *infrastructure.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTokenTTL overrides the token validity window.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) { s.tokenTTL = ttl }
}

// WithRequestGap overrides the per-email issuance gap.
func WithRequestGap(gap time.Duration) Option {
	return func(s *Service) { s.requestGap = gap }
}

// NewService wires the download token service.
func NewService(
	stores *store.Stores,
	artifacts ArtifactStore,
	auditLogger *audit.Logger,
	logger *slog.Logger,
	fileName string,
	opts ...Option,
) *Service {
	s := &Service{
		licenses:   stores.Licenses,
		tokens:     stores.Tokens,
		artifacts:  artifacts,
		audit:      auditLogger,
		logger:     logger.With(slog.String("component", "download")),
		fileName:   fileName,
		tokenTTL:   defaultTokenTTL,
		requestGap: defaultRequestGap,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestToken issues a download token for the license holder. The
// license must be active and belong to the email, and the email must not
// have received a token within the issuance gap. Only the newest token
// matters for the gap check; earlier tokens, used or not, are history.
// Every attempt, granted or refused, lands in the audit trail with the
// caller's ip and user agent.
func (s *Service) RequestToken(ctx context.Context, licenseKey, email, ip, userAgent string) (*domain.DownloadToken, error) {
	now := s.clock()
	log := infrastructure.LoggerFromContext(ctx).With(
		slog.String("component", "download"),
		slog.String("license_key", licenseKey),
	)

	license, err := s.licenses.Get(ctx, licenseKey)
	if errors.Is(err, apperrors.ErrLicenseNotFound) {
		s.auditIssue(licenseKey, false, apperrors.ErrLicenseNotFound, ip, userAgent, now)
		return nil, apperrors.ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}

	if cause := s.entitlementError(ctx, license, now, log); cause != nil {
		s.auditIssue(licenseKey, false, cause, ip, userAgent, now)
		return nil, cause
	}
	// An email that does not own the license gets the same answer as an
	// unknown license.
	if license.Email != email {
		s.auditIssue(licenseKey, false, apperrors.ErrLicenseNotFound, ip, userAgent, now)
		return nil, apperrors.ErrLicenseNotFound
	}

	latest, exists, err := s.tokens.LatestCreatedAt(ctx, email)
	if err != nil {
		return nil, err
	}
	if exists && now.Sub(latest) < s.requestGap {
		log.WarnContext(ctx, "download token request rate limited",
			slog.Time("last_issued_at", latest))
		s.auditIssue(licenseKey, false, apperrors.ErrRateLimited, ip, userAgent, now)
		return nil, apperrors.ErrRateLimited
	}

	tokenID, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate download token: %w", err)
	}

	expiresAt := now.Add(s.tokenTTL)
	signedURL, err := s.artifacts.SignedURL(s.fileName, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to sign artifact URL: %w", err)
	}

	token := &domain.DownloadToken{
		Token:      tokenID,
		LicenseKey: licenseKey,
		Email:      email,
		FileName:   s.fileName,
		SignedURL:  signedURL,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}
	if err := s.tokens.Create(ctx, token); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.TokensIssued.Inc()
	}
	s.auditIssue(licenseKey, true, nil, ip, userAgent, now)
	log.InfoContext(ctx, "download token issued",
		slog.Time("expires_at", expiresAt))

	return token, nil
}

// Redeem exchanges a token for its signed artifact URL, at most once.
// The check order is fixed so the caller sees the right denial: unknown
// token, then already used, then expired. The used transition itself is
// a conditional write; when two redeems race, the loser of that write
// reports already used.
func (s *Service) Redeem(ctx context.Context, tokenID string, ip, userAgent string) (string, error) {
	now := s.clock()
	log := infrastructure.LoggerFromContext(ctx).With(
		slog.String("component", "download"),
	)

	token, err := s.tokens.Get(ctx, tokenID)
	if errors.Is(err, apperrors.ErrTokenNotFound) {
		s.recordRedemption("not_found")
		s.auditRedeem("", "", false, apperrors.ErrTokenNotFound, ip, userAgent, now)
		return "", apperrors.ErrTokenNotFound
	}
	if err != nil {
		return "", err
	}

	if token.IsUsed {
		s.recordRedemption("already_used")
		s.auditRedeem(token.LicenseKey, tokenID, false, apperrors.ErrTokenAlreadyUsed, ip, userAgent, now)
		return "", apperrors.ErrTokenAlreadyUsed
	}
	if token.ExpiredAt(now) {
		s.recordRedemption("expired")
		s.auditRedeem(token.LicenseKey, tokenID, false, apperrors.ErrTokenExpired, ip, userAgent, now)
		return "", apperrors.ErrTokenExpired
	}

	won, err := s.tokens.MarkUsed(ctx, tokenID, now, ip, userAgent)
	if err != nil {
		return "", err
	}
	if !won {
		s.recordRedemption("already_used")
		s.auditRedeem(token.LicenseKey, tokenID, false, apperrors.ErrTokenAlreadyUsed, ip, userAgent, now)
		return "", apperrors.ErrTokenAlreadyUsed
	}

	s.recordRedemption("success")
	s.auditRedeem(token.LicenseKey, tokenID, true, nil, ip, userAgent, now)
	log.InfoContext(ctx, "download token redeemed",
		slog.String("license_key", token.LicenseKey))

	return token.SignedURL, nil
}

// entitlementError returns the reason the license cannot receive a token,
// or nil when it is active.
func (s *Service) entitlementError(ctx context.Context, license *domain.License, now time.Time, log *slog.Logger) error {
	switch {
	case license.Status == domain.StatusRevoked:
		return apperrors.ErrLicenseRevoked
	case license.Status == domain.StatusExpired:
		return apperrors.ErrLicenseExpired
	case license.Expired(now):
		if err := s.licenses.MarkExpired(ctx, license.Key); err != nil {
			log.ErrorContext(ctx, "failed to persist expiry demotion",
				slog.String("error", err.Error()))
		}
		return apperrors.ErrLicenseExpired
	}
	return nil
}

func (s *Service) auditIssue(licenseKey string, success bool, cause error, ip, userAgent string, now time.Time) {
	s.audit.Append(&domain.AuditEntry{
		LicenseKey: licenseKey,
		EventType:  domain.EventDownloadIssued,
		Success:    success,
		ErrorCode:  apperrors.Code(cause),
		Details:    fmt.Sprintf("ip=%s user_agent=%s", ip, userAgent),
		CreatedAt:  now,
	})
}

func (s *Service) auditRedeem(licenseKey, tokenID string, success bool, cause error, ip, userAgent string, now time.Time) {
	s.audit.Append(&domain.AuditEntry{
		LicenseKey: licenseKey,
		EventType:  domain.EventDownloadRedeemed,
		Success:    success,
		ErrorCode:  apperrors.Code(cause),
		Details:    fmt.Sprintf("token=%s ip=%s user_agent=%s", tokenID, ip, userAgent),
		CreatedAt:  now,
	})
}

func (s *Service) recordRedemption(outcome string) {
	if s.metrics != nil {
		s.metrics.TokenRedemptions.WithLabelValues(outcome).Inc()
	}
}

// generateToken returns a cryptographically random URL-safe identifier.
func generateToken() (string, error) {
	bytes := make([]byte, tokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
