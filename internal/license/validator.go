package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"keygate/internal/audit"
	"keygate/internal/domain"
	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/notify"
	"keygate/internal/store"
)

// Result is the outcome of one validation attempt. Business denials are
// reported here, not as errors; the only error a Validate call returns is
// a storage fault.
type Result struct {
	Allowed   bool           `json:"allowed"`
	Verdict   domain.Verdict `json:"verdict,omitempty"`
	Reason    domain.Reason  `json:"reason"`
	SessionID string         `json:"session_id,omitempty"`
}

// Validator orchestrates license validation and its side effects.
type Validator struct {
	licenses store.LicenseStore
	sessions store.SessionStore
	bans     store.BanStore
	detector *Detector
	audit    *audit.Logger
	notifier notify.Notifier
	metrics  *infrastructure.Metrics
	logger   *slog.Logger

	// clock is injectable for tests; defaults to time.Now.
	clock func() time.Time
}

// ValidatorOption customizes a Validator.
type ValidatorOption func(*Validator)

// WithClock overrides the validator's time source.
func WithClock(clock func() time.Time) ValidatorOption {
	return func(v *Validator) { v.clock = clock }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *infrastructure.Metrics) ValidatorOption {
	return func(v *Validator) { v.metrics = m }
}

// NewValidator wires the validation orchestrator.
func NewValidator(
	stores *store.Stores,
	auditLogger *audit.Logger,
	notifier notify.Notifier,
	logger *slog.Logger,
	opts ...ValidatorOption,
) *Validator {
	v := &Validator{
		licenses: stores.Licenses,
		sessions: stores.Sessions,
		bans:     stores.Bans,
		detector: NewDetector(),
		audit:    auditLogger,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "validator")),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate decides whether the device may operate under the license, and
// applies all side effects of that decision. Repeated calls from an
// already-allowed device are idempotent: the same session row is bumped,
// no duplicate sessions or ban entries appear, and no repeat notifications
// fire.
func (v *Validator) Validate(ctx context.Context, licenseKey, deviceID, deviceName string) (*Result, error) {
	now := v.clock()
	log := infrastructure.LoggerFromContext(ctx).With(
		slog.String("component", "validator"),
		slog.String("license_key", licenseKey),
		slog.String("device_id", deviceID),
	)

	// Ban check comes before anything else and touches no session state.
	banned, err := v.bans.IsBanned(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if banned {
		log.WarnContext(ctx, "validation rejected, device banned")
		v.recordVerdict("banned")
		v.audit.Append(&domain.AuditEntry{
			LicenseKey: licenseKey,
			DeviceID:   deviceID,
			EventType:  domain.EventBan,
			Success:    false,
			ErrorCode:  apperrors.Code(apperrors.ErrDeviceBanned),
			Details:    "validation denied for banned device",
			CreatedAt:  now,
		})
		return &Result{Allowed: false, Reason: domain.ReasonBanned}, nil
	}

	license, err := v.licenses.Get(ctx, licenseKey)
	if errors.Is(err, apperrors.ErrLicenseNotFound) {
		v.recordVerdict("not_found")
		v.auditValidation(licenseKey, deviceID, false, apperrors.ErrLicenseNotFound, now)
		return &Result{Allowed: false, Reason: domain.ReasonNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	if result := v.checkLicenseState(ctx, license, deviceID, now, log); result != nil {
		return result, nil
	}

	// Conflict-safe upsert keyed on (license_key, device_id); the
	// detector then runs against a post-write read, never a pre-write
	// snapshot.
	session, isNewDevice, err := v.sessions.Upsert(ctx, &domain.Session{
		LicenseKey: licenseKey,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Active:     true,
		CreatedAt:  now,
		LastSeenAt: now,
	})
	if err != nil {
		return nil, err
	}

	active, err := v.sessions.ListActive(ctx, licenseKey)
	if err != nil {
		return nil, err
	}

	verdict := v.detector.Evaluate(license, active, deviceID, isNewDevice)

	if verdict == domain.VerdictAllowFlagged {
		// Burn the one-shot grace atomically. Losing the swap means a
		// concurrent request consumed it first; this request escalates.
		won, err := v.licenses.ConsumeGrace(ctx, licenseKey)
		if err != nil {
			return nil, err
		}
		if !won {
			verdict = domain.VerdictDenyBan
		}
	}

	switch verdict {
	case domain.VerdictAllow:
		v.recordVerdict("allow")
		v.auditValidation(licenseKey, deviceID, true, nil, now)
		if isNewDevice {
			v.notifier.Notify(ctx, license.Email, notify.EventNewDevice, map[string]string{
				"license_key": licenseKey,
				"device_name": deviceName,
			})
		}
		log.InfoContext(ctx, "validation allowed", slog.String("session_id", session.SessionID))
		return &Result{
			Allowed:   true,
			Verdict:   domain.VerdictAllow,
			Reason:    domain.ReasonOK,
			SessionID: session.SessionID,
		}, nil

	case domain.VerdictAllowFlagged:
		v.recordVerdict("allow_flagged")
		v.audit.Append(&domain.AuditEntry{
			LicenseKey: licenseKey,
			DeviceID:   deviceID,
			EventType:  domain.EventDuplicateDetected,
			Success:    true,
			ErrorCode:  "",
			Details:    "second device tolerated under one-time grace",
			CreatedAt:  now,
		})
		// Exactly once: only the request that won the grace swap reaches
		// this branch.
		v.notifier.Notify(ctx, license.Email, notify.EventDuplicateDetected, map[string]string{
			"license_key": licenseKey,
			"device_name": deviceName,
		})
		log.WarnContext(ctx, "duplicate device tolerated under grace",
			slog.String("session_id", session.SessionID))
		return &Result{
			Allowed:   true,
			Verdict:   domain.VerdictAllowFlagged,
			Reason:    domain.ReasonDuplicateConflict,
			SessionID: session.SessionID,
		}, nil

	default: // domain.VerdictDenyBan
		return v.denyAndBan(ctx, license, session, deviceID, now, log)
	}
}

// checkLicenseState returns a deny result when the license cannot validate
// regardless of device history, or nil when it is usable.
func (v *Validator) checkLicenseState(ctx context.Context, license *domain.License, deviceID string, now time.Time, log *slog.Logger) *Result {
	switch {
	case license.Status == domain.StatusRevoked:
		v.recordVerdict("revoked")
		v.auditValidation(license.Key, deviceID, false, apperrors.ErrLicenseRevoked, now)
		return &Result{Allowed: false, Reason: domain.ReasonRevoked}

	case license.Status == domain.StatusExpired:
		v.recordVerdict("expired")
		v.auditValidation(license.Key, deviceID, false, apperrors.ErrLicenseExpired, now)
		return &Result{Allowed: false, Reason: domain.ReasonExpired}

	case license.Expired(now):
		// Expiry is enforced on read: demote the stored status so every
		// later reader sees the same state.
		if err := v.licenses.MarkExpired(ctx, license.Key); err != nil {
			log.ErrorContext(ctx, "failed to persist expiry demotion",
				slog.String("error", err.Error()))
		}
		v.recordVerdict("expired")
		v.auditValidation(license.Key, deviceID, false, apperrors.ErrLicenseExpired, now)
		return &Result{Allowed: false, Reason: domain.ReasonExpired}
	}
	return nil
}

// denyAndBan applies the strict-conflict outcome: the requesting (newer)
// device is deactivated and permanently banned; the original session keeps
// running.
func (v *Validator) denyAndBan(ctx context.Context, license *domain.License, session *domain.Session, deviceID string, now time.Time, log *slog.Logger) (*Result, error) {
	if err := v.sessions.Deactivate(ctx, session.SessionID); err != nil {
		return nil, err
	}

	newlyBanned, err := v.bans.Ban(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	v.recordVerdict("deny_ban")
	if v.metrics != nil && newlyBanned {
		v.metrics.BansTotal.Inc()
	}

	v.audit.Append(&domain.AuditEntry{
		LicenseKey: license.Key,
		DeviceID:   deviceID,
		EventType:  domain.EventBan,
		Success:    false,
		ErrorCode:  apperrors.Code(apperrors.ErrDeviceBanned),
		Details:    fmt.Sprintf("duplicate use denied, device banned (newly_banned=%t)", newlyBanned),
		CreatedAt:  now,
	})

	if newlyBanned {
		// Once per newly detected conflict, not on every poll.
		v.notifier.Notify(ctx, license.Email, notify.EventDuplicateDetected, map[string]string{
			"license_key": license.Key,
			"device_name": session.DeviceName,
			"action":      "device_banned",
		})
	}

	log.WarnContext(ctx, "duplicate device denied and banned",
		slog.Bool("newly_banned", newlyBanned))

	return &Result{Allowed: false, Verdict: domain.VerdictDenyBan, Reason: domain.ReasonDenied}, nil
}

// Deactivate marks a session inactive; clean client logout.
func (v *Validator) Deactivate(ctx context.Context, sessionID string) error {
	if err := v.sessions.Deactivate(ctx, sessionID); err != nil {
		return err
	}
	v.audit.Append(&domain.AuditEntry{
		EventType: domain.EventDeactivation,
		Success:   true,
		Details:   fmt.Sprintf("session %s deactivated by client", sessionID),
		CreatedAt: v.clock(),
	})
	return nil
}

func (v *Validator) auditValidation(licenseKey, deviceID string, success bool, cause error, now time.Time) {
	v.audit.Append(&domain.AuditEntry{
		LicenseKey: licenseKey,
		DeviceID:   deviceID,
		EventType:  domain.EventValidation,
		Success:    success,
		ErrorCode:  apperrors.Code(cause),
		CreatedAt:  now,
	})
}

func (v *Validator) recordVerdict(verdict string) {
	if v.metrics != nil {
		v.metrics.ValidationsTotal.WithLabelValues(verdict).Inc()
	}
}
