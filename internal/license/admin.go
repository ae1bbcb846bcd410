package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keygate/internal/audit"
	"keygate/internal/domain"
	"keygate/internal/store"
)

// Admin exposes the administrative operations over entitlement state:
// revoking licenses, resetting the duplicate flag, lifting bans, and the
// read-only inspection surface consumed by the dashboard.
type Admin struct {
	licenses store.LicenseStore
	sessions store.SessionStore
	bans     store.BanStore
	auditRO  store.AuditStore
	audit    *audit.Logger
	logger   *slog.Logger
	clock    func() time.Time
}

// NewAdmin wires the administrative service.
func NewAdmin(stores *store.Stores, auditLogger *audit.Logger, logger *slog.Logger) *Admin {
	return &Admin{
		licenses: stores.Licenses,
		sessions: stores.Sessions,
		bans:     stores.Bans,
		auditRO:  stores.Audit,
		audit:    auditLogger,
		logger:   logger.With(slog.String("component", "admin")),
		clock:    time.Now,
	}
}

// Revoke transitions the license to revoked and deactivates every session.
// The license row and its session history are kept.
func (a *Admin) Revoke(ctx context.Context, licenseKey string) error {
	if err := a.licenses.SetStatus(ctx, licenseKey, domain.StatusRevoked); err != nil {
		return err
	}
	if err := a.sessions.DeactivateAll(ctx, licenseKey); err != nil {
		return err
	}
	a.audit.Append(&domain.AuditEntry{
		LicenseKey: licenseKey,
		EventType:  domain.EventDeactivation,
		Success:    true,
		Details:    "license revoked by administrator, all sessions deactivated",
		CreatedAt:  a.clock(),
	})
	a.logger.InfoContext(ctx, "license revoked", slog.String("license_key", licenseKey))
	return nil
}

// ResetDuplicateFlag is the combined administrative reset: it clears
// duplicate_detected and restores the one-shot grace tolerance.
func (a *Admin) ResetDuplicateFlag(ctx context.Context, licenseKey string) error {
	if err := a.licenses.ResetDuplicateFlag(ctx, licenseKey); err != nil {
		return err
	}
	a.audit.Append(&domain.AuditEntry{
		LicenseKey: licenseKey,
		EventType:  domain.EventValidation,
		Success:    true,
		Details:    "duplicate flag cleared and grace restored by administrator",
		CreatedAt:  a.clock(),
	})
	a.logger.InfoContext(ctx, "duplicate flag reset", slog.String("license_key", licenseKey))
	return nil
}

// Unban removes a device from the block-list.
func (a *Admin) Unban(ctx context.Context, deviceID string) error {
	if err := a.bans.Unban(ctx, deviceID); err != nil {
		return err
	}
	a.audit.Append(&domain.AuditEntry{
		DeviceID:  deviceID,
		EventType: domain.EventBan,
		Success:   true,
		Details:   fmt.Sprintf("device %s unbanned by administrator", deviceID),
		CreatedAt: a.clock(),
	})
	a.logger.InfoContext(ctx, "device unbanned", slog.String("device_id", deviceID))
	return nil
}

// Sessions lists every session row for a license, active or not.
func (a *Admin) Sessions(ctx context.Context, licenseKey string) ([]domain.Session, error) {
	return a.sessions.List(ctx, licenseKey)
}

// Bans lists the device block-list.
func (a *Admin) Bans(ctx context.Context) ([]domain.BannedDevice, error) {
	return a.bans.List(ctx)
}

// AuditTrail returns the newest audit entries for a license.
func (a *Admin) AuditTrail(ctx context.Context, licenseKey string, limit int) ([]domain.AuditEntry, error) {
	return a.auditRO.ListByLicense(ctx, licenseKey, limit)
}
