package store

import (
	"context"
	"time"

	"keygate/internal/domain"
)

// LicenseStore provides read access and conditional state transitions for
// licenses. All mutations are compare-and-swap style: they describe the
// precondition in the write itself and report whether this call performed
// the transition, so concurrent callers resolve deterministically.
type LicenseStore interface {
	Get(ctx context.Context, key string) (*domain.License, error)
	Create(ctx context.Context, license *domain.License) error

	// MarkExpired demotes an active license whose expiry has passed.
	// No-op if the license is already expired or revoked.
	MarkExpired(ctx context.Context, key string) error

	// ConsumeGrace atomically burns the one-shot grace tolerance: it sets
	// duplicate_detected and clears grace_period_allowed, but only if the
	// grace is still intact. Returns true when this call made the
	// transition; false means another request got there first.
	ConsumeGrace(ctx context.Context, key string) (bool, error)

	// ResetDuplicateFlag is the administrative combined reset: clears
	// duplicate_detected and restores grace_period_allowed.
	ResetDuplicateFlag(ctx context.Context, key string) error

	SetStatus(ctx context.Context, key string, status domain.LicenseStatus) error
}

// SessionStore is the session registry. Upsert is the only write path for
// validation traffic and must be conflict-safe on (license_key, device_id).
type SessionStore interface {
	// Upsert creates the session row for (licenseKey, deviceID) or, if one
	// exists, reactivates it and bumps last_seen_at. It returns the row as
	// persisted, keeping the stable session ID of the original row, and
	// whether this call inserted a new row.
	Upsert(ctx context.Context, session *domain.Session) (*domain.Session, bool, error)

	ListActive(ctx context.Context, licenseKey string) ([]domain.Session, error)
	List(ctx context.Context, licenseKey string) ([]domain.Session, error)
	Deactivate(ctx context.Context, sessionID string) error
	DeactivateAll(ctx context.Context, licenseKey string) error
}

// BanStore is the permanent device block-list.
type BanStore interface {
	IsBanned(ctx context.Context, deviceID string) (bool, error)

	// Ban adds the device to the block-list. Banning an already-banned
	// device is a no-op; the return value reports whether this call
	// created the entry.
	Ban(ctx context.Context, deviceID string) (bool, error)

	// Unban removes a device. Administrative action only.
	Unban(ctx context.Context, deviceID string) error

	List(ctx context.Context) ([]domain.BannedDevice, error)
}

// TokenStore persists download tokens. MarkUsed carries the single-use
// invariant: the is_used transition happens in one conditional write.
type TokenStore interface {
	Create(ctx context.Context, token *domain.DownloadToken) error
	Get(ctx context.Context, token string) (*domain.DownloadToken, error)

	// LatestCreatedAt returns the creation time of the newest token for
	// the email. The second return is false when no token exists.
	LatestCreatedAt(ctx context.Context, email string) (time.Time, bool, error)

	// MarkUsed performs the atomic is_used false->true transition,
	// recording when and by whom. Returns true when this call won the
	// transition; false means the token was already used.
	MarkUsed(ctx context.Context, token string, usedAt time.Time, ip, userAgent string) (bool, error)
}

// AuditStore persists append-only audit entries. The hot path never reads
// from it; listing exists for the administrative surface.
type AuditStore interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
	ListByLicense(ctx context.Context, licenseKey string, limit int) ([]domain.AuditEntry, error)
}

// Stores bundles all repositories backed by one database.
type Stores struct {
	Licenses LicenseStore
	Sessions SessionStore
	Bans     BanStore
	Tokens   TokenStore
	Audit    AuditStore
}
