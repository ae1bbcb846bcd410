package domain

import (
	"time"
)

// LicenseStatus is the lifecycle state of a license. Licenses are never
// deleted, only transitioned between these states.
type LicenseStatus string

const (
	StatusActive  LicenseStatus = "active"
	StatusExpired LicenseStatus = "expired"
	StatusRevoked LicenseStatus = "revoked"
)

// Verdict is the duplicate detector's decision for a validation attempt.
type Verdict string

const (
	// VerdictAllow means the requesting device is the only active device.
	VerdictAllow Verdict = "allow"
	// VerdictAllowFlagged means another device is active but the license's
	// one-time grace tolerance absorbed the conflict.
	VerdictAllowFlagged Verdict = "allow_flagged"
	// VerdictDenyBan means the conflict is not tolerated; the requesting
	// device is denied and permanently banned.
	VerdictDenyBan Verdict = "deny_ban"
)

// EventType classifies audit trail entries.
type EventType string

const (
	EventValidation        EventType = "validation"
	EventDuplicateDetected EventType = "duplicate_detected"
	EventDeactivation      EventType = "deactivation"
	EventBan               EventType = "ban"
	EventDownloadIssued    EventType = "download_issued"
	EventDownloadRedeemed  EventType = "download_redeemed"
)

// Reason is the machine-readable outcome code attached to a validation or
// redemption result. These are internal codes; the transport layer decides
// how much of them to reveal to the caller.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonNotFound          Reason = "not_found"
	ReasonExpired           Reason = "expired"
	ReasonRevoked           Reason = "revoked"
	ReasonBanned            Reason = "banned"
	ReasonDuplicateConflict Reason = "duplicate_conflict"
	ReasonDenied            Reason = "denied"
	ReasonAlreadyUsed       Reason = "already_used"
	ReasonRateLimited       Reason = "rate_limited"
)

// License is a purchased entitlement identified by its key.
type License struct {
	Key                string        `json:"key" gorm:"primaryKey;size:64"`
	Email              string        `json:"email" gorm:"index;not null"`
	Plan               string        `json:"plan" gorm:"not null"`
	Status             LicenseStatus `json:"status" gorm:"size:16;not null;default:'active'"`
	ExpiresAt          time.Time     `json:"expires_at"`
	GracePeriodAllowed bool          `json:"grace_period_allowed" gorm:"not null;default:true"`
	DuplicateDetected  bool          `json:"duplicate_detected" gorm:"not null;default:false"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Expired reports whether the license is past its expiry at the given time.
// A perpetual license has a zero ExpiresAt and never expires.
func (l *License) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && l.ExpiresAt.Before(now)
}

// Session records one device's connection history against a license. One
// row per distinct (license, device) pair; rows are deactivated, never
// deleted, so the history stays reviewable.
type Session struct {
	SessionID  string    `json:"session_id" gorm:"primaryKey;size:64"`
	LicenseKey string    `json:"license_key" gorm:"uniqueIndex:idx_license_device;size:64;not null"`
	DeviceID   string    `json:"device_id" gorm:"uniqueIndex:idx_license_device;size:128;not null"`
	DeviceName string    `json:"device_name" gorm:"size:128"`
	Active     bool      `json:"active" gorm:"not null;default:false"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// BannedDevice is an entry in the permanent device block-list. Append-only;
// removal is an explicit administrative action.
type BannedDevice struct {
	DeviceID  string    `json:"device_id" gorm:"primaryKey;size:128"`
	CreatedAt time.Time `json:"created_at"`
}

// DownloadToken is a single-use credential gating one retrieval of the
// protected artifact. After creation the only permitted mutation is the
// atomic IsUsed false->true transition.
type DownloadToken struct {
	Token           string     `json:"token" gorm:"primaryKey;size:64"`
	LicenseKey      string     `json:"license_key" gorm:"index;size:64;not null"`
	Email           string     `json:"email" gorm:"index;not null"`
	FileName        string     `json:"file_name"`
	SignedURL       string     `json:"signed_url"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	IsUsed          bool       `json:"is_used" gorm:"not null;default:false"`
	UsedAt          *time.Time `json:"used_at,omitempty"`
	UsedByIP        string     `json:"used_by_ip,omitempty"`
	UsedByUserAgent string     `json:"used_by_user_agent,omitempty"`
}

// ExpiredAt reports whether the token is past its expiry window.
func (t *DownloadToken) ExpiredAt(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

// AuditEntry is one append-only record in the validation/security log.
// Entries are never mutated or deleted.
type AuditEntry struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	LicenseKey string    `json:"license_key" gorm:"index;size:64"`
	DeviceID   string    `json:"device_id" gorm:"index;size:128"`
	EventType  EventType `json:"event_type" gorm:"size:32;not null"`
	Success    bool      `json:"success" gorm:"not null"`
	ErrorCode  string    `json:"error_code,omitempty" gorm:"size:32"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}
