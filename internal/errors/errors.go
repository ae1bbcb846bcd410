package errors

import (
	"errors"
	"fmt"
)

// Business outcome sentinels. Everything here except ErrStorageUnavailable
// is an expected result of normal operation and travels back to the
// transport layer as a typed value, never as a panic or a 500.
var (
	ErrLicenseNotFound = errors.New("license not found")
	ErrLicenseExpired  = errors.New("license expired")
	ErrLicenseRevoked  = errors.New("license revoked")
	ErrDeviceBanned    = errors.New("device banned")

	ErrTokenNotFound    = errors.New("download token not found")
	ErrTokenAlreadyUsed = errors.New("download token already used")
	ErrTokenExpired     = errors.New("download token expired")
	ErrRateLimited      = errors.New("rate limited")

	// ErrStorageUnavailable is the only infrastructure fault in the
	// taxonomy. Callers retry it with backoff and surface a 503; it must
	// never be collapsed into an allowed=false decision.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Storage wraps a persistence failure so callers can match it with
// errors.Is(err, ErrStorageUnavailable) while keeping the cause.
func Storage(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// IsBusinessOutcome reports whether err is one of the expected business
// sentinels rather than an infrastructure fault.
func IsBusinessOutcome(err error) bool {
	for _, sentinel := range []error{
		ErrLicenseNotFound, ErrLicenseExpired, ErrLicenseRevoked,
		ErrDeviceBanned, ErrTokenNotFound, ErrTokenAlreadyUsed,
		ErrTokenExpired, ErrRateLimited,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Code returns the stable machine-readable code for a taxonomy error,
// suitable for audit entries and metrics labels.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLicenseNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrLicenseExpired):
		return "EXPIRED"
	case errors.Is(err, ErrLicenseRevoked):
		return "REVOKED"
	case errors.Is(err, ErrDeviceBanned):
		return "BANNED"
	case errors.Is(err, ErrTokenNotFound):
		return "TOKEN_NOT_FOUND"
	case errors.Is(err, ErrTokenAlreadyUsed):
		return "ALREADY_USED"
	case errors.Is(err, ErrTokenExpired):
		return "TOKEN_EXPIRED"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrStorageUnavailable):
		return "STORAGE_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
