package license

import (
	"keygate/internal/domain"
)

// Detector decides how a validation attempt interacts with the other
// devices currently active on the same license. This is the only place the
// simultaneous-device policy lives.
type Detector struct{}

// NewDetector creates a duplicate-use detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Evaluate inspects the active sessions for a license and returns the
// verdict for the requesting device. newDevice reports whether this
// request created the device's session row; a device with a pre-existing
// row was already admitted by an earlier verdict:
//
//   - VerdictAllow when no other device is active, or when the requesting
//     device is already established on the license. Once admitted, a
//     device keeps validating through conflicts it did not create, so
//     both sides of a tolerated pair poll freely.
//   - VerdictAllowFlagged when a new device conflicts but the license
//     still carries its one-shot grace (grace allowed, no prior conflict).
//     The caller is expected to burn the grace atomically.
//   - VerdictDenyBan otherwise: the requesting (newer) device is denied
//     and banned; the already-active devices are left untouched.
func (d *Detector) Evaluate(license *domain.License, activeSessions []domain.Session, requestingDeviceID string, newDevice bool) domain.Verdict {
	conflict := false
	for _, s := range activeSessions {
		if s.DeviceID != requestingDeviceID {
			conflict = true
			break
		}
	}
	if !conflict || !newDevice {
		return domain.VerdictAllow
	}

	if license.GracePeriodAllowed && !license.DuplicateDetected {
		return domain.VerdictAllowFlagged
	}
	return domain.VerdictDenyBan
}
