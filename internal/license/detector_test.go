package license

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"keygate/internal/domain"
)

func TestDetectorEvaluate(t *testing.T) {
	session := func(deviceID string) domain.Session {
		return domain.Session{DeviceID: deviceID, Active: true}
	}

	tests := []struct {
		name      string
		license   domain.License
		active    []domain.Session
		device    string
		newDevice bool
		expected  domain.Verdict
	}{
		{
			name:      "no active sessions",
			license:   domain.License{GracePeriodAllowed: true},
			active:    nil,
			device:    "laptop-1",
			newDevice: true,
			expected:  domain.VerdictAllow,
		},
		{
			name:     "only requesting device active",
			license:  domain.License{GracePeriodAllowed: true},
			active:   []domain.Session{session("laptop-1")},
			device:   "laptop-1",
			expected: domain.VerdictAllow,
		},
		{
			name:      "conflict with grace intact",
			license:   domain.License{GracePeriodAllowed: true, DuplicateDetected: false},
			active:    []domain.Session{session("laptop-1"), session("desktop-1")},
			device:    "desktop-1",
			newDevice: true,
			expected:  domain.VerdictAllowFlagged,
		},
		{
			name: "established device heartbeats through a conflict",
			// The original device keeps validating after a second one
			// was tolerated; only newcomers face the grace decision.
			license:  domain.License{GracePeriodAllowed: false, DuplicateDetected: true},
			active:   []domain.Session{session("laptop-1"), session("desktop-1")},
			device:   "laptop-1",
			expected: domain.VerdictAllow,
		},
		{
			name:     "tolerated second device heartbeats after grace",
			license:  domain.License{GracePeriodAllowed: false, DuplicateDetected: true},
			active:   []domain.Session{session("laptop-1"), session("desktop-1")},
			device:   "desktop-1",
			expected: domain.VerdictAllow,
		},
		{
			name:      "conflict after grace consumed",
			license:   domain.License{GracePeriodAllowed: false, DuplicateDetected: true},
			active:    []domain.Session{session("laptop-1"), session("desktop-1"), session("phone-1")},
			device:    "phone-1",
			newDevice: true,
			expected:  domain.VerdictDenyBan,
		},
		{
			name:      "conflict with grace disabled on license",
			license:   domain.License{GracePeriodAllowed: false, DuplicateDetected: false},
			active:    []domain.Session{session("laptop-1")},
			device:    "desktop-1",
			newDevice: true,
			expected:  domain.VerdictDenyBan,
		},
		{
			name: "sticky duplicate flag disables grace",
			// The flag outlives the grace bit: once set, tolerance is
			// gone even if grace were somehow re-enabled alone.
			license:   domain.License{GracePeriodAllowed: true, DuplicateDetected: true},
			active:    []domain.Session{session("laptop-1")},
			device:    "desktop-1",
			newDevice: true,
			expected:  domain.VerdictDenyBan,
		},
	}

	detector := NewDetector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := detector.Evaluate(&tt.license, tt.active, tt.device, tt.newDevice)
			assert.Equal(t, tt.expected, verdict)
		})
	}
}
