package domain

import "time"

// DeviceKind classifies the client behind a login session.
type DeviceKind string

const (
	DeviceKindDesktop DeviceKind = "desktop"
	DeviceKindMobile  DeviceKind = "mobile"
	DeviceKindTablet  DeviceKind = "tablet"
	DeviceKindBot     DeviceKind = "bot"
	DeviceKindUnknown DeviceKind = "unknown"
)

// LoginSession represents a signed-in device visible to its owner.
type LoginSession struct {
	ID           string
	IdentityID   string
	TokenHash    string
	Device       DeviceKind
	DeviceLabel  string
	IP           *string
	UserAgent    *string
	CreatedAt    time.Time
	LastActiveAt time.Time
	ExpiresAt    time.Time
}

// IsActive reports whether the session has not yet expired at the supplied moment.
func (s LoginSession) IsActive(at time.Time) bool {
	return s.ExpiresAt.After(at)
}
