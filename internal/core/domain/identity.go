package domain

import (
	"strings"
	"time"
)

// Identity mirrors the persisted representation in the identities table.
type Identity struct {
	ID                  string
	Email               string
	Username            string
	PasswordHash        string
	FirstName           *string
	LastName            *string
	IsAdmin             bool
	TwoFactor           TwoFactorState
	FailedLoginAttempts int
	Locked              bool
	LockedUntil         *time.Time
	EmailVerified       bool
	EmailOTP            *OneTimeCode
	LastPasswordChange  time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
	AnonymizedAt        *time.Time
}

// IsLockedAt reports whether the identity is locked and the lock has not yet elapsed.
func (i Identity) IsLockedAt(at time.Time) bool {
	if !i.Locked {
		return false
	}
	if i.LockedUntil == nil {
		return true
	}
	return i.LockedUntil.After(at)
}

// LockExpiredAt reports whether a time-boxed lock is still flagged but already elapsed.
func (i Identity) LockExpiredAt(at time.Time) bool {
	return i.Locked && i.LockedUntil != nil && !i.LockedUntil.After(at)
}

// IsAnonymized reports whether the identity was deleted by anonymization.
func (i Identity) IsAnonymized() bool {
	return i.AnonymizedAt != nil
}

// OneTimeCode is the email OTP embedded on the identity.
type OneTimeCode struct {
	Code      string
	ExpiresAt time.Time
}

// ExpiredAt reports whether the code can no longer be accepted.
func (c OneTimeCode) ExpiredAt(at time.Time) bool {
	return !c.ExpiresAt.After(at)
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
