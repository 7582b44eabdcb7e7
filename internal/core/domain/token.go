package domain

import "time"

// TokenKind separates access tokens from refresh tokens.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// RefreshToken represents one outstanding refresh credential. Only the hash of the signed token is stored.
type RefreshToken struct {
	ID         string
	IdentityID string
	TokenHash  string
	DeviceInfo *string
	IP         *string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// IsExpired reports whether the token has elapsed its validity window.
func (t RefreshToken) IsExpired(at time.Time) bool {
	return !t.ExpiresAt.After(at)
}

// PasswordResetToken represents a single-use password reset token hash.
type PasswordResetToken struct {
	ID         string
	IdentityID string
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Used       bool
	UsedAt     *time.Time
}

// Usable reports whether the token may still be consumed at the supplied moment.
func (t PasswordResetToken) Usable(at time.Time) bool {
	return !t.Used && t.ExpiresAt.After(at)
}
