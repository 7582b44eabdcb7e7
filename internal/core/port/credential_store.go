package port

import (
	"context"
	"time"

	"github.com/arklim/storefront-auth/internal/core/domain"
)

// CredentialStore groups the repositories backing the credential core.
type CredentialStore interface {
	Identities() IdentityRepository
	RefreshTokens() RefreshTokenRepository
	Sessions() SessionRepository
	PasswordResets() PasswordResetRepository
	// WithinTx runs fn against a store bound to a single transaction.
	// Any error returned by fn rolls the transaction back.
	WithinTx(ctx context.Context, fn func(CredentialStore) error) error
}

// IdentityRepository exposes persistence behavior for identities.
type IdentityRepository interface {
	Create(ctx context.Context, identity domain.Identity) error
	GetByID(ctx context.Context, id string) (*domain.Identity, error)
	GetByEmail(ctx context.Context, email string) (*domain.Identity, error)
	GetByUsername(ctx context.Context, username string) (*domain.Identity, error)
	// IncrementFailedLogins atomically increments the counter and returns the new value.
	IncrementFailedLogins(ctx context.Context, id string, at time.Time) (int, error)
	Lock(ctx context.Context, id string, until time.Time, at time.Time) error
	// ClearLock lifts any lock and resets the failed-login counter.
	ClearLock(ctx context.Context, id string, at time.Time) error
	SetEmailOTP(ctx context.Context, id string, code domain.OneTimeCode, at time.Time) error
	// ClearEmailOTP removes the stored code only if it still equals code.
	// It returns repository.ErrNotFound when another caller consumed it first.
	ClearEmailOTP(ctx context.Context, id string, code string, at time.Time) error
	MarkEmailVerified(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id string, passwordHash string, at time.Time) error
	SetTwoFactor(ctx context.Context, id string, state domain.TwoFactorState, at time.Time) error
	Anonymize(ctx context.Context, id string, email string, username string, at time.Time) error
}

// RefreshTokenRepository persists refresh token rows keyed by token hash.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token domain.RefreshToken) error
	GetByHash(ctx context.Context, tokenHash string) (*domain.RefreshToken, error)
	// DeleteByHash removes the row and returns it. Concurrent callers race on the delete;
	// all but one receive repository.ErrNotFound.
	DeleteByHash(ctx context.Context, tokenHash string) (*domain.RefreshToken, error)
	DeleteAllForIdentity(ctx context.Context, identityID string) (int, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// SessionRepository persists login sessions.
type SessionRepository interface {
	Create(ctx context.Context, session domain.LoginSession) error
	GetByHash(ctx context.Context, tokenHash string) (*domain.LoginSession, error)
	ListByIdentity(ctx context.Context, identityID string, at time.Time) ([]domain.LoginSession, error)
	Touch(ctx context.Context, tokenHash string, at time.Time) error
	DeleteByHash(ctx context.Context, tokenHash string) error
	DeleteByID(ctx context.Context, identityID string, sessionID string) error
	DeleteAllForIdentity(ctx context.Context, identityID string) (int, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// PasswordResetRepository persists password reset tokens.
type PasswordResetRepository interface {
	Create(ctx context.Context, token domain.PasswordResetToken) error
	// Consume marks an unused, unexpired token as used and returns it.
	// It returns repository.ErrNotFound when no such token exists.
	Consume(ctx context.Context, tokenHash string, at time.Time) (*domain.PasswordResetToken, error)
	InvalidateForIdentity(ctx context.Context, identityID string, at time.Time) (int, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}
