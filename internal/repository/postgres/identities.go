package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/repository"
)

const identitiesTable = "auth.identities"

var identityColumns = []string{
	"id",
	"email",
	"username",
	"password_hash",
	"first_name",
	"last_name",
	"is_admin",
	"two_factor_status",
	"two_factor_secret",
	"failed_login_attempts",
	"locked",
	"locked_until",
	"email_verified",
	"email_otp_code",
	"email_otp_expires_at",
	"last_password_change",
	"created_at",
	"updated_at",
	"anonymized_at",
}

// IdentityRepository implements port.IdentityRepository using PostgreSQL.
type IdentityRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewIdentityRepository wires a PostgreSQL-backed identity repository.
func NewIdentityRepository(exec pgExecutor) *IdentityRepository {
	return &IdentityRepository{exec: exec, builder: newBuilder()}
}

// WithTx returns a repository instance operating within the supplied transaction.
func (r *IdentityRepository) WithTx(tx pgx.Tx) *IdentityRepository {
	if tx == nil {
		return r
	}
	return &IdentityRepository{exec: tx, builder: r.builder}
}

// Create inserts a new identity row.
func (r *IdentityRepository) Create(ctx context.Context, identity domain.Identity) error {
	var otpCode, otpExpiry any
	if identity.EmailOTP != nil {
		otpCode = identity.EmailOTP.Code
		otpExpiry = identity.EmailOTP.ExpiresAt.UTC()
	}

	stmt, args, err := r.builder.Insert(identitiesTable).
		Columns(identityColumns...).
		Values(
			identity.ID,
			identity.Email,
			identity.Username,
			identity.PasswordHash,
			optionalString(identity.FirstName),
			optionalString(identity.LastName),
			identity.IsAdmin,
			string(identity.TwoFactor.Status()),
			optionalString(identity.TwoFactor.SecretPtr()),
			identity.FailedLoginAttempts,
			identity.Locked,
			optionalTime(identity.LockedUntil),
			identity.EmailVerified,
			otpCode,
			otpExpiry,
			identity.LastPasswordChange,
			identity.CreatedAt,
			identity.UpdatedAt,
			optionalTime(identity.AnonymizedAt),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert identity sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

// GetByID retrieves an identity by identifier.
func (r *IdentityRepository) GetByID(ctx context.Context, id string) (*domain.Identity, error) {
	return r.getOne(ctx, squirrel.Eq{"id": id})
}

// GetByEmail retrieves an identity by normalized email.
func (r *IdentityRepository) GetByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	return r.getOne(ctx, squirrel.Eq{"email": email})
}

// GetByUsername retrieves an identity by username.
func (r *IdentityRepository) GetByUsername(ctx context.Context, username string) (*domain.Identity, error) {
	return r.getOne(ctx, squirrel.Eq{"username": username})
}

func (r *IdentityRepository) getOne(ctx context.Context, where squirrel.Eq) (*domain.Identity, error) {
	stmt, args, err := r.builder.
		Select(identityColumns...).
		From(identitiesTable).
		Where(where).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select identity sql: %w", err)
	}

	identity, err := scanIdentity(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	return identity, nil
}

// IncrementFailedLogins increments the counter in place and returns the new value.
func (r *IdentityRepository) IncrementFailedLogins(ctx context.Context, id string, at time.Time) (int, error) {
	stmt, args, err := r.builder.Update(identitiesTable).
		Set("failed_login_attempts", squirrel.Expr("failed_login_attempts + 1")).
		Set("updated_at", at).
		Where(squirrel.Eq{"id": id}).
		Suffix("RETURNING failed_login_attempts").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build increment failed logins sql: %w", err)
	}

	var count int
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("increment failed logins: %w", err)
	}
	return count, nil
}

// Lock marks the identity locked until the supplied time.
func (r *IdentityRepository) Lock(ctx context.Context, id string, until time.Time, at time.Time) error {
	return r.update(ctx, "lock identity", id, map[string]any{
		"locked":       true,
		"locked_until": until.UTC(),
		"updated_at":   at,
	}, nil)
}

// ClearLock lifts the lock and resets the failure counter.
func (r *IdentityRepository) ClearLock(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, "clear identity lock", id, map[string]any{
		"locked":                false,
		"locked_until":          nil,
		"failed_login_attempts": 0,
		"updated_at":            at,
	}, nil)
}

// SetEmailOTP stores code, replacing any outstanding one.
func (r *IdentityRepository) SetEmailOTP(ctx context.Context, id string, code domain.OneTimeCode, at time.Time) error {
	return r.update(ctx, "set email otp", id, map[string]any{
		"email_otp_code":       code.Code,
		"email_otp_expires_at": code.ExpiresAt.UTC(),
		"updated_at":           at,
	}, nil)
}

// ClearEmailOTP removes the stored code only while it still equals code.
func (r *IdentityRepository) ClearEmailOTP(ctx context.Context, id string, code string, at time.Time) error {
	return r.update(ctx, "clear email otp", id, map[string]any{
		"email_otp_code":       nil,
		"email_otp_expires_at": nil,
		"updated_at":           at,
	}, squirrel.Eq{"email_otp_code": code})
}

// MarkEmailVerified sets the verified flag.
func (r *IdentityRepository) MarkEmailVerified(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, "mark email verified", id, map[string]any{
		"email_verified": true,
		"updated_at":     at,
	}, nil)
}

// UpdatePassword stores a new password hash.
func (r *IdentityRepository) UpdatePassword(ctx context.Context, id string, passwordHash string, at time.Time) error {
	return r.update(ctx, "update password", id, map[string]any{
		"password_hash":        passwordHash,
		"last_password_change": at,
		"updated_at":           at,
	}, nil)
}

// SetTwoFactor replaces the 2FA enrollment state.
func (r *IdentityRepository) SetTwoFactor(ctx context.Context, id string, state domain.TwoFactorState, at time.Time) error {
	return r.update(ctx, "set two factor", id, map[string]any{
		"two_factor_status": string(state.Status()),
		"two_factor_secret": optionalString(state.SecretPtr()),
		"updated_at":        at,
	}, nil)
}

// Anonymize scrubs personal data and locks the identity indefinitely.
func (r *IdentityRepository) Anonymize(ctx context.Context, id string, email string, username string, at time.Time) error {
	return r.update(ctx, "anonymize identity", id, map[string]any{
		"email":                email,
		"username":             username,
		"first_name":           nil,
		"last_name":            nil,
		"password_hash":        "",
		"two_factor_status":    string(domain.TwoFactorStatusDisabled),
		"two_factor_secret":    nil,
		"email_otp_code":       nil,
		"email_otp_expires_at": nil,
		"locked":               true,
		"locked_until":         nil,
		"anonymized_at":        at,
		"updated_at":           at,
	}, nil)
}

// update applies values to the identity row; SetMap orders columns alphabetically.
func (r *IdentityRepository) update(ctx context.Context, op string, id string, values map[string]any, extra squirrel.Sqlizer) error {
	query := r.builder.Update(identitiesTable).
		SetMap(values).
		Where(squirrel.Eq{"id": id})
	if extra != nil {
		query = query.Where(extra)
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build %s sql: %w", op, err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectAffected(tag)
}

func scanIdentity(row pgx.Row) (*domain.Identity, error) {
	var (
		identity        domain.Identity
		firstName       sql.NullString
		lastName        sql.NullString
		twoFactor       string
		twoFactorSecret sql.NullString
		lockedUntil     sql.NullTime
		otpCode         sql.NullString
		otpExpiresAt    sql.NullTime
		anonymizedAt    sql.NullTime
	)

	if err := row.Scan(
		&identity.ID,
		&identity.Email,
		&identity.Username,
		&identity.PasswordHash,
		&firstName,
		&lastName,
		&identity.IsAdmin,
		&twoFactor,
		&twoFactorSecret,
		&identity.FailedLoginAttempts,
		&identity.Locked,
		&lockedUntil,
		&identity.EmailVerified,
		&otpCode,
		&otpExpiresAt,
		&identity.LastPasswordChange,
		&identity.CreatedAt,
		&identity.UpdatedAt,
		&anonymizedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	identity.FirstName = nullableStringPtr(firstName)
	identity.LastName = nullableStringPtr(lastName)
	identity.TwoFactor = domain.ParseTwoFactorState(twoFactor, nullableStringPtr(twoFactorSecret))
	identity.LockedUntil = nullableTimePtr(lockedUntil)
	identity.AnonymizedAt = nullableTimePtr(anonymizedAt)
	if otpCode.Valid && otpExpiresAt.Valid {
		identity.EmailOTP = &domain.OneTimeCode{Code: otpCode.String, ExpiresAt: otpExpiresAt.Time}
	}

	return &identity, nil
}
