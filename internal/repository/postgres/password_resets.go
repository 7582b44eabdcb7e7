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

const passwordResetsTable = "auth.password_reset_tokens"

// PasswordResetRepository implements port.PasswordResetRepository using PostgreSQL.
type PasswordResetRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewPasswordResetRepository wires a PostgreSQL-backed password reset repository.
func NewPasswordResetRepository(exec pgExecutor) *PasswordResetRepository {
	return &PasswordResetRepository{exec: exec, builder: newBuilder()}
}

// WithTx returns a repository instance operating within the supplied transaction.
func (r *PasswordResetRepository) WithTx(tx pgx.Tx) *PasswordResetRepository {
	if tx == nil {
		return r
	}
	return &PasswordResetRepository{exec: tx, builder: r.builder}
}

// Create persists a new reset token.
func (r *PasswordResetRepository) Create(ctx context.Context, token domain.PasswordResetToken) error {
	stmt, args, err := r.builder.Insert(passwordResetsTable).
		Columns("id", "identity_id", "token_hash", "created_at", "expires_at", "used", "used_at").
		Values(token.ID, token.IdentityID, token.TokenHash, token.CreatedAt, token.ExpiresAt, token.Used, optionalTime(token.UsedAt)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert password reset sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert password reset: %w", err)
	}
	return nil
}

// Consume flips an unused, unexpired token to used in a single statement and returns it.
func (r *PasswordResetRepository) Consume(ctx context.Context, tokenHash string, at time.Time) (*domain.PasswordResetToken, error) {
	stmt, args, err := r.builder.Update(passwordResetsTable).
		Set("used", true).
		Set("used_at", at).
		Where(squirrel.Eq{"token_hash": tokenHash}).
		Where(squirrel.Eq{"used": false}).
		Where(squirrel.Gt{"expires_at": at}).
		Suffix("RETURNING id, identity_id, token_hash, created_at, expires_at, used, used_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build consume password reset sql: %w", err)
	}

	var (
		token  domain.PasswordResetToken
		usedAt sql.NullTime
	)
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(
		&token.ID,
		&token.IdentityID,
		&token.TokenHash,
		&token.CreatedAt,
		&token.ExpiresAt,
		&token.Used,
		&usedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("consume password reset: %w", err)
	}
	token.UsedAt = nullableTimePtr(usedAt)
	return &token, nil
}

// InvalidateForIdentity marks every unused token of the identity as used.
func (r *PasswordResetRepository) InvalidateForIdentity(ctx context.Context, identityID string, at time.Time) (int, error) {
	stmt, args, err := r.builder.Update(passwordResetsTable).
		Set("used", true).
		Set("used_at", at).
		Where(squirrel.Eq{"identity_id": identityID}).
		Where(squirrel.Eq{"used": false}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build invalidate password resets sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("invalidate password resets: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpired removes tokens that expired at or before the supplied time.
func (r *PasswordResetRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	return deleteWhere(ctx, r.exec, r.builder, passwordResetsTable, squirrel.LtOrEq{"expires_at": before})
}
