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

const refreshTokensTable = "auth.refresh_tokens"

var refreshTokenColumns = []string{"id", "identity_id", "token_hash", "device_info", "ip", "created_at", "expires_at"}

// RefreshTokenRepository implements port.RefreshTokenRepository using PostgreSQL.
type RefreshTokenRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewRefreshTokenRepository wires a PostgreSQL-backed refresh token repository.
func NewRefreshTokenRepository(exec pgExecutor) *RefreshTokenRepository {
	return &RefreshTokenRepository{exec: exec, builder: newBuilder()}
}

// WithTx returns a repository instance operating within the supplied transaction.
func (r *RefreshTokenRepository) WithTx(tx pgx.Tx) *RefreshTokenRepository {
	if tx == nil {
		return r
	}
	return &RefreshTokenRepository{exec: tx, builder: r.builder}
}

// Create persists a refresh token row.
func (r *RefreshTokenRepository) Create(ctx context.Context, token domain.RefreshToken) error {
	stmt, args, err := r.builder.Insert(refreshTokensTable).
		Columns(refreshTokenColumns...).
		Values(
			token.ID,
			token.IdentityID,
			token.TokenHash,
			optionalString(token.DeviceInfo),
			optionalString(token.IP),
			token.CreatedAt,
			token.ExpiresAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert refresh token sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// GetByHash returns the row for tokenHash.
func (r *RefreshTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*domain.RefreshToken, error) {
	stmt, args, err := r.builder.Select(refreshTokenColumns...).
		From(refreshTokensTable).
		Where(squirrel.Eq{"token_hash": tokenHash}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select refresh token sql: %w", err)
	}

	token, err := scanRefreshToken(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("scan refresh token: %w", err)
	}
	return token, nil
}

// DeleteByHash deletes the row and returns it. A concurrent caller that loses the race gets ErrNotFound.
func (r *RefreshTokenRepository) DeleteByHash(ctx context.Context, tokenHash string) (*domain.RefreshToken, error) {
	stmt, args, err := r.builder.Delete(refreshTokensTable).
		Where(squirrel.Eq{"token_hash": tokenHash}).
		Suffix("RETURNING id, identity_id, token_hash, device_info, ip, created_at, expires_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build delete refresh token sql: %w", err)
	}

	token, err := scanRefreshToken(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("delete refresh token: %w", err)
	}
	return token, nil
}

// DeleteAllForIdentity removes every refresh token of the identity.
func (r *RefreshTokenRepository) DeleteAllForIdentity(ctx context.Context, identityID string) (int, error) {
	return deleteWhere(ctx, r.exec, r.builder, refreshTokensTable, squirrel.Eq{"identity_id": identityID})
}

// DeleteExpired removes rows that expired at or before the supplied time.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	return deleteWhere(ctx, r.exec, r.builder, refreshTokensTable, squirrel.LtOrEq{"expires_at": before})
}

func scanRefreshToken(row pgx.Row) (*domain.RefreshToken, error) {
	var (
		token      domain.RefreshToken
		deviceInfo sql.NullString
		ip         sql.NullString
	)
	if err := row.Scan(
		&token.ID,
		&token.IdentityID,
		&token.TokenHash,
		&deviceInfo,
		&ip,
		&token.CreatedAt,
		&token.ExpiresAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	token.DeviceInfo = nullableStringPtr(deviceInfo)
	token.IP = nullableStringPtr(ip)
	return &token, nil
}

func deleteWhere(ctx context.Context, exec pgExecutor, builder squirrel.StatementBuilderType, table string, where squirrel.Sqlizer) (int, error) {
	stmt, args, err := builder.Delete(table).Where(where).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete %s sql: %w", table, err)
	}

	tag, err := exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return int(tag.RowsAffected()), nil
}
