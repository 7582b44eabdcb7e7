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

const sessionsTable = "auth.login_sessions"

var sessionColumns = []string{
	"id",
	"identity_id",
	"token_hash",
	"device_kind",
	"device_label",
	"ip",
	"user_agent",
	"created_at",
	"last_active_at",
	"expires_at",
}

// SessionRepository implements port.SessionRepository backed by PostgreSQL.
type SessionRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewSessionRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewSessionRepository(exec pgExecutor) *SessionRepository {
	return &SessionRepository{exec: exec, builder: newBuilder()}
}

// WithTx returns a repository instance that executes statements within the supplied transaction.
func (r *SessionRepository) WithTx(tx pgx.Tx) *SessionRepository {
	if tx == nil {
		return r
	}
	return &SessionRepository{exec: tx, builder: r.builder}
}

// Create persists a new login session.
func (r *SessionRepository) Create(ctx context.Context, session domain.LoginSession) error {
	stmt, args, err := r.builder.Insert(sessionsTable).
		Columns(sessionColumns...).
		Values(
			session.ID,
			session.IdentityID,
			session.TokenHash,
			string(session.Device),
			session.DeviceLabel,
			optionalString(session.IP),
			optionalString(session.UserAgent),
			session.CreatedAt,
			session.LastActiveAt,
			session.ExpiresAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert session sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByHash fetches a session by its token hash.
func (r *SessionRepository) GetByHash(ctx context.Context, tokenHash string) (*domain.LoginSession, error) {
	stmt, args, err := r.builder.Select(sessionColumns...).
		From(sessionsTable).
		Where(squirrel.Eq{"token_hash": tokenHash}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select session sql: %w", err)
	}

	session, err := scanSession(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return session, nil
}

// ListByIdentity retrieves the unexpired sessions of the identity ordered by last activity.
func (r *SessionRepository) ListByIdentity(ctx context.Context, identityID string, at time.Time) ([]domain.LoginSession, error) {
	stmt, args, err := r.builder.Select(sessionColumns...).
		From(sessionsTable).
		Where(squirrel.Eq{"identity_id": identityID}).
		Where(squirrel.Gt{"expires_at": at}).
		OrderBy("last_active_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.LoginSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// Touch updates the last-active timestamp.
func (r *SessionRepository) Touch(ctx context.Context, tokenHash string, at time.Time) error {
	stmt, args, err := r.builder.Update(sessionsTable).
		Set("last_active_at", at).
		Where(squirrel.Eq{"token_hash": tokenHash}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build touch session sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return expectAffected(tag)
}

// DeleteByHash removes the session for tokenHash.
func (r *SessionRepository) DeleteByHash(ctx context.Context, tokenHash string) error {
	n, err := deleteWhere(ctx, r.exec, r.builder, sessionsTable, squirrel.Eq{"token_hash": tokenHash})
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteByID removes a session owned by identityID.
func (r *SessionRepository) DeleteByID(ctx context.Context, identityID string, sessionID string) error {
	n, err := deleteWhere(ctx, r.exec, r.builder, sessionsTable, squirrel.Eq{"id": sessionID, "identity_id": identityID})
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteAllForIdentity removes every session of the identity.
func (r *SessionRepository) DeleteAllForIdentity(ctx context.Context, identityID string) (int, error) {
	return deleteWhere(ctx, r.exec, r.builder, sessionsTable, squirrel.Eq{"identity_id": identityID})
}

// DeleteExpired removes sessions that expired at or before the supplied time.
func (r *SessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	return deleteWhere(ctx, r.exec, r.builder, sessionsTable, squirrel.LtOrEq{"expires_at": before})
}

func scanSession(row pgx.Row) (*domain.LoginSession, error) {
	var (
		session   domain.LoginSession
		device    string
		ip        sql.NullString
		userAgent sql.NullString
	)
	if err := row.Scan(
		&session.ID,
		&session.IdentityID,
		&session.TokenHash,
		&device,
		&session.DeviceLabel,
		&ip,
		&userAgent,
		&session.CreatedAt,
		&session.LastActiveAt,
		&session.ExpiresAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	session.Device = domain.DeviceKind(device)
	session.IP = nullableStringPtr(ip)
	session.UserAgent = nullableStringPtr(userAgent)
	return &session, nil
}
