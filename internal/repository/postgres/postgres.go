package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arklim/storefront-auth/internal/core/port"
	"github.com/arklim/storefront-auth/internal/repository"
)

const uniqueViolation = "23505"

type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Database is satisfied by *pgxpool.Pool and by pgxmock pools.
type Database interface {
	pgExecutor
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements port.CredentialStore on PostgreSQL.
type Store struct {
	db             Database
	tx             pgx.Tx
	identities     *IdentityRepository
	refreshTokens  *RefreshTokenRepository
	sessions       *SessionRepository
	passwordResets *PasswordResetRepository
}

var _ port.CredentialStore = (*Store)(nil)

// NewStore wires all repositories backed by the provided database handle.
func NewStore(db Database) *Store {
	return &Store{
		db:             db,
		identities:     NewIdentityRepository(db),
		refreshTokens:  NewRefreshTokenRepository(db),
		sessions:       NewSessionRepository(db),
		passwordResets: NewPasswordResetRepository(db),
	}
}

// Identities returns the identity repository.
func (s *Store) Identities() port.IdentityRepository { return s.identities }

// RefreshTokens returns the refresh token repository.
func (s *Store) RefreshTokens() port.RefreshTokenRepository { return s.refreshTokens }

// Sessions returns the login session repository.
func (s *Store) Sessions() port.SessionRepository { return s.sessions }

// PasswordResets returns the password reset token repository.
func (s *Store) PasswordResets() port.PasswordResetRepository { return s.passwordResets }

// WithinTx runs fn inside a single database transaction. Nested calls reuse the open transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(port.CredentialStore) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	scoped := &Store{
		db:             s.db,
		tx:             tx,
		identities:     s.identities.WithTx(tx),
		refreshTokens:  s.refreshTokens.WithTx(tx),
		sessions:       s.sessions.WithTx(tx),
		passwordResets: s.passwordResets.WithTx(tx),
	}

	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback tx: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func newBuilder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func expectAffected(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func optionalString(value *string) any {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func optionalTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return (*value).UTC()
}

func nullableStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullableTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time
	return &v
}
