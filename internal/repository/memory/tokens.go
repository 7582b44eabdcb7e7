package memory

import (
	"context"
	"sort"
	"time"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/repository"
)

// RefreshTokenRepository implements port.RefreshTokenRepository in memory.
type RefreshTokenRepository struct {
	v view
}

// Create stores a refresh token row keyed by its hash.
func (r *RefreshTokenRepository) Create(_ context.Context, token domain.RefreshToken) error {
	return r.v.do(func(d *dataset) error {
		if _, ok := d.refreshTokens[token.TokenHash]; ok {
			return repository.ErrConflict
		}
		d.refreshTokens[token.TokenHash] = token
		return nil
	})
}

// GetByHash returns the row for tokenHash.
func (r *RefreshTokenRepository) GetByHash(_ context.Context, tokenHash string) (*domain.RefreshToken, error) {
	var out *domain.RefreshToken
	err := r.v.do(func(d *dataset) error {
		token, ok := d.refreshTokens[tokenHash]
		if !ok {
			return repository.ErrNotFound
		}
		out = &token
		return nil
	})
	return out, err
}

// DeleteByHash removes and returns the row for tokenHash.
func (r *RefreshTokenRepository) DeleteByHash(_ context.Context, tokenHash string) (*domain.RefreshToken, error) {
	var out *domain.RefreshToken
	err := r.v.do(func(d *dataset) error {
		token, ok := d.refreshTokens[tokenHash]
		if !ok {
			return repository.ErrNotFound
		}
		delete(d.refreshTokens, tokenHash)
		out = &token
		return nil
	})
	return out, err
}

// DeleteAllForIdentity removes every refresh token of the identity.
func (r *RefreshTokenRepository) DeleteAllForIdentity(_ context.Context, identityID string) (int, error) {
	removed := 0
	err := r.v.do(func(d *dataset) error {
		for hash, token := range d.refreshTokens {
			if token.IdentityID == identityID {
				delete(d.refreshTokens, hash)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// DeleteExpired removes rows that expired at or before the supplied time.
func (r *RefreshTokenRepository) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	removed := 0
	err := r.v.do(func(d *dataset) error {
		for hash, token := range d.refreshTokens {
			if token.IsExpired(before) {
				delete(d.refreshTokens, hash)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// SessionRepository implements port.SessionRepository in memory.
type SessionRepository struct {
	v view
}

// Create stores a login session keyed by its token hash.
func (r *SessionRepository) Create(_ context.Context, session domain.LoginSession) error {
	return r.v.do(func(d *dataset) error {
		if _, ok := d.sessions[session.TokenHash]; ok {
			return repository.ErrConflict
		}
		d.sessions[session.TokenHash] = session
		return nil
	})
}

// GetByHash returns the session for tokenHash.
func (r *SessionRepository) GetByHash(_ context.Context, tokenHash string) (*domain.LoginSession, error) {
	var out *domain.LoginSession
	err := r.v.do(func(d *dataset) error {
		session, ok := d.sessions[tokenHash]
		if !ok {
			return repository.ErrNotFound
		}
		out = &session
		return nil
	})
	return out, err
}

// ListByIdentity returns the unexpired sessions of the identity, most recently active first.
func (r *SessionRepository) ListByIdentity(_ context.Context, identityID string, at time.Time) ([]domain.LoginSession, error) {
	var out []domain.LoginSession
	err := r.v.do(func(d *dataset) error {
		for _, session := range d.sessions {
			if session.IdentityID == identityID && session.IsActive(at) {
				out = append(out, session)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out, err
}

// Touch updates the last-active timestamp.
func (r *SessionRepository) Touch(_ context.Context, tokenHash string, at time.Time) error {
	return r.v.do(func(d *dataset) error {
		session, ok := d.sessions[tokenHash]
		if !ok {
			return repository.ErrNotFound
		}
		session.LastActiveAt = at
		d.sessions[tokenHash] = session
		return nil
	})
}

// DeleteByHash removes the session for tokenHash.
func (r *SessionRepository) DeleteByHash(_ context.Context, tokenHash string) error {
	return r.v.do(func(d *dataset) error {
		if _, ok := d.sessions[tokenHash]; !ok {
			return repository.ErrNotFound
		}
		delete(d.sessions, tokenHash)
		return nil
	})
}

// DeleteByID removes a session owned by identityID.
func (r *SessionRepository) DeleteByID(_ context.Context, identityID string, sessionID string) error {
	return r.v.do(func(d *dataset) error {
		for hash, session := range d.sessions {
			if session.ID == sessionID && session.IdentityID == identityID {
				delete(d.sessions, hash)
				return nil
			}
		}
		return repository.ErrNotFound
	})
}

// DeleteAllForIdentity removes every session of the identity.
func (r *SessionRepository) DeleteAllForIdentity(_ context.Context, identityID string) (int, error) {
	removed := 0
	err := r.v.do(func(d *dataset) error {
		for hash, session := range d.sessions {
			if session.IdentityID == identityID {
				delete(d.sessions, hash)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// DeleteExpired removes sessions that expired at or before the supplied time.
func (r *SessionRepository) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	removed := 0
	err := r.v.do(func(d *dataset) error {
		for hash, session := range d.sessions {
			if !session.IsActive(before) {
				delete(d.sessions, hash)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// PasswordResetRepository implements port.PasswordResetRepository in memory.
type PasswordResetRepository struct {
	v view
}

// Create stores a reset token keyed by its hash.
func (r *PasswordResetRepository) Create(_ context.Context, token domain.PasswordResetToken) error {
	return r.v.do(func(d *dataset) error {
		if _, ok := d.resets[token.TokenHash]; ok {
			return repository.ErrConflict
		}
		d.resets[token.TokenHash] = token
		return nil
	})
}

// Consume marks an unused, unexpired token as used.
func (r *PasswordResetRepository) Consume(_ context.Context, tokenHash string, at time.Time) (*domain.PasswordResetToken, error) {
	var out *domain.PasswordResetToken
	err := r.v.do(func(d *dataset) error {
		token, ok := d.resets[tokenHash]
		if !ok || !token.Usable(at) {
			return repository.ErrNotFound
		}
		token.Used = true
		token.UsedAt = &at
		d.resets[tokenHash] = token
		out = &token
		return nil
	})
	return out, err
}

// InvalidateForIdentity marks every unused token of the identity as used.
func (r *PasswordResetRepository) InvalidateForIdentity(_ context.Context, identityID string, at time.Time) (int, error) {
	changed := 0
	err := r.v.do(func(d *dataset) error {
		for hash, token := range d.resets {
			if token.IdentityID == identityID && !token.Used {
				token.Used = true
				token.UsedAt = &at
				d.resets[hash] = token
				changed++
			}
		}
		return nil
	})
	return changed, err
}

// DeleteExpired removes tokens that expired at or before the supplied time.
func (r *PasswordResetRepository) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	removed := 0
	err := r.v.do(func(d *dataset) error {
		for hash, token := range d.resets {
			if !token.ExpiresAt.After(before) {
				delete(d.resets, hash)
				removed++
			}
		}
		return nil
	})
	return removed, err
}
