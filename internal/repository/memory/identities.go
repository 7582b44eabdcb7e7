package memory

import (
	"context"
	"time"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/repository"
)

// IdentityRepository implements port.IdentityRepository in memory.
type IdentityRepository struct {
	v view
}

// Create inserts a new identity, enforcing unique email and username.
func (r *IdentityRepository) Create(_ context.Context, identity domain.Identity) error {
	return r.v.do(func(d *dataset) error {
		if _, ok := d.identities[identity.ID]; ok {
			return repository.ErrConflict
		}
		for _, existing := range d.identities {
			if existing.Email == identity.Email || existing.Username == identity.Username {
				return repository.ErrConflict
			}
		}
		d.identities[identity.ID] = identity
		return nil
	})
}

// GetByID retrieves an identity by identifier.
func (r *IdentityRepository) GetByID(_ context.Context, id string) (*domain.Identity, error) {
	var out *domain.Identity
	err := r.v.do(func(d *dataset) error {
		identity, ok := d.identities[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = &identity
		return nil
	})
	return out, err
}

// GetByEmail retrieves an identity by normalized email.
func (r *IdentityRepository) GetByEmail(_ context.Context, email string) (*domain.Identity, error) {
	return r.find(func(i domain.Identity) bool { return i.Email == email })
}

// GetByUsername retrieves an identity by username.
func (r *IdentityRepository) GetByUsername(_ context.Context, username string) (*domain.Identity, error) {
	return r.find(func(i domain.Identity) bool { return i.Username == username })
}

func (r *IdentityRepository) find(match func(domain.Identity) bool) (*domain.Identity, error) {
	var out *domain.Identity
	err := r.v.do(func(d *dataset) error {
		for _, identity := range d.identities {
			if match(identity) {
				found := identity
				out = &found
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (r *IdentityRepository) update(id string, at time.Time, mutate func(*domain.Identity) error) error {
	return r.v.do(func(d *dataset) error {
		identity, ok := d.identities[id]
		if !ok {
			return repository.ErrNotFound
		}
		if err := mutate(&identity); err != nil {
			return err
		}
		identity.UpdatedAt = at
		d.identities[id] = identity
		return nil
	})
}

// IncrementFailedLogins increments the failure counter and returns the new value.
func (r *IdentityRepository) IncrementFailedLogins(_ context.Context, id string, at time.Time) (int, error) {
	var count int
	err := r.update(id, at, func(i *domain.Identity) error {
		i.FailedLoginAttempts++
		count = i.FailedLoginAttempts
		return nil
	})
	return count, err
}

// Lock marks the identity locked until the supplied time.
func (r *IdentityRepository) Lock(_ context.Context, id string, until time.Time, at time.Time) error {
	return r.update(id, at, func(i *domain.Identity) error {
		i.Locked = true
		i.LockedUntil = &until
		return nil
	})
}

// ClearLock lifts the lock and resets the failure counter.
func (r *IdentityRepository) ClearLock(_ context.Context, id string, at time.Time) error {
	return r.update(id, at, func(i *domain.Identity) error {
		i.Locked = false
		i.LockedUntil = nil
		i.FailedLoginAttempts = 0
		return nil
	})
}

// SetEmailOTP stores code, replacing any outstanding one.
func (r *IdentityRepository) SetEmailOTP(_ context.Context, id string, code domain.OneTimeCode, at time.Time) error {
	return r.update(id, at, func(i *domain.Identity) error {
		i.EmailOTP = &code
		return nil
	})
}

// ClearEmailOTP removes the stored code when it still equals code.
func (r *IdentityRepository) ClearEmailOTP(_ context.Context, id string, code string, at time.Time) error {
	return r.update(id, at, func(i *domain.Identity) error {
		if i.EmailOTP == nil || i.EmailOTP.Code != code {
			return repository.ErrNotFound
		}
		i.EmailOTP = nil
		return nil
	})
}

// MarkEmailVerified sets the verified flag.
func (r *IdentityRepository) MarkEmailVerified(_ context.Context, id string, at time.Time) error {
	return r.update(id, at, func(i *domain.Identity) error {
		i.EmailVerified = true
		return nil
	})
}

// UpdatePassword stores a new password hash.
func (r *IdentityRepository) UpdatePassword(_ context.Context, id string, passwordHash string, at time.Time) error {
	return r.update(id, at, func(i *domain.Identity) error {
		i.PasswordHash = passwordHash
		i.LastPasswordChange = at
		return nil
	})
}

// SetTwoFactor replaces the 2FA enrollment state.
func (r *IdentityRepository) SetTwoFactor(_ context.Context, id string, state domain.TwoFactorState, at time.Time) error {
	return r.update(id, at, func(i *domain.Identity) error {
		i.TwoFactor = state
		return nil
	})
}

// Anonymize scrubs personal data, locks the identity indefinitely and disables 2FA.
func (r *IdentityRepository) Anonymize(_ context.Context, id string, email string, username string, at time.Time) error {
	return r.update(id, at, func(i *domain.Identity) error {
		i.Email = email
		i.Username = username
		i.FirstName = nil
		i.LastName = nil
		i.PasswordHash = ""
		i.TwoFactor = domain.TwoFactorDisabled()
		i.EmailOTP = nil
		i.Locked = true
		i.LockedUntil = nil
		i.AnonymizedAt = &at
		return nil
	})
}
