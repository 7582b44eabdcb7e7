package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/core/port"
	"github.com/arklim/storefront-auth/internal/infra/config"
)

const unknownIdentityKeyPrefix = "lockout:unknown:"

// LockoutPolicy locks an identity after consecutive failed credential checks.
//
// Active -> Locked(until = now + duration) on the max-th failure, and back to
// Active when the lock elapses, on explicit unlock or on a successful login.
// Failures against unknown emails are counted in the rate-limit store so that
// no identity row is ever created for them.
type LockoutPolicy struct {
	identities port.IdentityRepository
	counters   port.RateLimitStore
	cfg        config.LockoutSettings
	audit      *securityAuditor
	logger     *zap.Logger
	now        func() time.Time
}

// NewLockoutPolicy constructs a LockoutPolicy.
func NewLockoutPolicy(identities port.IdentityRepository, counters port.RateLimitStore, cfg config.LockoutSettings, logger *zap.Logger) *LockoutPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockoutPolicy{
		identities: identities,
		counters:   counters,
		cfg:        cfg,
		audit:      newSecurityAuditor(nil, nil, logger),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (p *LockoutPolicy) WithClock(clock func() time.Time) {
	if clock != nil {
		p.now = clock
	}
}

// Check rejects a locked identity with its unlock time. An elapsed lock is lifted
// and identity is updated in place.
func (p *LockoutPolicy) Check(ctx context.Context, identity *domain.Identity) error {
	now := p.now()
	if identity.IsLockedAt(now) {
		return lockedError(identity)
	}
	if !identity.LockExpiredAt(now) {
		return nil
	}

	if err := p.identities.ClearLock(ctx, identity.ID, now); err != nil {
		return fmt.Errorf("lift expired lock: %w", err)
	}
	identity.Locked = false
	identity.LockedUntil = nil
	identity.FailedLoginAttempts = 0

	p.audit.record(ctx, domain.SecurityEvent{
		Kind:       domain.SecurityEventAccountUnlocked,
		IdentityID: identity.ID,
		Email:      identity.Email,
		OccurredAt: now,
		Details:    map[string]any{"reason": "expired"},
	})
	return nil
}

// RecordFailure counts a failed check and locks the identity once the limit is reached.
// ip is the client address of the failing attempt and is attached to the lock event.
func (p *LockoutPolicy) RecordFailure(ctx context.Context, identity *domain.Identity, ip string) (bool, time.Time, error) {
	now := p.now()
	count, err := p.identities.IncrementFailedLogins(ctx, identity.ID, now)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("increment failed logins: %w", err)
	}
	identity.FailedLoginAttempts = count
	if count < p.cfg.MaxAttempts {
		return false, time.Time{}, nil
	}

	until := now.Add(p.cfg.Duration)
	if err := p.identities.Lock(ctx, identity.ID, until, now); err != nil {
		return false, time.Time{}, fmt.Errorf("lock identity: %w", err)
	}
	identity.Locked = true
	identity.LockedUntil = &until

	p.audit.record(ctx, domain.SecurityEvent{
		Kind:       domain.SecurityEventAccountLocked,
		IdentityID: identity.ID,
		Email:      identity.Email,
		IP:         ip,
		OccurredAt: now,
		Details:    map[string]any{"failed_attempts": count, "locked_until": until},
	})
	return true, until, nil
}

// RecordUnknown counts a failed login against an email with no identity.
func (p *LockoutPolicy) RecordUnknown(ctx context.Context, email, ip string) (int, error) {
	if p.counters == nil {
		return 0, nil
	}
	now := p.now()
	window, err := p.counters.Incr(ctx, unknownIdentityKeyPrefix+domain.NormalizeEmail(email), p.cfg.Duration, now)
	if err != nil {
		return 0, fmt.Errorf("count unknown identity failure: %w", err)
	}
	if window.Count == p.cfg.MaxAttempts {
		p.audit.record(ctx, domain.SecurityEvent{
			Kind:       domain.SecurityEventLoginUnknownIdentity,
			Email:      email,
			IP:         ip,
			OccurredAt: now,
			Details:    map[string]any{"failed_attempts": window.Count},
		})
	}
	return window.Count, nil
}

// Reset clears the counter and any lock after a successful login.
func (p *LockoutPolicy) Reset(ctx context.Context, identity *domain.Identity) error {
	if identity.FailedLoginAttempts == 0 && !identity.Locked {
		return nil
	}
	if err := p.identities.ClearLock(ctx, identity.ID, p.now()); err != nil {
		return fmt.Errorf("reset failed logins: %w", err)
	}
	identity.Locked = false
	identity.LockedUntil = nil
	identity.FailedLoginAttempts = 0
	return nil
}

// Unlock lifts a lock explicitly.
func (p *LockoutPolicy) Unlock(ctx context.Context, identityID string) error {
	now := p.now()
	if err := p.identities.ClearLock(ctx, identityID, now); err != nil {
		return fmt.Errorf("unlock identity: %w", err)
	}
	p.audit.record(ctx, domain.SecurityEvent{
		Kind:       domain.SecurityEventAccountUnlocked,
		IdentityID: identityID,
		OccurredAt: now,
		Details:    map[string]any{"reason": "manual"},
	})
	return nil
}
