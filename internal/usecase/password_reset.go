package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/core/port"
	"github.com/arklim/storefront-auth/internal/infra/config"
	"github.com/arklim/storefront-auth/internal/infra/security"
	"github.com/arklim/storefront-auth/internal/repository"
)

const (
	defaultResetTTL     = time.Hour
	resetTokenByteCount = 32
)

// PasswordChangeResult summarizes a completed password change.
type PasswordChangeResult struct {
	IdentityID           string
	ChangedAt            time.Time
	RefreshTokensRevoked int
	SessionsRevoked      int
}

// PasswordResetService issues single-use reset tokens and applies new passwords.
// A password change deletes every refresh token and session of the identity.
type PasswordResetService struct {
	store   port.CredentialStore
	secrets *security.SecretGenerator
	hasher  port.PasswordHasher
	policy  port.PasswordPolicy
	cfg     config.PasswordResetSettings
	logger  *zap.Logger
	now     func() time.Time
}

// NewPasswordResetService constructs a PasswordResetService.
func NewPasswordResetService(store port.CredentialStore, secrets *security.SecretGenerator, hasher port.PasswordHasher, policy port.PasswordPolicy, cfg config.PasswordResetSettings, logger *zap.Logger) *PasswordResetService {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultResetTTL
	}
	if secrets == nil {
		secrets = security.NewSecretGenerator(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PasswordResetService{
		store:   store,
		secrets: secrets,
		hasher:  hasher,
		policy:  policy,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *PasswordResetService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Issue mints a reset token for the identity. Earlier unused tokens stay valid
// unless InvalidatePrevious is configured.
func (s *PasswordResetService) Issue(ctx context.Context, identityID string) (string, time.Time, error) {
	raw, err := s.secrets.Token(resetTokenByteCount)
	if err != nil {
		return "", time.Time{}, err
	}

	now := s.now()
	row := domain.PasswordResetToken{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		TokenHash:  security.HashToken(raw),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.TTL),
	}

	err = s.store.WithinTx(ctx, func(tx port.CredentialStore) error {
		if s.cfg.InvalidatePrevious {
			invalidated, err := tx.PasswordResets().InvalidateForIdentity(ctx, identityID, now)
			if err != nil {
				return fmt.Errorf("invalidate previous reset tokens: %w", err)
			}
			if invalidated > 0 {
				s.logger.Debug("invalidated previous reset tokens", zap.String("identity_id", identityID), zap.Int("count", invalidated))
			}
		}
		if err := tx.PasswordResets().Create(ctx, row); err != nil {
			return fmt.Errorf("store password reset token: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return raw, row.ExpiresAt, nil
}

// Consume redeems a reset token and sets newPassword. Marking the token used, storing
// the hash and revoking every credential happen in one transaction.
func (s *PasswordResetService) Consume(ctx context.Context, token, newPassword string) (*PasswordChangeResult, error) {
	if strings.TrimSpace(token) == "" {
		return nil, tokenError(TokenReasonMalformed)
	}
	hash, err := s.hashPassword(newPassword)
	if err != nil {
		return nil, err
	}

	var result *PasswordChangeResult
	err = s.store.WithinTx(ctx, func(tx port.CredentialStore) error {
		now := s.now()
		row, err := tx.PasswordResets().Consume(ctx, security.HashToken(token), now)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return tokenError(TokenReasonNotFound)
			}
			return fmt.Errorf("consume reset token: %w", err)
		}

		identity, err := tx.Identities().GetByID(ctx, row.IdentityID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return tokenError(TokenReasonNotFound)
			}
			return fmt.Errorf("lookup identity: %w", err)
		}
		if identity.IsAnonymized() {
			return tokenError(TokenReasonNotFound)
		}
		if err := s.checkPolicy(newPassword, identity); err != nil {
			return err
		}

		result, err = applyPassword(ctx, tx, identity.ID, hash, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyPassword sets newPassword for identity with the same revocation as Consume.
// It serves the OTP reset variant once the code has been verified.
func (s *PasswordResetService) ApplyPassword(ctx context.Context, identity *domain.Identity, newPassword string) (*PasswordChangeResult, error) {
	if err := s.checkPolicy(newPassword, identity); err != nil {
		return nil, err
	}
	hash, err := s.hashPassword(newPassword)
	if err != nil {
		return nil, err
	}

	var result *PasswordChangeResult
	err = s.store.WithinTx(ctx, func(tx port.CredentialStore) error {
		var err error
		result, err = applyPassword(ctx, tx, identity.ID, hash, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CheckPolicy validates newPassword against the policy and the identity's own attributes.
func (s *PasswordResetService) CheckPolicy(newPassword string, identity *domain.Identity) error {
	return s.checkPolicy(newPassword, identity)
}

func (s *PasswordResetService) checkPolicy(newPassword string, identity *domain.Identity) error {
	var inputs []string
	if identity != nil {
		inputs = []string{identity.Email, identity.Username}
	}
	return validatePassword(s.policy, newPassword, inputs...)
}

func (s *PasswordResetService) hashPassword(newPassword string) (string, error) {
	if err := validatePassword(s.policy, newPassword); err != nil {
		return "", err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

func applyPassword(ctx context.Context, tx port.CredentialStore, identityID, hash string, now time.Time) (*PasswordChangeResult, error) {
	if err := tx.Identities().UpdatePassword(ctx, identityID, hash, now); err != nil {
		return nil, fmt.Errorf("update password: %w", err)
	}
	if err := tx.Identities().ClearLock(ctx, identityID, now); err != nil {
		return nil, fmt.Errorf("clear lock: %w", err)
	}
	tokens, err := tx.RefreshTokens().DeleteAllForIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	sessions, err := tx.Sessions().DeleteAllForIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("revoke sessions: %w", err)
	}
	return &PasswordChangeResult{
		IdentityID:           identityID,
		ChangedAt:            now,
		RefreshTokensRevoked: tokens,
		SessionsRevoked:      sessions,
	}, nil
}

func validatePassword(policy port.PasswordPolicy, password string, inputs ...string) error {
	if password == "" {
		return &ValidationError{Field: "password", Reason: "is required"}
	}
	if policy == nil {
		return nil
	}
	if err := policy.Validate(password, inputs...); err != nil {
		var violation *security.PasswordValidationError
		if errors.As(err, &violation) {
			return &ValidationError{Field: "password", Reason: violation.Message}
		}
		return &ValidationError{Field: "password", Reason: err.Error()}
	}
	return nil
}
