package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/core/port"
	"github.com/arklim/storefront-auth/internal/infra/security"
)

// Enrollment carries what a client needs to add the secret to an authenticator app.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
	QRCodePNG       []byte
	QRCodeDataURL   string
}

// TwoFactorService drives TOTP enrollment: Disabled -> Pending -> Enabled.
type TwoFactorService struct {
	identities port.IdentityRepository
	totp       *security.TOTP
	logger     *zap.Logger
	now        func() time.Time
}

// NewTwoFactorService constructs a TwoFactorService.
func NewTwoFactorService(identities port.IdentityRepository, totp *security.TOTP, logger *zap.Logger) *TwoFactorService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwoFactorService{
		identities: identities,
		totp:       totp,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *TwoFactorService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// BeginEnrollment stores a fresh pending secret. Restarting from Pending replaces the secret.
func (s *TwoFactorService) BeginEnrollment(ctx context.Context, identity *domain.Identity) (*Enrollment, error) {
	if identity.TwoFactor.Enabled() {
		return nil, &ValidationError{Field: "two_factor", Reason: "already enabled"}
	}

	key, err := s.totp.Generate(identity.Email)
	if err != nil {
		return nil, err
	}

	state := domain.TwoFactorPending(key.Secret)
	if err := s.identities.SetTwoFactor(ctx, identity.ID, state, s.now()); err != nil {
		return nil, fmt.Errorf("store pending two factor: %w", err)
	}
	identity.TwoFactor = state

	return &Enrollment{
		Secret:          key.Secret,
		ProvisioningURI: key.ProvisioningURI,
		QRCodePNG:       key.QRCodePNG,
		QRCodeDataURL:   key.QRCodeDataURL(),
	}, nil
}

// Confirm enables 2FA when code matches the pending secret. A wrong code keeps
// the pending secret so the user can retry.
func (s *TwoFactorService) Confirm(ctx context.Context, identity *domain.Identity, code string) error {
	if identity.TwoFactor.Status() != domain.TwoFactorStatusPending {
		return &ValidationError{Field: "two_factor", Reason: "no enrollment pending"}
	}
	if err := validateDigits("code", code); err != nil {
		return err
	}

	secret, _ := identity.TwoFactor.Secret()
	if !s.totp.Validate(secret, code, s.now()) {
		return ErrInvalidCredentials
	}

	state := domain.TwoFactorEnabled(secret)
	if err := s.identities.SetTwoFactor(ctx, identity.ID, state, s.now()); err != nil {
		return fmt.Errorf("enable two factor: %w", err)
	}
	identity.TwoFactor = state
	return nil
}

// Verify reports whether code is valid for an enabled identity.
func (s *TwoFactorService) Verify(identity *domain.Identity, code string) bool {
	if !identity.TwoFactor.Enabled() {
		return false
	}
	secret, _ := identity.TwoFactor.Secret()
	return s.totp.Validate(secret, code, s.now())
}

// Disable drops the secret and returns to Disabled.
func (s *TwoFactorService) Disable(ctx context.Context, identity *domain.Identity) error {
	state := domain.TwoFactorDisabled()
	if err := s.identities.SetTwoFactor(ctx, identity.ID, state, s.now()); err != nil {
		return fmt.Errorf("disable two factor: %w", err)
	}
	identity.TwoFactor = state
	return nil
}
