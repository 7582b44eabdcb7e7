package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/core/port"
	"github.com/arklim/storefront-auth/internal/infra/config"
	"github.com/arklim/storefront-auth/internal/infra/security"
	"github.com/arklim/storefront-auth/internal/repository"
)

const (
	defaultOTPTTL         = 10 * time.Minute
	defaultOTPMaxAttempts = 5
	otpFailureKeyPrefix   = "otp:failures:"
)

// OtpVerificationService issues and verifies the single-use email code stored on an identity.
// Email verification and OTP password reset share it.
//
// Wrong guesses are counted per identity and per issued code, independent of the
// client address. The code is burned once maxAttempts guesses have missed.
type OtpVerificationService struct {
	identities  port.IdentityRepository
	counters    port.RateLimitStore
	secrets     *security.SecretGenerator
	ttl         time.Duration
	maxAttempts int
	audit       *securityAuditor
	logger      *zap.Logger
	now         func() time.Time
}

// NewOtpVerificationService constructs an OtpVerificationService. A nil counters
// store disables the per-identity guess limit.
func NewOtpVerificationService(identities port.IdentityRepository, counters port.RateLimitStore, secrets *security.SecretGenerator, cfg config.OTPSettings, logger *zap.Logger) *OtpVerificationService {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultOTPTTL
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultOTPMaxAttempts
	}
	if secrets == nil {
		secrets = security.NewSecretGenerator(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OtpVerificationService{
		identities:  identities,
		counters:    counters,
		secrets:     secrets,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		audit:       newSecurityAuditor(nil, nil, logger),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *OtpVerificationService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Generate returns a uniformly distributed 6-digit code.
func (s *OtpVerificationService) Generate() (string, error) {
	return s.secrets.NumericOTP()
}

// NewCode returns a fresh code with its expiry, without storing it.
func (s *OtpVerificationService) NewCode() (domain.OneTimeCode, error) {
	code, err := s.Generate()
	if err != nil {
		return domain.OneTimeCode{}, err
	}
	return domain.OneTimeCode{Code: code, ExpiresAt: s.now().Add(s.ttl)}, nil
}

// Issue stores a new code on the identity, replacing any outstanding one.
func (s *OtpVerificationService) Issue(ctx context.Context, identityID string) (domain.OneTimeCode, error) {
	code, err := s.NewCode()
	if err != nil {
		return domain.OneTimeCode{}, err
	}
	if err := s.identities.SetEmailOTP(ctx, identityID, code, s.now()); err != nil {
		return domain.OneTimeCode{}, fmt.Errorf("store email otp: %w", err)
	}
	return code, nil
}

// Verify accepts code once: it must be stored, unexpired and equal. The stored
// code is cleared with a compare-and-clear so concurrent verifications cannot both succeed.
func (s *OtpVerificationService) Verify(ctx context.Context, identity *domain.Identity, code string) error {
	stored := identity.EmailOTP
	if stored == nil {
		return tokenError(TokenReasonNotFound)
	}
	if stored.ExpiredAt(s.now()) {
		return tokenError(TokenReasonExpired)
	}
	if subtle.ConstantTimeCompare([]byte(stored.Code), []byte(code)) != 1 {
		if err := s.recordMiss(ctx, identity, *stored); err != nil {
			return err
		}
		return tokenError(TokenReasonMismatch)
	}

	if err := s.identities.ClearEmailOTP(ctx, identity.ID, stored.Code, s.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return tokenError(TokenReasonNotFound)
		}
		return fmt.Errorf("clear email otp: %w", err)
	}
	identity.EmailOTP = nil
	return nil
}

// recordMiss counts a wrong guess against the outstanding code and burns the code
// when the budget is spent. Counter failures reject the guess.
func (s *OtpVerificationService) recordMiss(ctx context.Context, identity *domain.Identity, stored domain.OneTimeCode) error {
	if s.counters == nil {
		return nil
	}
	now := s.now()
	window := stored.ExpiresAt.Sub(now)
	if window < time.Second {
		window = time.Second
	}
	key := otpFailureKeyPrefix + identity.ID + ":" + strconv.FormatInt(stored.ExpiresAt.UnixNano(), 10)
	misses, err := s.counters.Incr(ctx, key, window, now)
	if err != nil {
		return fmt.Errorf("count otp miss: %w", err)
	}
	if misses.Count < s.maxAttempts {
		return nil
	}

	if err := s.identities.ClearEmailOTP(ctx, identity.ID, stored.Code, now); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("burn email otp: %w", err)
	}
	identity.EmailOTP = nil
	if misses.Count == s.maxAttempts {
		s.audit.record(ctx, domain.SecurityEvent{
			Kind:       domain.SecurityEventOTPAttemptsExhausted,
			IdentityID: identity.ID,
			Email:      identity.Email,
			OccurredAt: now,
			Details:    map[string]any{"failed_attempts": misses.Count},
		})
	}
	s.logger.Info("email otp burned after repeated misses", zap.String("identity_id", identity.ID))
	return nil
}
