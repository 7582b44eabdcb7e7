package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/core/port"
	"github.com/arklim/storefront-auth/internal/infra/config"
	"github.com/arklim/storefront-auth/internal/infra/logger"
	"github.com/arklim/storefront-auth/internal/infra/security"
	"github.com/arklim/storefront-auth/internal/infra/telemetry"
	"github.com/arklim/storefront-auth/internal/repository"
)

const (
	notificationTimeout = 10 * time.Second
	// login stays above the lockout threshold so a client sees AccountLocked first
	defaultLoginRateLimit = 10
	defaultRouteRateLimit = 5
	timingPassword        = "storefront-auth-timing-equalizer"

	// ResetMethodToken delivers a reset link carrying a single-use token.
	ResetMethodToken = "token"
	// ResetMethodOTP delivers a 6-digit code to the registered email.
	ResetMethodOTP = "otp"
)

var tracer = otel.Tracer(telemetry.TracerName)

// AuthDependencies are the collaborators of AuthService.
type AuthDependencies struct {
	Store    port.CredentialStore
	Counters port.RateLimitStore
	Hasher   port.PasswordHasher
	Policy   port.PasswordPolicy
	Signer   *security.TokenSigner
	TOTP     *security.TOTP
	Secrets  *security.SecretGenerator
	Notifier port.NotificationDispatcher
	Audit    port.AuditSink
	Metrics  port.AuthMetrics
}

// AuthService orchestrates registration, login, token refresh, logout, email
// verification, password reset and 2FA enrollment.
type AuthService struct {
	cfg       *config.AppConfig
	store     port.CredentialStore
	hasher    port.PasswordHasher
	policy    port.PasswordPolicy
	notifier  port.NotificationDispatcher
	metrics   port.AuthMetrics
	audit     *securityAuditor
	tokens    *TokenService
	lockout   *LockoutPolicy
	twoFactor *TwoFactorService
	otp       *OtpVerificationService
	resets    *PasswordResetService
	limiter   *RateLimiter
	sessions  *SessionRegistry
	logger    *zap.Logger
	now       func() time.Time

	timingOnce sync.Once
	timingHash string
	pending    sync.WaitGroup
}

// NewAuthService wires the credential services around deps.
func NewAuthService(cfg *config.AppConfig, deps AuthDependencies, log *zap.Logger) (*AuthService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("auth service: config is required")
	}
	if deps.Store == nil || deps.Counters == nil || deps.Hasher == nil || deps.Signer == nil || deps.TOTP == nil {
		return nil, fmt.Errorf("auth service: store, counters, hasher, signer and totp are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Secrets == nil {
		deps.Secrets = security.NewSecretGenerator(nil)
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics{}
	}

	audit := newSecurityAuditor(deps.Audit, deps.Metrics, log.Named("audit"))

	tokens := NewTokenService(deps.Store, deps.Signer, log.Named("tokens"))
	tokens.audit = audit
	lockout := NewLockoutPolicy(deps.Store.Identities(), deps.Counters, cfg.Lockout, log.Named("lockout"))
	lockout.audit = audit
	otp := NewOtpVerificationService(deps.Store.Identities(), deps.Counters, deps.Secrets, cfg.OTP, log.Named("otp"))
	otp.audit = audit

	s := &AuthService{
		cfg:       cfg,
		store:     deps.Store,
		hasher:    deps.Hasher,
		policy:    deps.Policy,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		audit:     audit,
		tokens:    tokens,
		lockout:   lockout,
		twoFactor: NewTwoFactorService(deps.Store.Identities(), deps.TOTP, log.Named("two_factor")),
		otp:       otp,
		resets:    NewPasswordResetService(deps.Store, deps.Secrets, deps.Hasher, deps.Policy, cfg.PasswordReset, log.Named("password_reset")),
		limiter:   NewRateLimiter(deps.Counters, log.Named("rate_limit")),
		sessions:  NewSessionRegistry(deps.Store.Sessions(), deps.Secrets, cfg.Session.TTL, log.Named("sessions")),
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
	return s, nil
}

// WithClock overrides the clock of the orchestrator and every service it owns.
func (s *AuthService) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	s.now = clock
	s.tokens.WithClock(clock)
	s.lockout.WithClock(clock)
	s.twoFactor.WithClock(clock)
	s.otp.WithClock(clock)
	s.resets.WithClock(clock)
	s.limiter.WithClock(clock)
	s.sessions.WithClock(clock)
}

// Wait blocks until every in-flight notification has been handed to the dispatcher.
func (s *AuthService) Wait() {
	s.pending.Wait()
}

// IdentitySummary is the caller-safe view of an identity.
type IdentitySummary struct {
	ID              string                 `json:"id"`
	Email           string                 `json:"email"`
	Username        string                 `json:"username"`
	FirstName       *string                `json:"first_name,omitempty"`
	LastName        *string                `json:"last_name,omitempty"`
	IsAdmin         bool                   `json:"is_admin"`
	EmailVerified   bool                   `json:"email_verified"`
	TwoFactorStatus domain.TwoFactorStatus `json:"two_factor_status"`
	CreatedAt       time.Time              `json:"created_at"`
}

func summarize(identity domain.Identity) IdentitySummary {
	return IdentitySummary{
		ID:              identity.ID,
		Email:           identity.Email,
		Username:        identity.Username,
		FirstName:       identity.FirstName,
		LastName:        identity.LastName,
		IsAdmin:         identity.IsAdmin,
		EmailVerified:   identity.EmailVerified,
		TwoFactorStatus: identity.TwoFactor.Status(),
		CreatedAt:       identity.CreatedAt,
	}
}

// SessionInfo describes the session opened by a login.
type SessionInfo struct {
	ID          string            `json:"id"`
	Token       string            `json:"token"`
	Device      domain.DeviceKind `json:"device"`
	DeviceLabel string            `json:"device_label"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// RegisterInput is a sign-up request. ClientAddr keys the rate limit.
type RegisterInput struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Username   string `json:"username" validate:"required,min=3,max=32,username"`
	Password   string `json:"password" validate:"required,max=128"`
	FirstName  string `json:"first_name" validate:"omitempty,max=100"`
	LastName   string `json:"last_name" validate:"omitempty,max=100"`
	ClientAddr string `json:"-"`
}

// RegisterResult describes the new identity and when its verification code expires.
type RegisterResult struct {
	Identity              IdentitySummary `json:"identity"`
	VerificationExpiresAt time.Time       `json:"verification_expires_at"`
}

// LoginInput is a password login, optionally carrying the TOTP code.
type LoginInput struct {
	Email         string `json:"email" validate:"required,email,max=254"`
	Password      string `json:"password" validate:"required,max=128"`
	TwoFactorCode string `json:"two_factor_code" validate:"omitempty,code6"`
	ClientAddr    string `json:"-"`
	UserAgent     string `json:"-"`
}

// LoginResult carries either TwoFactorRequired or the issued credentials.
type LoginResult struct {
	TwoFactorRequired bool             `json:"two_factor_required"`
	Identity          *IdentitySummary `json:"identity,omitempty"`
	Tokens            *TokenPair       `json:"tokens,omitempty"`
	Session           *SessionInfo     `json:"session,omitempty"`
}

// RefreshInput presents a refresh token for rotation.
type RefreshInput struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	ClientAddr   string `json:"-"`
	UserAgent    string `json:"-"`
}

// LogoutInput ends one session, one refresh token, or every device of the token owner.
type LogoutInput struct {
	RefreshToken string `json:"refresh_token"`
	SessionToken string `json:"session_token"`
	AllDevices   bool   `json:"all_devices"`
}

// VerifyEmailInput carries the emailed verification code.
type VerifyEmailInput struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Code       string `json:"code" validate:"required,code6"`
	ClientAddr string `json:"-"`
}

// ResendOTPInput asks for a fresh verification code.
type ResendOTPInput struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	ClientAddr string `json:"-"`
}

// ForgotPasswordInput starts a reset by link (default) or by code.
type ForgotPasswordInput struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Method     string `json:"method" validate:"omitempty,oneof=token otp"`
	ClientAddr string `json:"-"`
}

// ResetPasswordInput redeems a reset link token.
type ResetPasswordInput struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,max=128"`
	ClientAddr  string `json:"-"`
}

// ResetPasswordOTPInput redeems an emailed reset code.
type ResetPasswordOTPInput struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Code        string `json:"code" validate:"required,code6"`
	NewPassword string `json:"new_password" validate:"required,max=128"`
	ClientAddr  string `json:"-"`
}

// DisableTwoFactorInput re-proves both factors before 2FA is turned off.
type DisableTwoFactorInput struct {
	IdentityID string `json:"identity_id" validate:"required"`
	Password   string `json:"password" validate:"required,max=128"`
	Code       string `json:"code" validate:"required,code6"`
	ClientAddr string `json:"-"`
}

// DeleteAccountInput confirms account deletion with the current password.
type DeleteAccountInput struct {
	IdentityID string `json:"identity_id" validate:"required"`
	Password   string `json:"password" validate:"required,max=128"`
	ClientAddr string `json:"-"`
}

// AccessPrincipal is the identity proven by a valid access token.
type AccessPrincipal struct {
	IdentityID string
	Email      string
	IsAdmin    bool
	TokenID    string
	ExpiresAt  time.Time
}

// Register creates an unverified identity and sends its verification code.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	ctx, span := tracer.Start(ctx, "AuthService.Register")
	result, err := s.register(ctx, in)
	return result, s.finish(span, "register", err)
}

func (s *AuthService) register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	if err := s.guard(ctx, RouteRegister, in.ClientAddr); err != nil {
		return nil, err
	}

	in.Email = domain.NormalizeEmail(in.Email)
	in.Username = strings.TrimSpace(in.Username)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if err := validatePassword(s.policy, in.Password, in.Email, in.Username); err != nil {
		return nil, err
	}

	if err := s.ensureAvailable(ctx, in.Email, in.Username); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	code, err := s.otp.NewCode()
	if err != nil {
		return nil, err
	}

	now := s.now()
	identity := domain.Identity{
		ID:                 uuid.NewString(),
		Email:              in.Email,
		Username:           in.Username,
		PasswordHash:       hash,
		FirstName:          optionalString(in.FirstName),
		LastName:           optionalString(in.LastName),
		TwoFactor:          domain.TwoFactorDisabled(),
		EmailOTP:           &code,
		LastPasswordChange: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Identities().Create(ctx, identity); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// a concurrent registration won; report whichever key it took
			if err := s.ensureAvailable(ctx, in.Email, in.Username); err != nil {
				return nil, err
			}
			return nil, &ConflictError{Field: "email"}
		}
		return nil, fmt.Errorf("create identity: %w", err)
	}

	s.notify(ctx, domain.Notification{
		Kind:       domain.NotificationEmailVerification,
		Recipient:  identity.Email,
		IdentityID: identity.ID,
		Context: map[string]any{
			"username":   identity.Username,
			"code":       code.Code,
			"expires_at": code.ExpiresAt,
		},
	})
	s.logger.Info("identity registered", zap.String("identity_id", identity.ID), logger.Email(identity.Email))

	return &RegisterResult{Identity: summarize(identity), VerificationExpiresAt: code.ExpiresAt}, nil
}

func (s *AuthService) ensureAvailable(ctx context.Context, email, username string) error {
	if _, err := s.store.Identities().GetByEmail(ctx, email); err == nil {
		return &ConflictError{Field: "email"}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("lookup identity by email: %w", err)
	}
	if _, err := s.store.Identities().GetByUsername(ctx, username); err == nil {
		return &ConflictError{Field: "username"}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("lookup identity by username: %w", err)
	}
	return nil
}

// Login checks the password, applies lockout, demands a TOTP code when 2FA is
// enabled and opens a session with a fresh token pair.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	ctx, span := tracer.Start(ctx, "AuthService.Login")
	result, err := s.login(ctx, in)
	return result, s.finish(span, "login", err)
}

func (s *AuthService) login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	if err := s.guard(ctx, RouteLogin, in.ClientAddr); err != nil {
		return nil, err
	}

	in.Email = domain.NormalizeEmail(in.Email)
	in.TwoFactorCode = strings.TrimSpace(in.TwoFactorCode)
	if err := validateInput(in); err != nil {
		return nil, err
	}

	identity, err := s.store.Identities().GetByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.rejectUnknown(ctx, in)
		}
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	if identity.IsAnonymized() {
		return nil, s.rejectUnknown(ctx, in)
	}

	if err := s.lockout.Check(ctx, identity); err != nil {
		s.metrics.LoginAttempt("locked")
		return nil, err
	}

	ok, err := s.hasher.Verify(in.Password, identity.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, s.rejectFailure(ctx, identity, in.ClientAddr, "invalid_password")
	}

	if identity.TwoFactor.Enabled() {
		if in.TwoFactorCode == "" {
			s.metrics.LoginAttempt("two_factor_required")
			return &LoginResult{TwoFactorRequired: true}, nil
		}
		if !s.twoFactor.Verify(identity, in.TwoFactorCode) {
			s.audit.record(ctx, domain.SecurityEvent{
				Kind:       domain.SecurityEventTwoFactorFailed,
				IdentityID: identity.ID,
				Email:      identity.Email,
				IP:         in.ClientAddr,
				OccurredAt: s.now(),
				Details:    map[string]any{"stage": "login"},
			})
			return nil, s.rejectFailure(ctx, identity, in.ClientAddr, "invalid_two_factor")
		}
	}

	if err := s.lockout.Reset(ctx, identity); err != nil {
		return nil, err
	}

	pair, err := s.tokens.IssuePair(ctx, *identity, TokenMeta{DeviceInfo: in.UserAgent, IP: in.ClientAddr})
	if err != nil {
		return nil, err
	}
	rawSession, session, err := s.sessions.Create(ctx, identity.ID, in.UserAgent, in.ClientAddr)
	if err != nil {
		return nil, err
	}

	s.metrics.LoginAttempt("success")
	s.logger.Info("login succeeded",
		zap.String("identity_id", identity.ID),
		zap.String("device", string(session.Device)),
		logger.IP(in.ClientAddr),
	)

	summary := summarize(*identity)
	return &LoginResult{
		Identity: &summary,
		Tokens:   &pair,
		Session: &SessionInfo{
			ID:          session.ID,
			Token:       rawSession,
			Device:      session.Device,
			DeviceLabel: session.DeviceLabel,
			ExpiresAt:   session.ExpiresAt,
		},
	}, nil
}

// rejectUnknown spends the same hashing work as a real check before answering.
func (s *AuthService) rejectUnknown(ctx context.Context, in LoginInput) error {
	_, _ = s.hasher.Verify(in.Password, s.timingPasswordHash())
	if _, err := s.lockout.RecordUnknown(ctx, in.Email, in.ClientAddr); err != nil {
		s.logger.Warn("count unknown identity failure", zap.Error(err))
	}
	s.metrics.LoginAttempt("unknown_identity")
	return ErrInvalidCredentials
}

func (s *AuthService) rejectFailure(ctx context.Context, identity *domain.Identity, clientAddr, reason string) error {
	locked, until, err := s.lockout.RecordFailure(ctx, identity, clientAddr)
	if err != nil {
		return err
	}
	s.metrics.LoginAttempt(reason)
	if locked {
		s.notify(ctx, domain.Notification{
			Kind:       domain.NotificationAccountLocked,
			Recipient:  identity.Email,
			IdentityID: identity.ID,
			Context: map[string]any{
				"username":     identity.Username,
				"locked_until": until,
			},
		})
	}
	return ErrInvalidCredentials
}

func (s *AuthService) timingPasswordHash() string {
	s.timingOnce.Do(func() {
		hash, err := s.hasher.Hash(timingPassword)
		if err != nil {
			s.logger.Warn("prepare timing hash", zap.Error(err))
			return
		}
		s.timingHash = hash
	})
	return s.timingHash
}

// Refresh rotates a refresh token into a new pair.
func (s *AuthService) Refresh(ctx context.Context, in RefreshInput) (*TokenPair, error) {
	ctx, span := tracer.Start(ctx, "AuthService.Refresh")
	result, err := s.refresh(ctx, in)
	return result, s.finish(span, "refresh", err)
}

func (s *AuthService) refresh(ctx context.Context, in RefreshInput) (*TokenPair, error) {
	if err := s.guard(ctx, RouteRefresh, in.ClientAddr); err != nil {
		return nil, err
	}
	in.RefreshToken = strings.TrimSpace(in.RefreshToken)
	if err := validateInput(in); err != nil {
		return nil, err
	}

	pair, _, err := s.tokens.Rotate(ctx, in.RefreshToken, TokenMeta{DeviceInfo: in.UserAgent, IP: in.ClientAddr})
	if err != nil {
		s.metrics.TokenRotation(rotationResult(err))
		return nil, err
	}
	s.metrics.TokenRotation("success")
	return &pair, nil
}

func rotationResult(err error) string {
	var tokenErr *TokenError
	switch {
	case errors.As(err, &tokenErr) && tokenErr.Reason == TokenReasonNotFound:
		return "replay"
	case errors.As(err, &tokenErr):
		return "invalid"
	case Classify(err) == KindAccountLocked:
		return "locked"
	default:
		return "error"
	}
}

// Logout revokes the presented refresh token and session. AllDevices revokes
// every refresh token and session of the identity.
func (s *AuthService) Logout(ctx context.Context, in LogoutInput) error {
	ctx, span := tracer.Start(ctx, "AuthService.Logout")
	return s.finish(span, "logout", s.logout(ctx, in))
}

func (s *AuthService) logout(ctx context.Context, in LogoutInput) error {
	in.RefreshToken = strings.TrimSpace(in.RefreshToken)
	in.SessionToken = strings.TrimSpace(in.SessionToken)
	if in.RefreshToken == "" && in.SessionToken == "" {
		return &ValidationError{Field: "refresh_token", Reason: "a refresh or session token is required"}
	}

	var identityID string
	if in.RefreshToken != "" {
		claims, err := s.tokens.Revoke(ctx, in.RefreshToken)
		if err != nil {
			return err
		}
		identityID = claims.Subject
	}

	if in.SessionToken != "" {
		if in.AllDevices && identityID == "" {
			session, err := s.sessions.Validate(ctx, in.SessionToken)
			if err != nil {
				return err
			}
			identityID = session.IdentityID
		}
		if err := s.sessions.Revoke(ctx, in.SessionToken); err != nil {
			return err
		}
	}

	if !in.AllDevices {
		return nil
	}
	tokens, err := s.tokens.RevokeAll(ctx, identityID)
	if err != nil {
		return err
	}
	sessions, err := s.sessions.RevokeAll(ctx, identityID)
	if err != nil {
		return err
	}
	s.logger.Info("logged out everywhere",
		zap.String("identity_id", identityID),
		zap.Int("refresh_tokens", tokens),
		zap.Int("sessions", sessions),
	)
	return nil
}

// VerifyEmailOTP consumes the verification code and marks the email verified.
func (s *AuthService) VerifyEmailOTP(ctx context.Context, in VerifyEmailInput) error {
	ctx, span := tracer.Start(ctx, "AuthService.VerifyEmailOTP")
	return s.finish(span, "verify_email_otp", s.verifyEmailOTP(ctx, in))
}

func (s *AuthService) verifyEmailOTP(ctx context.Context, in VerifyEmailInput) error {
	if err := s.guard(ctx, RouteOTPVerify, in.ClientAddr); err != nil {
		return err
	}
	in.Email = domain.NormalizeEmail(in.Email)
	in.Code = strings.TrimSpace(in.Code)
	if err := validateInput(in); err != nil {
		return err
	}

	identity, err := s.identityByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return tokenError(TokenReasonNotFound)
		}
		return err
	}
	if identity.EmailVerified {
		return nil
	}

	if err := s.otp.Verify(ctx, identity, in.Code); err != nil {
		return err
	}
	if err := s.store.Identities().MarkEmailVerified(ctx, identity.ID, s.now()); err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	s.logger.Info("email verified", zap.String("identity_id", identity.ID))
	return nil
}

// ResendOTP issues a new verification code. The answer never reveals whether the email is registered.
func (s *AuthService) ResendOTP(ctx context.Context, in ResendOTPInput) error {
	ctx, span := tracer.Start(ctx, "AuthService.ResendOTP")
	return s.finish(span, "resend_otp", s.resendOTP(ctx, in))
}

func (s *AuthService) resendOTP(ctx context.Context, in ResendOTPInput) error {
	if err := s.guard(ctx, RouteOTPResend, in.ClientAddr); err != nil {
		return err
	}
	in.Email = domain.NormalizeEmail(in.Email)
	if err := validateInput(in); err != nil {
		return err
	}

	identity, err := s.identityByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if identity.EmailVerified {
		return nil
	}

	code, err := s.otp.Issue(ctx, identity.ID)
	if err != nil {
		return err
	}
	s.notify(ctx, domain.Notification{
		Kind:       domain.NotificationEmailVerification,
		Recipient:  identity.Email,
		IdentityID: identity.ID,
		Context: map[string]any{
			"username":   identity.Username,
			"code":       code.Code,
			"expires_at": code.ExpiresAt,
		},
	})
	return nil
}

// ForgotPassword sends a reset link or a reset code. The answer never reveals whether the email is registered.
func (s *AuthService) ForgotPassword(ctx context.Context, in ForgotPasswordInput) error {
	ctx, span := tracer.Start(ctx, "AuthService.ForgotPassword")
	return s.finish(span, "forgot_password", s.forgotPassword(ctx, in))
}

func (s *AuthService) forgotPassword(ctx context.Context, in ForgotPasswordInput) error {
	if err := s.guard(ctx, RoutePasswordReset, in.ClientAddr); err != nil {
		return err
	}
	in.Email = domain.NormalizeEmail(in.Email)
	in.Method = strings.ToLower(strings.TrimSpace(in.Method))
	if err := validateInput(in); err != nil {
		return err
	}

	identity, err := s.identityByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Debug("password reset requested for unknown email", logger.Email(in.Email))
			return nil
		}
		return err
	}

	if in.Method == ResetMethodOTP {
		code, err := s.otp.Issue(ctx, identity.ID)
		if err != nil {
			return err
		}
		s.notify(ctx, domain.Notification{
			Kind:       domain.NotificationPasswordResetOTP,
			Recipient:  identity.Email,
			IdentityID: identity.ID,
			Context: map[string]any{
				"username":   identity.Username,
				"code":       code.Code,
				"expires_at": code.ExpiresAt,
			},
		})
		return nil
	}

	token, expiresAt, err := s.resets.Issue(ctx, identity.ID)
	if err != nil {
		return err
	}
	s.notify(ctx, domain.Notification{
		Kind:       domain.NotificationPasswordResetLink,
		Recipient:  identity.Email,
		IdentityID: identity.ID,
		Context: map[string]any{
			"username":   identity.Username,
			"token":      token,
			"expires_at": expiresAt,
		},
	})
	return nil
}

// ResetPassword redeems a reset token. Every refresh token and session of the identity is revoked.
func (s *AuthService) ResetPassword(ctx context.Context, in ResetPasswordInput) (*PasswordChangeResult, error) {
	ctx, span := tracer.Start(ctx, "AuthService.ResetPassword")
	result, err := s.resetPassword(ctx, in)
	return result, s.finish(span, "reset_password", err)
}

func (s *AuthService) resetPassword(ctx context.Context, in ResetPasswordInput) (*PasswordChangeResult, error) {
	if err := s.guard(ctx, RoutePasswordReset, in.ClientAddr); err != nil {
		return nil, err
	}
	in.Token = strings.TrimSpace(in.Token)
	if err := validateInput(in); err != nil {
		return nil, err
	}

	result, err := s.resets.Consume(ctx, in.Token, in.NewPassword)
	if err != nil {
		return nil, err
	}
	s.passwordChanged(ctx, result, ResetMethodToken, in.ClientAddr)
	return result, nil
}

// ResetPasswordWithOTP redeems a reset code sent by ForgotPassword with the otp method.
func (s *AuthService) ResetPasswordWithOTP(ctx context.Context, in ResetPasswordOTPInput) (*PasswordChangeResult, error) {
	ctx, span := tracer.Start(ctx, "AuthService.ResetPasswordWithOTP")
	result, err := s.resetPasswordWithOTP(ctx, in)
	return result, s.finish(span, "reset_password_otp", err)
}

func (s *AuthService) resetPasswordWithOTP(ctx context.Context, in ResetPasswordOTPInput) (*PasswordChangeResult, error) {
	if err := s.guard(ctx, RouteOTPVerify, in.ClientAddr); err != nil {
		return nil, err
	}
	in.Email = domain.NormalizeEmail(in.Email)
	in.Code = strings.TrimSpace(in.Code)
	if err := validateInput(in); err != nil {
		return nil, err
	}

	identity, err := s.identityByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, tokenError(TokenReasonNotFound)
		}
		return nil, err
	}
	if err := s.resets.CheckPolicy(in.NewPassword, identity); err != nil {
		return nil, err
	}
	if err := s.otp.Verify(ctx, identity, in.Code); err != nil {
		return nil, err
	}

	result, err := s.resets.ApplyPassword(ctx, identity, in.NewPassword)
	if err != nil {
		return nil, err
	}
	if !identity.EmailVerified {
		if err := s.store.Identities().MarkEmailVerified(ctx, identity.ID, s.now()); err != nil {
			s.logger.Warn("mark email verified after otp reset", zap.String("identity_id", identity.ID), zap.Error(err))
		}
	}
	s.passwordChanged(ctx, result, ResetMethodOTP, in.ClientAddr)
	return result, nil
}

func (s *AuthService) passwordChanged(ctx context.Context, result *PasswordChangeResult, method, clientAddr string) {
	identity, err := s.store.Identities().GetByID(ctx, result.IdentityID)
	if err != nil {
		s.logger.Warn("load identity after password reset", zap.String("identity_id", result.IdentityID), zap.Error(err))
		identity = &domain.Identity{ID: result.IdentityID}
	}

	s.audit.record(ctx, domain.SecurityEvent{
		Kind:       domain.SecurityEventPasswordResetCompleted,
		IdentityID: identity.ID,
		Email:      identity.Email,
		IP:         clientAddr,
		OccurredAt: result.ChangedAt,
		Details: map[string]any{
			"method":                 method,
			"refresh_tokens_revoked": result.RefreshTokensRevoked,
			"sessions_revoked":       result.SessionsRevoked,
		},
	})
	if identity.Email == "" {
		return
	}
	s.notify(ctx, domain.Notification{
		Kind:       domain.NotificationPasswordChanged,
		Recipient:  identity.Email,
		IdentityID: identity.ID,
		Context: map[string]any{
			"username":   identity.Username,
			"changed_at": result.ChangedAt,
		},
	})
}

// BeginTwoFactor starts TOTP enrollment for an authenticated identity.
func (s *AuthService) BeginTwoFactor(ctx context.Context, identityID string) (*Enrollment, error) {
	ctx, span := tracer.Start(ctx, "AuthService.BeginTwoFactor")
	result, err := s.beginTwoFactor(ctx, identityID)
	return result, s.finish(span, "begin_two_factor", err)
}

func (s *AuthService) beginTwoFactor(ctx context.Context, identityID string) (*Enrollment, error) {
	identity, err := s.loadIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	return s.twoFactor.BeginEnrollment(ctx, identity)
}

// ConfirmTwoFactor enables 2FA once the authenticator produces a valid code.
func (s *AuthService) ConfirmTwoFactor(ctx context.Context, identityID, code string) error {
	ctx, span := tracer.Start(ctx, "AuthService.ConfirmTwoFactor")
	return s.finish(span, "confirm_two_factor", s.confirmTwoFactor(ctx, identityID, code))
}

func (s *AuthService) confirmTwoFactor(ctx context.Context, identityID, code string) error {
	identity, err := s.loadIdentity(ctx, identityID)
	if err != nil {
		return err
	}

	if err := s.twoFactor.Confirm(ctx, identity, strings.TrimSpace(code)); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.audit.record(ctx, domain.SecurityEvent{
				Kind:       domain.SecurityEventTwoFactorFailed,
				IdentityID: identity.ID,
				Email:      identity.Email,
				OccurredAt: s.now(),
				Details:    map[string]any{"stage": "confirm"},
			})
		}
		return err
	}

	s.notify(ctx, domain.Notification{
		Kind:       domain.NotificationTwoFactorEnabled,
		Recipient:  identity.Email,
		IdentityID: identity.ID,
		Context:    map[string]any{"username": identity.Username},
	})
	return nil
}

// DisableTwoFactor turns 2FA off after re-checking the password and a current code.
func (s *AuthService) DisableTwoFactor(ctx context.Context, in DisableTwoFactorInput) error {
	ctx, span := tracer.Start(ctx, "AuthService.DisableTwoFactor")
	return s.finish(span, "disable_two_factor", s.disableTwoFactor(ctx, in))
}

func (s *AuthService) disableTwoFactor(ctx context.Context, in DisableTwoFactorInput) error {
	in.Code = strings.TrimSpace(in.Code)
	if err := validateInput(in); err != nil {
		return err
	}
	identity, err := s.loadIdentity(ctx, in.IdentityID)
	if err != nil {
		return err
	}
	if !identity.TwoFactor.Enabled() {
		return &ValidationError{Field: "two_factor", Reason: "not enabled"}
	}
	if err := s.reauthenticate(ctx, identity, in.Password, in.ClientAddr); err != nil {
		return err
	}
	if !s.twoFactor.Verify(identity, in.Code) {
		s.audit.record(ctx, domain.SecurityEvent{
			Kind:       domain.SecurityEventTwoFactorFailed,
			IdentityID: identity.ID,
			Email:      identity.Email,
			IP:         in.ClientAddr,
			OccurredAt: s.now(),
			Details:    map[string]any{"stage": "disable"},
		})
		return s.rejectFailure(ctx, identity, in.ClientAddr, "invalid_two_factor")
	}

	if err := s.twoFactor.Disable(ctx, identity); err != nil {
		return err
	}
	s.notify(ctx, domain.Notification{
		Kind:       domain.NotificationTwoFactorDisabled,
		Recipient:  identity.Email,
		IdentityID: identity.ID,
		Context:    map[string]any{"username": identity.Username},
	})
	return nil
}

// reauthenticate checks the password of an already authenticated identity under lockout.
func (s *AuthService) reauthenticate(ctx context.Context, identity *domain.Identity, password, clientAddr string) error {
	if err := s.lockout.Check(ctx, identity); err != nil {
		return err
	}
	ok, err := s.hasher.Verify(password, identity.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return s.rejectFailure(ctx, identity, clientAddr, "invalid_password")
	}
	return nil
}

// ValidateAccessToken verifies an access token and returns its principal.
func (s *AuthService) ValidateAccessToken(ctx context.Context, token string) (*AccessPrincipal, error) {
	_, span := tracer.Start(ctx, "AuthService.ValidateAccessToken")
	claims, err := s.tokens.Verify(strings.TrimSpace(token), domain.TokenKindAccess)
	if err != nil {
		return nil, s.finish(span, "validate_access_token", err)
	}
	principal := &AccessPrincipal{
		IdentityID: claims.Subject,
		Email:      claims.Email,
		IsAdmin:    claims.IsAdmin,
		TokenID:    claims.ID,
	}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, s.finish(span, "validate_access_token", nil)
}

// ListSessions returns the active sessions of the identity.
func (s *AuthService) ListSessions(ctx context.Context, identityID string) ([]domain.LoginSession, error) {
	ctx, span := tracer.Start(ctx, "AuthService.ListSessions")
	if strings.TrimSpace(identityID) == "" {
		return nil, s.finish(span, "list_sessions", &ValidationError{Field: "identity_id", Reason: "is required"})
	}
	sessions, err := s.sessions.List(ctx, identityID)
	return sessions, s.finish(span, "list_sessions", err)
}

// RevokeSession signs one of the identity's devices out.
func (s *AuthService) RevokeSession(ctx context.Context, identityID, sessionID string) error {
	ctx, span := tracer.Start(ctx, "AuthService.RevokeSession")
	if strings.TrimSpace(identityID) == "" || strings.TrimSpace(sessionID) == "" {
		return s.finish(span, "revoke_session", &ValidationError{Field: "session_id", Reason: "is required"})
	}
	return s.finish(span, "revoke_session", s.sessions.RevokeByID(ctx, identityID, sessionID))
}

// TouchSession validates a session token and records activity on it.
func (s *AuthService) TouchSession(ctx context.Context, token string) (*domain.LoginSession, error) {
	ctx, span := tracer.Start(ctx, "AuthService.TouchSession")
	session, err := s.sessions.Touch(ctx, strings.TrimSpace(token))
	return session, s.finish(span, "touch_session", err)
}

// UnlockAccount lifts a lockout ahead of its expiry.
func (s *AuthService) UnlockAccount(ctx context.Context, identityID string) error {
	ctx, span := tracer.Start(ctx, "AuthService.UnlockAccount")
	identity, err := s.loadIdentity(ctx, identityID)
	if err != nil {
		return s.finish(span, "unlock_account", err)
	}
	return s.finish(span, "unlock_account", s.lockout.Unlock(ctx, identity.ID))
}

// DeleteAccount anonymizes the identity, locks it for good and revokes every credential.
func (s *AuthService) DeleteAccount(ctx context.Context, in DeleteAccountInput) error {
	ctx, span := tracer.Start(ctx, "AuthService.DeleteAccount")
	return s.finish(span, "delete_account", s.deleteAccount(ctx, in))
}

func (s *AuthService) deleteAccount(ctx context.Context, in DeleteAccountInput) error {
	if err := validateInput(in); err != nil {
		return err
	}
	identity, err := s.loadIdentity(ctx, in.IdentityID)
	if err != nil {
		return err
	}
	if err := s.reauthenticate(ctx, identity, in.Password, in.ClientAddr); err != nil {
		return err
	}

	now := s.now()
	err = s.store.WithinTx(ctx, func(tx port.CredentialStore) error {
		if err := tx.Identities().Anonymize(ctx, identity.ID, "deleted+"+identity.ID+"@invalid", "deleted-"+identity.ID, now); err != nil {
			return fmt.Errorf("anonymize identity: %w", err)
		}
		if _, err := tx.RefreshTokens().DeleteAllForIdentity(ctx, identity.ID); err != nil {
			return fmt.Errorf("revoke refresh tokens: %w", err)
		}
		if _, err := tx.Sessions().DeleteAllForIdentity(ctx, identity.ID); err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		if _, err := tx.PasswordResets().InvalidateForIdentity(ctx, identity.ID, now); err != nil {
			return fmt.Errorf("invalidate reset tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.audit.record(ctx, domain.SecurityEvent{
		Kind:       domain.SecurityEventAccountAnonymized,
		IdentityID: identity.ID,
		Email:      identity.Email,
		OccurredAt: now,
	})
	return nil
}

func (s *AuthService) identityByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	identity, err := s.store.Identities().GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	if identity.IsAnonymized() {
		return nil, repository.ErrNotFound
	}
	return identity, nil
}

func (s *AuthService) loadIdentity(ctx context.Context, identityID string) (*domain.Identity, error) {
	if strings.TrimSpace(identityID) == "" {
		return nil, &ValidationError{Field: "identity_id", Reason: "is required"}
	}
	identity, err := s.store.Identities().GetByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, tokenError(TokenReasonNotFound)
		}
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	if identity.IsAnonymized() {
		return nil, tokenError(TokenReasonNotFound)
	}
	return identity, nil
}

// guard applies the (client address, route) rate limit.
func (s *AuthService) guard(ctx context.Context, route, clientAddr string) error {
	decision, err := s.limiter.Allow(ctx, RateLimitKey(clientAddr, route), s.routeLimit(route), s.rateWindow())
	if err != nil {
		return err
	}
	if decision.Allowed {
		return nil
	}
	s.metrics.RateLimited(route)
	s.logger.Info("rate limit exceeded", zap.String("route", route), logger.IP(clientAddr), zap.Duration("retry_after", decision.RetryAfter))
	return &RateLimitExceededError{Scope: route, RetryAfter: decision.RetryAfter}
}

func (s *AuthService) routeLimit(route string) int {
	limits := s.cfg.RateLimit
	var limit int
	switch route {
	case RouteLogin:
		limit = limits.LoginMaxAttempts
	case RouteRegister:
		limit = limits.RegisterMaxAttempts
	case RouteRefresh:
		limit = limits.RefreshMaxAttempts
	case RoutePasswordReset:
		limit = limits.PasswordResetMaxAttempts
	case RouteOTPResend:
		limit = limits.OTPResendMaxAttempts
	case RouteOTPVerify:
		limit = limits.OTPVerifyMaxAttempts
	}
	if limit <= 0 {
		if route == RouteLogin {
			return defaultLoginRateLimit
		}
		return defaultRouteRateLimit
	}
	return limit
}

func (s *AuthService) rateWindow() time.Duration {
	if s.cfg.RateLimit.WindowDuration <= 0 {
		return 15 * time.Minute
	}
	return s.cfg.RateLimit.WindowDuration
}

// notify hands n to the dispatcher without blocking the caller. Delivery errors are logged only.
func (s *AuthService) notify(ctx context.Context, n domain.Notification) {
	if s.notifier == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notificationTimeout)
		defer cancel()

		if err := s.notifier.Send(sendCtx, n); err != nil {
			s.logger.Warn("notification delivery failed",
				zap.String("kind", string(n.Kind)),
				zap.String("identity_id", n.IdentityID),
				zap.Error(err),
			)
		}
	}()
}

// finish ends span and replaces untyped failures with ErrTransientStore after logging the cause.
func (s *AuthService) finish(span trace.Span, operation string, err error) error {
	defer span.End()
	if err == nil {
		return nil
	}

	span.RecordError(err)
	if !isTyped(err) {
		s.logger.Error("credential operation failed", zap.String("operation", operation), zap.Error(err))
		err = ErrTransientStore
	}
	kind := Classify(err)
	span.SetAttributes(attribute.String("auth.error_kind", string(kind)))
	span.SetStatus(codes.Error, string(kind))
	return err
}
