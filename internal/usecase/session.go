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
	"github.com/arklim/storefront-auth/internal/infra/security"
	"github.com/arklim/storefront-auth/internal/repository"
)

const (
	defaultSessionTTL     = 30 * 24 * time.Hour
	sessionTokenByteCount = 32
)

// SessionRegistry tracks signed-in devices. Sessions are keyed by the hash of an opaque token.
type SessionRegistry struct {
	sessions port.SessionRepository
	secrets  *security.SecretGenerator
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewSessionRegistry constructs a SessionRegistry.
func NewSessionRegistry(sessions port.SessionRepository, secrets *security.SecretGenerator, ttl time.Duration, logger *zap.Logger) *SessionRegistry {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if secrets == nil {
		secrets = security.NewSecretGenerator(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRegistry{
		sessions: sessions,
		secrets:  secrets,
		ttl:      ttl,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (r *SessionRegistry) WithClock(clock func() time.Time) {
	if clock != nil {
		r.now = clock
	}
}

// Create opens a session and returns its raw token.
func (r *SessionRegistry) Create(ctx context.Context, identityID, userAgent, ip string) (string, domain.LoginSession, error) {
	raw, err := r.secrets.Token(sessionTokenByteCount)
	if err != nil {
		return "", domain.LoginSession{}, err
	}

	now := r.now()
	kind, label := ClassifyDevice(userAgent)
	session := domain.LoginSession{
		ID:           uuid.NewString(),
		IdentityID:   identityID,
		TokenHash:    security.HashToken(raw),
		Device:       kind,
		DeviceLabel:  label,
		IP:           optionalString(ip),
		UserAgent:    optionalString(userAgent),
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(r.ttl),
	}
	if err := r.sessions.Create(ctx, session); err != nil {
		return "", domain.LoginSession{}, fmt.Errorf("store session: %w", err)
	}
	return raw, session, nil
}

// Validate returns the unexpired session for token.
func (r *SessionRegistry) Validate(ctx context.Context, token string) (*domain.LoginSession, error) {
	if strings.TrimSpace(token) == "" {
		return nil, tokenError(TokenReasonMalformed)
	}
	session, err := r.sessions.GetByHash(ctx, security.HashToken(token))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, tokenError(TokenReasonNotFound)
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if !session.IsActive(r.now()) {
		return nil, tokenError(TokenReasonExpired)
	}
	return session, nil
}

// Touch records activity on the session.
func (r *SessionRegistry) Touch(ctx context.Context, token string) (*domain.LoginSession, error) {
	session, err := r.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	now := r.now()
	if err := r.sessions.Touch(ctx, session.TokenHash, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, tokenError(TokenReasonNotFound)
		}
		return nil, fmt.Errorf("touch session: %w", err)
	}
	session.LastActiveAt = now
	return session, nil
}

// Revoke deletes the session for token. Revoking an unknown session is not an error.
func (r *SessionRegistry) Revoke(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	if err := r.sessions.DeleteByHash(ctx, security.HashToken(token)); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// RevokeByID deletes one session owned by identityID.
func (r *SessionRegistry) RevokeByID(ctx context.Context, identityID, sessionID string) error {
	if err := r.sessions.DeleteByID(ctx, identityID, sessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return tokenError(TokenReasonNotFound)
		}
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// RevokeAll deletes every session of the identity.
func (r *SessionRegistry) RevokeAll(ctx context.Context, identityID string) (int, error) {
	count, err := r.sessions.DeleteAllForIdentity(ctx, identityID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return count, nil
}

// List returns the active sessions of the identity, most recently used first.
func (r *SessionRegistry) List(ctx context.Context, identityID string) ([]domain.LoginSession, error) {
	sessions, err := r.sessions.ListByIdentity(ctx, identityID, r.now())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// ClassifyDevice derives a best-effort device kind and label from a user agent.
func ClassifyDevice(userAgent string) (domain.DeviceKind, string) {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return domain.DeviceKindUnknown, "Unknown device"
	}

	kind := domain.DeviceKindUnknown
	switch {
	case containsAny(ua, "bot", "crawler", "spider", "curl/", "wget/", "python-requests", "go-http-client"):
		kind = domain.DeviceKindBot
	case containsAny(ua, "ipad", "tablet", "kindle", "silk/") || (strings.Contains(ua, "android") && !strings.Contains(ua, "mobile")):
		kind = domain.DeviceKindTablet
	case containsAny(ua, "iphone", "ipod", "android", "mobile", "windows phone"):
		kind = domain.DeviceKindMobile
	case containsAny(ua, "windows", "macintosh", "mac os x", "x11", "linux", "cros"):
		kind = domain.DeviceKindDesktop
	}

	browser := detectBrowser(ua)
	os := detectOS(ua)
	switch {
	case browser != "" && os != "":
		return kind, browser + " on " + os
	case os != "":
		return kind, os
	case browser != "":
		return kind, browser
	case kind == domain.DeviceKindBot:
		return kind, "Automated client"
	default:
		return kind, "Unknown device"
	}
}

func detectBrowser(ua string) string {
	switch {
	case strings.Contains(ua, "edg/"):
		return "Edge"
	case containsAny(ua, "opr/", "opera"):
		return "Opera"
	case containsAny(ua, "firefox/", "fxios/"):
		return "Firefox"
	case containsAny(ua, "chrome/", "crios/"):
		return "Chrome"
	case strings.Contains(ua, "safari/"):
		return "Safari"
	default:
		return ""
	}
}

func detectOS(ua string) string {
	switch {
	case strings.Contains(ua, "ipad"):
		return "iPadOS"
	case containsAny(ua, "iphone", "ipod"):
		return "iOS"
	case strings.Contains(ua, "android"):
		return "Android"
	case strings.Contains(ua, "windows"):
		return "Windows"
	case containsAny(ua, "macintosh", "mac os x"):
		return "macOS"
	case strings.Contains(ua, "cros"):
		return "ChromeOS"
	case strings.Contains(ua, "linux"):
		return "Linux"
	default:
		return ""
	}
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
