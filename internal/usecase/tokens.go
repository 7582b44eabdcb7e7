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

const tokenTypeBearer = "Bearer"

// TokenMeta describes the client a refresh token is issued to.
type TokenMeta struct {
	DeviceInfo string
	IP         string
}

// TokenPair is the access and refresh token handed to a client.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenService issues, verifies, rotates and revokes access and refresh tokens.
type TokenService struct {
	store  port.CredentialStore
	signer *security.TokenSigner
	audit  *securityAuditor
	logger *zap.Logger
	now    func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(store port.CredentialStore, signer *security.TokenSigner, logger *zap.Logger) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenService{
		store:  store,
		signer: signer,
		audit:  newSecurityAuditor(nil, nil, logger),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *TokenService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// IssueAccessToken signs a short-lived access token.
func (s *TokenService) IssueAccessToken(identityID, email string, isAdmin bool) (security.SignedToken, error) {
	return s.signer.SignAccess(uuid.NewString(), identityID, email, isAdmin, s.now())
}

// IssueRefreshToken signs a refresh token and persists its row.
func (s *TokenService) IssueRefreshToken(ctx context.Context, identityID string, meta TokenMeta) (security.SignedToken, error) {
	return s.issueRefresh(ctx, s.store.RefreshTokens(), identityID, meta)
}

// IssuePair issues an access token and a persisted refresh token for identity.
func (s *TokenService) IssuePair(ctx context.Context, identity domain.Identity, meta TokenMeta) (TokenPair, error) {
	return s.issuePair(ctx, s.store.RefreshTokens(), identity, meta)
}

func (s *TokenService) issuePair(ctx context.Context, refreshTokens port.RefreshTokenRepository, identity domain.Identity, meta TokenMeta) (TokenPair, error) {
	access, err := s.IssueAccessToken(identity.ID, identity.Email, identity.IsAdmin)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.issueRefresh(ctx, refreshTokens, identity.ID, meta)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access.Value,
		RefreshToken:     refresh.Value,
		TokenType:        tokenTypeBearer,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

func (s *TokenService) issueRefresh(ctx context.Context, refreshTokens port.RefreshTokenRepository, identityID string, meta TokenMeta) (security.SignedToken, error) {
	now := s.now()
	tokenID := uuid.NewString()

	signed, err := s.signer.SignRefresh(tokenID, identityID, now)
	if err != nil {
		return security.SignedToken{}, err
	}

	row := domain.RefreshToken{
		ID:         tokenID,
		IdentityID: identityID,
		TokenHash:  security.HashToken(signed.Value),
		DeviceInfo: optionalString(meta.DeviceInfo),
		IP:         optionalString(meta.IP),
		CreatedAt:  now,
		ExpiresAt:  signed.ExpiresAt,
	}
	if err := refreshTokens.Create(ctx, row); err != nil {
		return security.SignedToken{}, fmt.Errorf("store refresh token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer, expiry and kind of token. Every failure is a *TokenError.
func (s *TokenService) Verify(token string, kind domain.TokenKind) (*security.Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, tokenError(TokenReasonMalformed)
	}

	claims, err := s.signer.Parse(token, kind, s.now())
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, security.ErrTokenExpired):
		return nil, tokenError(TokenReasonExpired)
	case errors.Is(err, security.ErrTokenSignature):
		return nil, tokenError(TokenReasonSignature)
	case errors.Is(err, security.ErrTokenKind):
		return nil, tokenError(TokenReasonWrongKind)
	default:
		return nil, tokenError(TokenReasonMalformed)
	}
}

// Rotate exchanges a refresh token for a new pair. The old row is deleted and its
// replacement inserted in one transaction; presenting a rotated token again fails
// with a not_found TokenError and is recorded as a replay.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string, meta TokenMeta) (TokenPair, *domain.Identity, error) {
	claims, err := s.Verify(refreshToken, domain.TokenKindRefresh)
	if err != nil {
		return TokenPair{}, nil, err
	}

	var (
		pair     TokenPair
		identity *domain.Identity
	)
	err = s.store.WithinTx(ctx, func(tx port.CredentialStore) error {
		row, err := tx.RefreshTokens().DeleteByHash(ctx, security.HashToken(refreshToken))
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return tokenError(TokenReasonNotFound)
			}
			return fmt.Errorf("delete refresh token: %w", err)
		}
		if row.ID != claims.ID || row.IdentityID != claims.Subject {
			return tokenError(TokenReasonMismatch)
		}
		if row.IsExpired(s.now()) {
			return tokenError(TokenReasonExpired)
		}

		identity, err = tx.Identities().GetByID(ctx, row.IdentityID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return tokenError(TokenReasonNotFound)
			}
			return fmt.Errorf("lookup identity: %w", err)
		}
		if identity.IsAnonymized() {
			return tokenError(TokenReasonNotFound)
		}
		if identity.IsLockedAt(s.now()) {
			return lockedError(identity)
		}

		pair, err = s.issuePair(ctx, tx.RefreshTokens(), *identity, meta)
		return err
	})
	if err != nil {
		var tokenErr *TokenError
		if errors.As(err, &tokenErr) && tokenErr.Reason == TokenReasonNotFound {
			s.audit.record(ctx, domain.SecurityEvent{
				Kind:       domain.SecurityEventRefreshTokenReplay,
				IdentityID: claims.Subject,
				IP:         meta.IP,
				OccurredAt: s.now(),
				Details:    map[string]any{"token_id": claims.ID},
			})
		}
		return TokenPair{}, nil, err
	}

	return pair, identity, nil
}

// Revoke deletes the row of a refresh token. Revoking an already removed token is not an error.
func (s *TokenService) Revoke(ctx context.Context, refreshToken string) (*security.Claims, error) {
	claims, err := s.Verify(refreshToken, domain.TokenKindRefresh)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.RefreshTokens().DeleteByHash(ctx, security.HashToken(refreshToken)); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("delete refresh token: %w", err)
	}
	return claims, nil
}

// RevokeAll deletes every refresh token of the identity.
func (s *TokenService) RevokeAll(ctx context.Context, identityID string) (int, error) {
	count, err := s.store.RefreshTokens().DeleteAllForIdentity(ctx, identityID)
	if err != nil {
		return 0, fmt.Errorf("delete refresh tokens: %w", err)
	}
	return count, nil
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func lockedError(identity *domain.Identity) error {
	if identity.LockedUntil == nil {
		return &AccountLockedError{}
	}
	return &AccountLockedError{Until: *identity.LockedUntil}
}
