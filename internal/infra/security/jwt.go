package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arklim/storefront-auth/internal/core/domain"
)

var (
	// ErrTokenMalformed indicates the token could not be decoded.
	ErrTokenMalformed = errors.New("jwt: malformed token")
	// ErrTokenSignature indicates the signature did not verify under the expected key.
	ErrTokenSignature = errors.New("jwt: signature invalid")
	// ErrTokenExpired indicates the token is past its expiry.
	ErrTokenExpired = errors.New("jwt: token expired")
	// ErrTokenKind indicates the token verified but carries the wrong kind claim.
	ErrTokenKind = errors.New("jwt: unexpected token kind")
)

// Claims is the payload of access and refresh tokens.
type Claims struct {
	Kind    domain.TokenKind `json:"token_type"`
	Email   string           `json:"email,omitempty"`
	IsAdmin bool             `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// SignedToken is a compact JWT with its identifiers.
type SignedToken struct {
	Value     string
	ID        string
	ExpiresAt time.Time
}

// TokenSignerConfig configures the two HMAC signing contexts.
type TokenSignerConfig struct {
	Issuer        string
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenSigner issues and verifies HS256 tokens. Access and refresh tokens use distinct keys.
type TokenSigner struct {
	cfg TokenSignerConfig
}

// NewTokenSigner validates the configuration and returns a signer.
func NewTokenSigner(cfg TokenSignerConfig) (*TokenSigner, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, fmt.Errorf("jwt: signing secrets are required")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, fmt.Errorf("jwt: access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, fmt.Errorf("jwt: token ttl must be positive")
	}
	return &TokenSigner{cfg: cfg}, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *TokenSigner) AccessTTL() time.Duration { return s.cfg.AccessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (s *TokenSigner) RefreshTTL() time.Duration { return s.cfg.RefreshTTL }

// SignAccess issues an access token for the identity.
func (s *TokenSigner) SignAccess(tokenID, identityID, email string, isAdmin bool, now time.Time) (SignedToken, error) {
	claims := Claims{
		Kind:    domain.TokenKindAccess,
		Email:   email,
		IsAdmin: isAdmin,
	}
	return s.sign(claims, tokenID, identityID, now, s.cfg.AccessTTL, s.cfg.AccessSecret)
}

// SignRefresh issues a refresh token whose jti equals the persisted row id.
func (s *TokenSigner) SignRefresh(tokenID, identityID string, now time.Time) (SignedToken, error) {
	claims := Claims{Kind: domain.TokenKindRefresh}
	return s.sign(claims, tokenID, identityID, now, s.cfg.RefreshTTL, s.cfg.RefreshSecret)
}

func (s *TokenSigner) sign(claims Claims, tokenID, subject string, now time.Time, ttl time.Duration, key []byte) (SignedToken, error) {
	expiresAt := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        tokenID,
		Subject:   subject,
		Issuer:    s.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return SignedToken{}, fmt.Errorf("sign %s token: %w", claims.Kind, err)
	}
	return SignedToken{Value: signed, ID: tokenID, ExpiresAt: expiresAt}, nil
}

// Parse verifies token under the key for kind and returns its claims.
// Every failure maps to one of the ErrToken* sentinels.
func (s *TokenSigner) Parse(token string, kind domain.TokenKind, now time.Time) (*Claims, error) {
	key := s.cfg.AccessSecret
	if kind == domain.TokenKindRefresh {
		key = s.cfg.RefreshSecret
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, ErrTokenSignature
	default:
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	if claims.Kind != kind {
		return nil, ErrTokenKind
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrTokenMalformed
	}
	return &claims, nil
}
