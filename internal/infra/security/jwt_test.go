package security

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/arklim/storefront-auth/internal/core/domain"
)

func newTestSigner(t *testing.T) *TokenSigner {
	t.Helper()
	signer, err := NewTokenSigner(TokenSignerConfig{
		Issuer:        "storefront-auth",
		AccessSecret:  []byte("access-secret-access-secret-0123"),
		RefreshSecret: []byte("refresh-secret-refresh-secret-01"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewTokenSigner returned error: %v", err)
	}
	return signer
}

func TestTokenSignerRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	now := time.Date(2025, 10, 24, 10, 0, 0, 0, time.UTC)

	access, err := signer.SignAccess("jti-1", "user-1", "a@x.com", true, now)
	if err != nil {
		t.Fatalf("SignAccess returned error: %v", err)
	}
	if !access.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("unexpected access expiry %v", access.ExpiresAt)
	}

	claims, err := signer.Parse(access.Value, domain.TokenKindAccess, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "a@x.com" || !claims.IsAdmin || claims.ID != "jti-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTokenSignerRejectsWrongKind(t *testing.T) {
	signer := newTestSigner(t)
	now := time.Now()

	refresh, err := signer.SignRefresh("rt-1", "user-1", now)
	if err != nil {
		t.Fatalf("SignRefresh returned error: %v", err)
	}
	if _, err := signer.Parse(refresh.Value, domain.TokenKindAccess, now); !errors.Is(err, ErrTokenSignature) {
		t.Fatalf("expected refresh token to fail as access token, got %v", err)
	}

	access, _ := signer.SignAccess("at-1", "user-1", "a@x.com", false, now)
	if _, err := signer.Parse(access.Value, domain.TokenKindRefresh, now); !errors.Is(err, ErrTokenSignature) {
		t.Fatalf("expected access token to fail as refresh token, got %v", err)
	}
}

func TestTokenSignerRejectsKindClaimMismatch(t *testing.T) {
	signer := newTestSigner(t)
	now := time.Now()

	// Same key for both kinds; only the typed claim separates them.
	forged, err := signer.sign(Claims{Kind: domain.TokenKindRefresh}, "x", "user-1", now, time.Minute, signer.cfg.AccessSecret)
	if err != nil {
		t.Fatalf("sign returned error: %v", err)
	}
	if _, err := signer.Parse(forged.Value, domain.TokenKindAccess, now); !errors.Is(err, ErrTokenKind) {
		t.Fatalf("expected ErrTokenKind, got %v", err)
	}
}

func TestTokenSignerExpiryAndTampering(t *testing.T) {
	signer := newTestSigner(t)
	now := time.Now()

	access, _ := signer.SignAccess("at-1", "user-1", "a@x.com", false, now)
	if _, err := signer.Parse(access.Value, domain.TokenKindAccess, now.Add(16*time.Minute)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	parts := strings.Split(access.Value, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := signer.Parse(tampered, domain.TokenKindAccess, now); !errors.Is(err, ErrTokenSignature) {
		t.Fatalf("expected ErrTokenSignature, got %v", err)
	}

	if _, err := signer.Parse("garbage", domain.TokenKindAccess, now); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}
}

func TestNewTokenSignerRequiresDistinctSecrets(t *testing.T) {
	_, err := NewTokenSigner(TokenSignerConfig{
		AccessSecret:  []byte("same"),
		RefreshSecret: []byte("same"),
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
	})
	if err == nil {
		t.Fatal("expected error for identical secrets")
	}
}
