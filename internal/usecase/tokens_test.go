package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/repository/memory"
)

func newTokenFixture(t *testing.T) (*TokenService, *memory.Store, *testClock, domain.Identity) {
	t.Helper()
	store := memory.NewStore()
	identity := domain.Identity{ID: "id-1", Email: "a@x.com", Username: "alice"}
	if err := store.Identities().Create(context.Background(), identity); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	clock := newTestClock()
	svc := NewTokenService(store, testSigner(t, testConfig()), zaptest.NewLogger(t))
	svc.WithClock(clock.Now)
	return svc, store, clock, identity
}

func tokenReason(t *testing.T, err error) TokenFailureReason {
	t.Helper()
	var tokenErr *TokenError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("expected *TokenError, got %v", err)
	}
	return tokenErr.Reason
}

func TestTokenServiceIssuePair(t *testing.T) {
	svc, store, clock, identity := newTokenFixture(t)

	pair, err := svc.IssuePair(context.Background(), identity, TokenMeta{DeviceInfo: "curl/8.0", IP: "203.0.113.1"})
	if err != nil {
		t.Fatalf("IssuePair returned error: %v", err)
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("expected Bearer token type, got %q", pair.TokenType)
	}
	if !pair.AccessExpiresAt.Equal(clock.Now().Add(15 * time.Minute)) {
		t.Fatalf("unexpected access expiry %v", pair.AccessExpiresAt)
	}
	if !pair.RefreshExpiresAt.Equal(clock.Now().Add(7 * 24 * time.Hour)) {
		t.Fatalf("unexpected refresh expiry %v", pair.RefreshExpiresAt)
	}

	claims, err := svc.Verify(pair.RefreshToken, domain.TokenKindRefresh)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != identity.ID {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if n, _ := store.RefreshTokens().DeleteAllForIdentity(context.Background(), identity.ID); n != 1 {
		t.Fatalf("expected one stored refresh token, got %d", n)
	}
}

func TestTokenServiceVerifyRejectsWrongKind(t *testing.T) {
	svc, _, _, identity := newTokenFixture(t)
	pair, err := svc.IssuePair(context.Background(), identity, TokenMeta{})
	if err != nil {
		t.Fatalf("IssuePair returned error: %v", err)
	}

	_, err = svc.Verify(pair.AccessToken, domain.TokenKindRefresh)
	if reason := tokenReason(t, err); reason != TokenReasonSignature && reason != TokenReasonWrongKind {
		t.Fatalf("expected signature or wrong kind failure, got %s", reason)
	}
	_, err = svc.Verify("not-a-jwt", domain.TokenKindAccess)
	if reason := tokenReason(t, err); reason != TokenReasonMalformed {
		t.Fatalf("expected malformed failure, got %s", reason)
	}
}

func TestTokenServiceVerifyExpired(t *testing.T) {
	svc, _, clock, identity := newTokenFixture(t)
	pair, _ := svc.IssuePair(context.Background(), identity, TokenMeta{})

	clock.Advance(16 * time.Minute)
	_, err := svc.Verify(pair.AccessToken, domain.TokenKindAccess)
	if reason := tokenReason(t, err); reason != TokenReasonExpired {
		t.Fatalf("expected expired failure, got %s", reason)
	}
}

func TestTokenServiceRotateIsSingleUse(t *testing.T) {
	svc, _, _, identity := newTokenFixture(t)
	pair, _ := svc.IssuePair(context.Background(), identity, TokenMeta{})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		replays   int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.Rotate(context.Background(), pair.RefreshToken, TokenMeta{})
			mu.Lock()
			defer mu.Unlock()
			var tokenErr *TokenError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &tokenErr) && tokenErr.Reason == TokenReasonNotFound:
				replays++
			}
		}()
	}
	wg.Wait()

	if successes != 1 || replays != 7 {
		t.Fatalf("expected exactly one rotation and seven replays, got %d and %d", successes, replays)
	}
}

func TestTokenServiceRotateRejectsLockedIdentity(t *testing.T) {
	svc, store, clock, identity := newTokenFixture(t)
	pair, _ := svc.IssuePair(context.Background(), identity, TokenMeta{})
	until := clock.Now().Add(30 * time.Minute)
	if err := store.Identities().Lock(context.Background(), identity.ID, until, clock.Now()); err != nil {
		t.Fatalf("Lock returned error: %v", err)
	}

	_, _, err := svc.Rotate(context.Background(), pair.RefreshToken, TokenMeta{})
	var locked *AccountLockedError
	if !errors.As(err, &locked) || !locked.Until.Equal(until) {
		t.Fatalf("expected AccountLockedError until %v, got %v", until, err)
	}
}

func TestTokenServiceRevokeIsIdempotent(t *testing.T) {
	svc, _, _, identity := newTokenFixture(t)
	pair, _ := svc.IssuePair(context.Background(), identity, TokenMeta{})

	for i := 0; i < 2; i++ {
		if _, err := svc.Revoke(context.Background(), pair.RefreshToken); err != nil {
			t.Fatalf("Revoke %d returned error: %v", i+1, err)
		}
	}
	_, _, err := svc.Rotate(context.Background(), pair.RefreshToken, TokenMeta{})
	if reason := tokenReason(t, err); reason != TokenReasonNotFound {
		t.Fatalf("expected revoked token to be not found, got %s", reason)
	}
}
