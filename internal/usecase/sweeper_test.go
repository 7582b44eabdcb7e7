package usecase

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/repository/memory"
)

func TestExpirySweeperRemovesExpiredRows(t *testing.T) {
	store := memory.NewStore()
	counters := memory.NewRateLimitStore()
	ctx := context.Background()
	now := newTestClock().Now()

	mustNil := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed returned error: %v", err)
		}
	}
	mustNil(store.RefreshTokens().Create(ctx, domain.RefreshToken{ID: "rt-old", IdentityID: "id-1", TokenHash: "h1", ExpiresAt: now.Add(-time.Minute)}))
	mustNil(store.RefreshTokens().Create(ctx, domain.RefreshToken{ID: "rt-new", IdentityID: "id-1", TokenHash: "h2", ExpiresAt: now.Add(time.Hour)}))
	mustNil(store.Sessions().Create(ctx, domain.LoginSession{ID: "s-old", IdentityID: "id-1", TokenHash: "s1", ExpiresAt: now.Add(-time.Minute)}))
	mustNil(store.PasswordResets().Create(ctx, domain.PasswordResetToken{ID: "pr-old", IdentityID: "id-1", TokenHash: "p1", ExpiresAt: now.Add(-time.Minute)}))
	_, _ = counters.Incr(ctx, "rl:login:203.0.113.1", time.Minute, now.Add(-time.Hour))

	sweeper := NewExpirySweeper(store, zaptest.NewLogger(t), counters)
	result, err := sweeper.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if result.RefreshTokens != 1 || result.Sessions != 1 || result.PasswordResets != 1 || result.Pruned != 1 {
		t.Fatalf("unexpected sweep result %+v", result)
	}
	if _, err := store.RefreshTokens().GetByHash(ctx, "h2"); err != nil {
		t.Fatalf("expected live refresh token to survive, got %v", err)
	}
}

func TestExpirySweeperRunStopsOnCancel(t *testing.T) {
	sweeper := NewExpirySweeper(memory.NewStore(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx, 5*time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}
