package usecase

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/infra/security"
	"github.com/arklim/storefront-auth/internal/repository/memory"
)

func TestClassifyDevice(t *testing.T) {
	cases := []struct {
		ua    string
		kind  domain.DeviceKind
		label string
	}{
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36", domain.DeviceKindDesktop, "Chrome on Windows"},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 Version/17.2 Safari/605.1.15", domain.DeviceKindDesktop, "Safari on macOS"},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148 Safari/604.1", domain.DeviceKindMobile, "Safari on iOS"},
		{"Mozilla/5.0 (iPad; CPU OS 17_2 like Mac OS X) AppleWebKit/605.1.15 Safari/604.1", domain.DeviceKindTablet, "Safari on iPadOS"},
		{"Mozilla/5.0 (Linux; Android 14; SM-X710) AppleWebKit/537.36 Chrome/120.0 Safari/537.36", domain.DeviceKindTablet, "Chrome on Android"},
		{"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0", domain.DeviceKindDesktop, "Firefox on Linux"},
		{"Googlebot/2.1 (+http://www.google.com/bot.html)", domain.DeviceKindBot, "Automated client"},
		{"", domain.DeviceKindUnknown, "Unknown device"},
	}
	for _, tc := range cases {
		kind, label := ClassifyDevice(tc.ua)
		if kind != tc.kind || label != tc.label {
			t.Fatalf("ClassifyDevice(%q) = %s %q, want %s %q", tc.ua, kind, label, tc.kind, tc.label)
		}
	}
}

func TestSessionRegistryLifecycle(t *testing.T) {
	store := memory.NewStore()
	clock := newTestClock()
	registry := NewSessionRegistry(store.Sessions(), security.NewSecretGenerator(nil), 30*24*time.Hour, zaptest.NewLogger(t))
	registry.WithClock(clock.Now)
	ctx := context.Background()

	token, session, err := registry.Create(ctx, "id-1", "curl/8.4.0", "203.0.113.1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if session.Device != domain.DeviceKindBot {
		t.Fatalf("expected bot device, got %s", session.Device)
	}
	if !session.ExpiresAt.Equal(clock.Now().Add(30 * 24 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", session.ExpiresAt)
	}
	if session.TokenHash == token {
		t.Fatalf("expected only the token hash to be stored")
	}

	clock.Advance(time.Hour)
	touched, err := registry.Touch(ctx, token)
	if err != nil {
		t.Fatalf("Touch returned error: %v", err)
	}
	if !touched.LastActiveAt.Equal(clock.Now()) {
		t.Fatalf("expected last activity to move, got %v", touched.LastActiveAt)
	}

	listed, err := registry.List(ctx, "id-1")
	if err != nil || len(listed) != 1 {
		t.Fatalf("expected one session, got %d (%v)", len(listed), err)
	}

	if err := registry.RevokeByID(ctx, "someone-else", session.ID); Classify(err) != KindTokenInvalid {
		t.Fatalf("expected foreign session revoke to fail, got %v", err)
	}
	if err := registry.RevokeByID(ctx, "id-1", session.ID); err != nil {
		t.Fatalf("RevokeByID returned error: %v", err)
	}
	if _, err := registry.Validate(ctx, token); tokenReason(t, err) != TokenReasonNotFound {
		t.Fatalf("expected revoked session to be not found")
	}
	if err := registry.Revoke(ctx, token); err != nil {
		t.Fatalf("expected revoke of a missing session to be a no-op, got %v", err)
	}
}

func TestSessionRegistryExpiry(t *testing.T) {
	store := memory.NewStore()
	clock := newTestClock()
	registry := NewSessionRegistry(store.Sessions(), security.NewSecretGenerator(nil), 30*24*time.Hour, nil)
	registry.WithClock(clock.Now)
	ctx := context.Background()

	token, _, err := registry.Create(ctx, "id-1", "", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	clock.Advance(30 * 24 * time.Hour)
	if _, err := registry.Validate(ctx, token); tokenReason(t, err) != TokenReasonExpired {
		t.Fatalf("expected expired session")
	}
}
