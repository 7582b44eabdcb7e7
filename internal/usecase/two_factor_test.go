package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/infra/security"
	"github.com/arklim/storefront-auth/internal/repository/memory"
)

func newTwoFactorFixture(t *testing.T) (*TwoFactorService, *memory.Store, *security.TOTP, *testClock, *domain.Identity) {
	t.Helper()
	store := memory.NewStore()
	ctx := context.Background()
	if err := store.Identities().Create(ctx, domain.Identity{ID: "id-1", Email: "a@x.com", Username: "alice"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	identity, _ := store.Identities().GetByID(ctx, "id-1")

	totp := testTOTP(testConfig())
	clock := newTestClock()
	svc := NewTwoFactorService(store.Identities(), totp, zaptest.NewLogger(t))
	svc.WithClock(clock.Now)
	return svc, store, totp, clock, identity
}

func TestTwoFactorEnrollmentWithSameSecret(t *testing.T) {
	svc, store, totp, clock, identity := newTwoFactorFixture(t)
	ctx := context.Background()

	enrollment, err := svc.BeginEnrollment(ctx, identity)
	if err != nil {
		t.Fatalf("BeginEnrollment returned error: %v", err)
	}
	if !strings.HasPrefix(enrollment.ProvisioningURI, "otpauth://totp/") {
		t.Fatalf("unexpected provisioning URI %q", enrollment.ProvisioningURI)
	}
	if len(enrollment.QRCodePNG) == 0 || !strings.HasPrefix(enrollment.QRCodeDataURL, "data:image/png;base64,") {
		t.Fatalf("expected a QR image")
	}
	stored, _ := store.Identities().GetByID(ctx, identity.ID)
	if stored.TwoFactor.Status() != domain.TwoFactorStatusPending {
		t.Fatalf("expected pending state, got %s", stored.TwoFactor.Status())
	}

	// one step of drift is inside the accepted window
	code, _ := totp.Code(enrollment.Secret, clock.Now().Add(-30*time.Second))
	if err := svc.Confirm(ctx, stored, code); err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}
	stored, _ = store.Identities().GetByID(ctx, identity.ID)
	if !stored.TwoFactor.Enabled() {
		t.Fatalf("expected enabled state")
	}
	if _, err := svc.BeginEnrollment(ctx, stored); Classify(err) != KindValidation {
		t.Fatalf("expected validation error when already enabled, got %v", err)
	}
}

func TestTwoFactorConfirmWithOtherSecretFails(t *testing.T) {
	svc, store, totp, clock, identity := newTwoFactorFixture(t)
	ctx := context.Background()

	enrollment, err := svc.BeginEnrollment(ctx, identity)
	if err != nil {
		t.Fatalf("BeginEnrollment returned error: %v", err)
	}
	other, err := totp.Generate("b@x.com")
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	code, _ := totp.Code(other.Secret, clock.Now())
	if err := svc.Confirm(ctx, identity, code); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	stored, _ := store.Identities().GetByID(ctx, identity.ID)
	if stored.TwoFactor.Enabled() {
		t.Fatalf("expected 2FA to stay disabled")
	}
	secret, ok := stored.TwoFactor.Secret()
	if !ok || secret != enrollment.Secret {
		t.Fatalf("expected the pending secret to be kept for a retry")
	}
}

func TestTwoFactorVerifyOutsideSkew(t *testing.T) {
	svc, _, totp, clock, identity := newTwoFactorFixture(t)
	ctx := context.Background()

	enrollment, _ := svc.BeginEnrollment(ctx, identity)
	code, _ := totp.Code(enrollment.Secret, clock.Now())
	if err := svc.Confirm(ctx, identity, code); err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}

	stale, _ := totp.Code(enrollment.Secret, clock.Now().Add(-5*time.Minute))
	if stale != code && svc.Verify(identity, stale) {
		t.Fatalf("expected a code five minutes old to be rejected")
	}
	if !svc.Verify(identity, code) {
		t.Fatalf("expected current code to verify")
	}

	if err := svc.Disable(ctx, identity); err != nil {
		t.Fatalf("Disable returned error: %v", err)
	}
	if _, ok := identity.TwoFactor.Secret(); ok || svc.Verify(identity, code) {
		t.Fatalf("expected secret to be dropped on disable")
	}
}

func TestTwoFactorConfirmRequiresPending(t *testing.T) {
	svc, _, _, _, identity := newTwoFactorFixture(t)
	if err := svc.Confirm(context.Background(), identity, "123456"); Classify(err) != KindValidation {
		t.Fatalf("expected validation error without enrollment, got %v", err)
	}
}
