package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/core/port"
	"github.com/arklim/storefront-auth/internal/repository"
)

func seedIdentity(t *testing.T, store *Store, id, email, username string) {
	t.Helper()
	err := store.Identities().Create(context.Background(), domain.Identity{ID: id, Email: email, Username: username})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
}

func TestIdentityRepositoryUniqueness(t *testing.T) {
	store := NewStore()
	seedIdentity(t, store, "id-1", "a@x.com", "alice")

	err := store.Identities().Create(context.Background(), domain.Identity{ID: "id-2", Email: "a@x.com", Username: "other"})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate email, got %v", err)
	}
	err = store.Identities().Create(context.Background(), domain.Identity{ID: "id-3", Email: "b@x.com", Username: "alice"})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate username, got %v", err)
	}
}

func TestIdentityRepositoryFailedLoginsAndLock(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedIdentity(t, store, "id-1", "a@x.com", "alice")
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Identities().IncrementFailedLogins(ctx, "id-1", now)
		}()
	}
	wg.Wait()

	identity, _ := store.Identities().GetByID(ctx, "id-1")
	if identity.FailedLoginAttempts != 20 {
		t.Fatalf("expected 20 failures, got %d", identity.FailedLoginAttempts)
	}

	if err := store.Identities().Lock(ctx, "id-1", now.Add(time.Hour), now); err != nil {
		t.Fatalf("Lock returned error: %v", err)
	}
	if err := store.Identities().ClearLock(ctx, "id-1", now); err != nil {
		t.Fatalf("ClearLock returned error: %v", err)
	}
	identity, _ = store.Identities().GetByID(ctx, "id-1")
	if identity.Locked || identity.LockedUntil != nil || identity.FailedLoginAttempts != 0 {
		t.Fatalf("expected lock cleared and counter reset, got %+v", identity)
	}
}

func TestIdentityRepositoryClearEmailOTPComparesCode(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedIdentity(t, store, "id-1", "a@x.com", "alice")
	now := time.Now()

	_ = store.Identities().SetEmailOTP(ctx, "id-1", domain.OneTimeCode{Code: "123456", ExpiresAt: now.Add(time.Minute)}, now)

	if err := store.Identities().ClearEmailOTP(ctx, "id-1", "654321", now); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for stale code, got %v", err)
	}
	if err := store.Identities().ClearEmailOTP(ctx, "id-1", "123456", now); err != nil {
		t.Fatalf("ClearEmailOTP returned error: %v", err)
	}
	if err := store.Identities().ClearEmailOTP(ctx, "id-1", "123456", now); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected second clear to fail, got %v", err)
	}
}

func TestRefreshTokenDeleteByHashSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.RefreshTokens().Create(ctx, domain.RefreshToken{ID: "rt-1", IdentityID: "id-1", TokenHash: "hash-1", ExpiresAt: time.Now().Add(time.Hour)})

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.RefreshTokens().DeleteByHash(ctx, "hash-1"); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one successful delete, got %d", wins)
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedIdentity(t, store, "id-1", "a@x.com", "alice")
	_ = store.RefreshTokens().Create(ctx, domain.RefreshToken{ID: "rt-1", IdentityID: "id-1", TokenHash: "hash-1"})

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(tx port.CredentialStore) error {
		if _, err := tx.RefreshTokens().DeleteByHash(ctx, "hash-1"); err != nil {
			return err
		}
		if err := tx.Identities().UpdatePassword(ctx, "id-1", "new-hash", time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := store.RefreshTokens().GetByHash(ctx, "hash-1"); err != nil {
		t.Fatalf("expected refresh token restored after rollback, got %v", err)
	}
	identity, _ := store.Identities().GetByID(ctx, "id-1")
	if identity.PasswordHash != "" {
		t.Fatalf("expected password unchanged after rollback, got %q", identity.PasswordHash)
	}
}

func TestWithinTxCommits(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedIdentity(t, store, "id-1", "a@x.com", "alice")

	err := store.WithinTx(ctx, func(tx port.CredentialStore) error {
		return tx.Identities().MarkEmailVerified(ctx, "id-1", time.Now())
	})
	if err != nil {
		t.Fatalf("WithinTx returned error: %v", err)
	}
	identity, _ := store.Identities().GetByID(ctx, "id-1")
	if !identity.EmailVerified {
		t.Fatal("expected committed change to be visible")
	}
}

func TestPasswordResetConsumeOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now()
	_ = store.PasswordResets().Create(ctx, domain.PasswordResetToken{ID: "pr-1", IdentityID: "id-1", TokenHash: "h", ExpiresAt: now.Add(time.Hour)})
	_ = store.PasswordResets().Create(ctx, domain.PasswordResetToken{ID: "pr-2", IdentityID: "id-1", TokenHash: "old", ExpiresAt: now.Add(-time.Minute)})

	if _, err := store.PasswordResets().Consume(ctx, "h", now); err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}
	if _, err := store.PasswordResets().Consume(ctx, "h", now); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected used token to be rejected, got %v", err)
	}
	if _, err := store.PasswordResets().Consume(ctx, "old", now); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	removed, _ := store.PasswordResets().DeleteExpired(ctx, now)
	if removed != 1 {
		t.Fatalf("expected one expired token removed, got %d", removed)
	}
}

func TestSessionRepositoryListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now()
	sessions := store.Sessions()

	_ = sessions.Create(ctx, domain.LoginSession{ID: "s-1", IdentityID: "id-1", TokenHash: "h1", LastActiveAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour)})
	_ = sessions.Create(ctx, domain.LoginSession{ID: "s-2", IdentityID: "id-1", TokenHash: "h2", LastActiveAt: now, ExpiresAt: now.Add(time.Hour)})
	_ = sessions.Create(ctx, domain.LoginSession{ID: "s-3", IdentityID: "id-1", TokenHash: "h3", ExpiresAt: now.Add(-time.Second)})

	list, _ := sessions.ListByIdentity(ctx, "id-1", now)
	if len(list) != 2 || list[0].ID != "s-2" {
		t.Fatalf("expected two active sessions newest first, got %+v", list)
	}

	if err := sessions.DeleteByID(ctx, "id-other", "s-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ownership check, got %v", err)
	}
	removed, _ := sessions.DeleteAllForIdentity(ctx, "id-1")
	if removed != 3 {
		t.Fatalf("expected three sessions removed, got %d", removed)
	}
}

func TestRateLimitStoreFixedWindow(t *testing.T) {
	ctx := context.Background()
	store := NewRateLimitStore()
	start := time.Date(2025, 10, 24, 10, 0, 0, 0, time.UTC)

	for i := 1; i <= 6; i++ {
		w, _ := store.Incr(ctx, "k", 15*time.Minute, start.Add(time.Duration(i)*time.Minute))
		if w.Count != i {
			t.Fatalf("expected count %d, got %d", i, w.Count)
		}
		if !w.ResetAt.Equal(start.Add(16 * time.Minute)) {
			t.Fatalf("expected window to stay anchored, got %v", w.ResetAt)
		}
	}

	w, _ := store.Incr(ctx, "k", 15*time.Minute, start.Add(17*time.Minute))
	if w.Count != 1 {
		t.Fatalf("expected fresh window after reset time, got %d", w.Count)
	}

	removed, _ := store.Prune(ctx, start.Add(time.Hour))
	if removed != 1 {
		t.Fatalf("expected one pruned window, got %d", removed)
	}
}
