package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*red.Client, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := red.NewClient(&red.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	return client, server
}

func TestRateLimitRepository_CountsWithinWindow(t *testing.T) {
	client, server := newTestRedis(t)
	repo := NewRateLimitRepository(client, "ratelimit")

	ctx := context.Background()
	now := time.Date(2025, 10, 24, 10, 0, 0, 0, time.UTC)

	for i := 1; i <= 6; i++ {
		w, err := repo.Incr(ctx, "198.51.100.10:login", 15*time.Minute, now)
		if err != nil {
			t.Fatalf("Incr returned error: %v", err)
		}
		if w.Count != i {
			t.Fatalf("expected count %d, got %d", i, w.Count)
		}
		if !w.ResetAt.After(now) || w.ResetAt.After(now.Add(15*time.Minute)) {
			t.Fatalf("unexpected reset time %v", w.ResetAt)
		}
	}

	if !server.Exists("ratelimit:198.51.100.10:login") {
		t.Fatalf("expected prefixed key to exist")
	}
	if ttl := server.TTL("ratelimit:198.51.100.10:login"); ttl != 15*time.Minute {
		t.Fatalf("expected ttl anchored on first hit, got %v", ttl)
	}
}

func TestRateLimitRepository_ResetsAfterWindow(t *testing.T) {
	client, server := newTestRedis(t)
	repo := NewRateLimitRepository(client, "ratelimit")

	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		if _, err := repo.Incr(ctx, "k", time.Minute, now); err != nil {
			t.Fatalf("Incr returned error: %v", err)
		}
	}

	server.FastForward(61 * time.Second)

	w, err := repo.Incr(ctx, "k", time.Minute, now.Add(61*time.Second))
	if err != nil {
		t.Fatalf("Incr returned error: %v", err)
	}
	if w.Count != 1 {
		t.Fatalf("expected fresh window, got count %d", w.Count)
	}
}

func TestRateLimitRepository_RejectsInvalidWindow(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewRateLimitRepository(client, "")

	if _, err := repo.Incr(context.Background(), "k", 0, time.Now()); err == nil {
		t.Fatalf("expected error for zero window")
	}
}
