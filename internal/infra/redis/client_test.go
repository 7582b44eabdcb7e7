package redis

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/storefront-auth/internal/infra/config"
)

func TestNewClientPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	client, err := NewClient(context.Background(), config.RedisSettings{
		Enabled:         true,
		Host:            mr.Host(),
		Port:            port,
		RateLimitPrefix: "auth:ratelimit",
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	defer client.Close()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck returned error: %v", err)
	}
	if client.KeyPrefix() != "auth:ratelimit" {
		t.Fatalf("unexpected key prefix %q", client.KeyPrefix())
	}
}

func TestNewClientFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	host := mr.Host()
	port, _ := strconv.Atoi(mr.Port())
	mr.Close()

	_, err := NewClient(context.Background(), config.RedisSettings{Host: host, Port: port}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatalf("expected ping failure")
	}
	if !strings.Contains(err.Error(), host) {
		t.Fatalf("error should name the unreachable address: %v", err)
	}
}
