package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAuthMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAuthMetrics(reg)

	m.LoginAttempt("success")
	m.LoginAttempt("success")
	m.LoginAttempt("invalid_credentials")
	m.SecurityEvent("account_locked")
	m.RateLimited("login")
	m.TokenRotation("replay")

	if got := testutil.ToFloat64(m.loginAttempts.WithLabelValues("success")); got != 2 {
		t.Fatalf("expected 2 successful logins, got %v", got)
	}
	if got := testutil.ToFloat64(m.loginAttempts.WithLabelValues("invalid_credentials")); got != 1 {
		t.Fatalf("expected 1 failed login, got %v", got)
	}
	if got := testutil.ToFloat64(m.securityEvents.WithLabelValues("account_locked")); got != 1 {
		t.Fatalf("expected 1 security event, got %v", got)
	}
	if got := testutil.ToFloat64(m.rateLimited.WithLabelValues("login")); got != 1 {
		t.Fatalf("expected 1 rate limited request, got %v", got)
	}
	if got := testutil.ToFloat64(m.tokenRotations.WithLabelValues("replay")); got != 1 {
		t.Fatalf("expected 1 replay, got %v", got)
	}

	if n := testutil.CollectAndCount(m.loginAttempts); n != 2 {
		t.Fatalf("expected 2 login series, got %d", n)
	}
}

func TestNewAuthMetricsRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewAuthMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	NewAuthMetrics(reg)
}
