package config

import (
	"testing"
	"time"
)

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_JWT_ACCESS_SECRET", "access-secret-access-secret-0123")
	t.Setenv("AUTH_JWT_REFRESH_SECRET", "refresh-secret-refresh-secret-01")
}

func TestLoadDefaults(t *testing.T) {
	setSecrets(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.JWT.AccessTokenTTL != 15*time.Minute || cfg.JWT.RefreshTokenTTL != 7*24*time.Hour {
		t.Fatalf("unexpected token ttls %v %v", cfg.JWT.AccessTokenTTL, cfg.JWT.RefreshTokenTTL)
	}
	if cfg.Lockout.MaxAttempts != 5 || cfg.Lockout.Duration != 30*time.Minute {
		t.Fatalf("unexpected lockout settings %+v", cfg.Lockout)
	}
	if cfg.OTP.TTL != 10*time.Minute || cfg.PasswordReset.TTL != time.Hour || cfg.Session.TTL != 30*24*time.Hour {
		t.Fatalf("unexpected ttl settings otp=%v reset=%v session=%v", cfg.OTP.TTL, cfg.PasswordReset.TTL, cfg.Session.TTL)
	}
	if cfg.TOTP.Skew != 2 || cfg.TOTP.Period != 30 {
		t.Fatalf("unexpected totp settings %+v", cfg.TOTP)
	}
	if cfg.RateLimit.LoginMaxAttempts <= cfg.Lockout.MaxAttempts || cfg.OTP.MaxAttempts != 5 {
		t.Fatalf("unexpected attempt limits login=%d otp=%d", cfg.RateLimit.LoginMaxAttempts, cfg.OTP.MaxAttempts)
	}
	if cfg.RateLimit.WindowDuration != 15*time.Minute || cfg.RateLimit.Backend != "memory" {
		t.Fatalf("unexpected rate limit settings %+v", cfg.RateLimit)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	setSecrets(t)
	t.Setenv("AUTH_STORAGE_DRIVER", "memory")
	t.Setenv("AUTH_LOCKOUT_MAX_ATTEMPTS", "3")
	t.Setenv("AUTH_PASSWORD_RESET_INVALIDATE_PREVIOUS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("expected memory driver, got %s", cfg.Storage.Driver)
	}
	if cfg.Lockout.MaxAttempts != 3 {
		t.Fatalf("expected 3 max attempts, got %d", cfg.Lockout.MaxAttempts)
	}
	if !cfg.PasswordReset.InvalidatePrevious {
		t.Fatalf("expected invalidate_previous override")
	}
}

func TestLoadRejectsSharedSecrets(t *testing.T) {
	t.Setenv("AUTH_JWT_ACCESS_SECRET", "same-secret-same-secret-same-123")
	t.Setenv("AUTH_JWT_REFRESH_SECRET", "same-secret-same-secret-same-123")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for identical signing secrets")
	}
}

func TestLoadRejectsRedisBackendWithoutRedis(t *testing.T) {
	setSecrets(t)
	t.Setenv("AUTH_RATE_LIMIT_BACKEND", "redis")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for redis backend without redis")
	}
}

func TestLoadRejectsLoginLimitBelowLockout(t *testing.T) {
	setSecrets(t)
	t.Setenv("AUTH_RATE_LIMIT_LOGIN_MAX_ATTEMPTS", "5")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when the login rate limit does not exceed the lockout threshold")
	}
}
