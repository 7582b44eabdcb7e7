package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/storefront-auth/internal/core/port"
)

// Rate-limited routes of the orchestrator.
const (
	RouteLogin         = "login"
	RouteRegister      = "register"
	RouteRefresh       = "refresh"
	RoutePasswordReset = "password_reset"
	RouteOTPResend     = "otp_resend"
	RouteOTPVerify     = "otp_verify"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter applies fixed-window limits over an injected counter store.
// It is advisory: counter store failures are logged and the request is allowed.
type RateLimiter struct {
	store  port.RateLimitStore
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimiter constructs a RateLimiter.
func NewRateLimiter(store port.RateLimitStore, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (l *RateLimiter) WithClock(clock func() time.Time) {
	if clock != nil {
		l.now = clock
	}
}

// RateLimitKey builds the (client address, route) counter key.
func RateLimitKey(clientAddr, route string) string {
	clientAddr = strings.TrimSpace(clientAddr)
	if clientAddr == "" {
		clientAddr = "unknown"
	}
	return "rl:" + route + ":" + clientAddr
}

// Allow counts a hit for key. The request is allowed while the window count stays
// within maxAttempts; otherwise RetryAfter holds the time left in the window.
func (l *RateLimiter) Allow(ctx context.Context, key string, maxAttempts int, window time.Duration) (Decision, error) {
	if maxAttempts <= 0 {
		return Decision{}, fmt.Errorf("rate limit: max attempts must be positive")
	}
	if window <= 0 {
		return Decision{}, fmt.Errorf("rate limit: window must be positive")
	}

	now := l.now()
	state, err := l.store.Incr(ctx, key, window, now)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, allowing request", zap.String("key", key), zap.Error(err))
		return Decision{Allowed: true, Limit: maxAttempts}, nil
	}

	decision := Decision{
		Allowed: state.Count <= maxAttempts,
		Count:   state.Count,
		Limit:   maxAttempts,
		ResetAt: state.ResetAt,
	}
	if !decision.Allowed {
		decision.RetryAfter = state.ResetAt.Sub(now)
		if decision.RetryAfter < time.Second {
			decision.RetryAfter = time.Second
		}
	}
	return decision, nil
}
