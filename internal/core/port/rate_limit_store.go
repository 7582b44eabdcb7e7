package port

import (
	"context"
	"time"
)

// RateWindow is the state of one fixed rate-limit window after an increment.
type RateWindow struct {
	Count   int
	ResetAt time.Time
}

// RateLimitStore counts hits per key in fixed windows.
// Incr starts a fresh window of the given length when none exists or the previous one has passed.
type RateLimitStore interface {
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (RateWindow, error)
}
