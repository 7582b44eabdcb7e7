package memory

import (
	"context"
	"sync"
	"time"

	"github.com/arklim/storefront-auth/internal/core/port"
)

// RateLimitStore keeps fixed-window counters in a process-local map. Counts are lost on restart.
type RateLimitStore struct {
	mu      sync.Mutex
	windows map[string]port.RateWindow
}

var _ port.RateLimitStore = (*RateLimitStore)(nil)

// NewRateLimitStore constructs an empty counter store.
func NewRateLimitStore() *RateLimitStore {
	return &RateLimitStore{windows: make(map[string]port.RateWindow)}
}

// Incr counts one hit for key, starting a fresh window once now is past the previous reset time.
func (s *RateLimitStore) Incr(_ context.Context, key string, window time.Duration, now time.Time) (port.RateWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.windows[key]
	if !ok || now.After(current.ResetAt) {
		current = port.RateWindow{ResetAt: now.Add(window)}
	}
	current.Count++
	s.windows[key] = current
	return current, nil
}

// Prune drops windows whose reset time has passed and returns how many were removed.
func (s *RateLimitStore) Prune(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		if now.After(w.ResetAt) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed, nil
}
