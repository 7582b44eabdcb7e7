package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/storefront-auth/internal/core/port"
)

// Pruner drops expired entries from an auxiliary store, such as the in-process rate-limit map.
type Pruner interface {
	Prune(ctx context.Context, now time.Time) (int, error)
}

// SweepResult counts the rows removed by one sweep.
type SweepResult struct {
	RefreshTokens  int
	Sessions       int
	PasswordResets int
	Pruned         int
}

// ExpirySweeper periodically deletes expired refresh tokens, sessions and reset tokens.
type ExpirySweeper struct {
	store   port.CredentialStore
	pruners []Pruner
	logger  *zap.Logger
	now     func() time.Time
}

// NewExpirySweeper constructs a sweeper over store. Pruners run after the store sweep.
func NewExpirySweeper(store port.CredentialStore, logger *zap.Logger, pruners ...Pruner) *ExpirySweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpirySweeper{
		store:   store,
		pruners: pruners,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *ExpirySweeper) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Sweep removes everything that expired before now.
func (s *ExpirySweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var (
		result SweepResult
		err    error
	)
	if result.RefreshTokens, err = s.store.RefreshTokens().DeleteExpired(ctx, now); err != nil {
		return result, fmt.Errorf("sweep refresh tokens: %w", err)
	}
	if result.Sessions, err = s.store.Sessions().DeleteExpired(ctx, now); err != nil {
		return result, fmt.Errorf("sweep sessions: %w", err)
	}
	if result.PasswordResets, err = s.store.PasswordResets().DeleteExpired(ctx, now); err != nil {
		return result, fmt.Errorf("sweep password resets: %w", err)
	}
	for _, pruner := range s.pruners {
		n, err := pruner.Prune(ctx, now)
		if err != nil {
			return result, fmt.Errorf("prune: %w", err)
		}
		result.Pruned += n
	}
	return result, nil
}

// Run sweeps every interval until ctx is done.
func (s *ExpirySweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			result, err := s.Sweep(ctx, s.now())
			if err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
				continue
			}
			s.logger.Debug("expiry sweep completed",
				zap.Int("refresh_tokens", result.RefreshTokens),
				zap.Int("sessions", result.Sessions),
				zap.Int("password_resets", result.PasswordResets),
				zap.Int("pruned", result.Pruned),
			)
		}
	}
}
