package store

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically deletes expired ephemeral tokens. Expiry is still
// enforced lazily at redemption; the sweep is storage hygiene only.
// Pending-login sessions live in Redis under a TTL and need no sweep.
type Sweeper struct {
	tokens   EphemeralTokenStore
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(tokens EphemeralTokenStore, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{tokens: tokens, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.tokens.DeleteExpiredEphemeralTokens(ctx, time.Now())
			if err != nil {
				s.logger.Error("ephemeral token sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("swept expired ephemeral tokens", "count", n)
			}
		}
	}
}
