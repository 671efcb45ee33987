package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/selairgi/socagents/internal/soc"
)

// Sweeper periodically purges expired IP blocks and rate-limit buckets from
// the store. It runs until its context is cancelled.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper with the given purge interval (default 60s).
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "memory.Sweeper"),
	}
}

// Run blocks, purging on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.PurgeExpired(ctx, soc.Now())
			if err != nil {
				s.logger.Warn("purge failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("purged expired rows", "count", n)
			}
		}
	}
}
