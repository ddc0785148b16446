package core

// scheduler.go runs background maintenance for the import log.
//
// The retention job deletes recorded runs older than the configured number of
// days. It runs once at startup and then on every tick until its context is
// cancelled. A failed purge is logged and retried on the next tick.

import (
	"context"
	"log/slog"
	"time"
)

// RetentionConfig holds configuration for the retention scheduler.
// Zero values select defaults.
type RetentionConfig struct {
	Days          int           // Days to keep recorded runs (default: 90)
	CheckInterval time.Duration // How often to run (default: 24h)
	Now           func() time.Time
}

func (c *RetentionConfig) applyDefaults() {
	if c.Days <= 0 {
		c.Days = 90
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// StartRetentionScheduler purges old runs from p periodically. It blocks
// until ctx is cancelled, so callers usually start it in a goroutine.
func StartRetentionScheduler(ctx context.Context, p Purger, cfg RetentionConfig) {
	cfg.applyDefaults()
	slog.Info("retention scheduler started",
		"retention_days", cfg.Days,
		"interval", cfg.CheckInterval,
	)

	// Run immediately on startup
	runRetentionJob(ctx, p, cfg)

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention scheduler stopped")
			return
		case <-ticker.C:
			runRetentionJob(ctx, p, cfg)
		}
	}
}

// runRetentionJob performs one purge and returns the number of runs deleted.
func runRetentionJob(ctx context.Context, p Purger, cfg RetentionConfig) int64 {
	start := time.Now()
	cutoff := cfg.Now().AddDate(0, 0, -cfg.Days)

	purged, err := p.PurgeBefore(ctx, cutoff)
	if err != nil {
		slog.Error("purge import runs failed", "cutoff", cutoff, "error", err)
		return 0
	}

	slog.Info("purged old import runs",
		"runs_purged", purged,
		"cutoff", cutoff,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return purged
}
