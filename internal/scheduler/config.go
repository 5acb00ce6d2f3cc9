package scheduler

import "github.com/roach88/offsync/internal/config"

// FromConfig returns the options the sync section of cfg asks for.
func FromConfig(cfg *config.Config) []Option {
	return []Option{
		WithInterval(cfg.Sync.Interval),
		WithPeriodic(cfg.Sync.Periodic),
		WithConcurrency(cfg.Sync.Concurrency),
	}
}
