package scheduler

import (
	"time"

	"github.com/smallbiznis/allocledger/internal/config"
)

const (
	JobInvariantSweep = "invariant_sweep"
	JobCacheRepair    = "cache_repair"
)

// Config controls the maintenance pass cadence and which jobs run.
type Config struct {
	Enabled     bool
	RunInterval time.Duration
	EnabledJobs []string
	RepairCache bool
	JobTimeout  time.Duration
	LockTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		RunInterval: 5 * time.Minute,
		RepairCache: true,
		JobTimeout:  time.Minute,
		LockTTL:     5 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	m := cfg.Maintenance
	return Config{
		Enabled:     m.Enabled,
		RunInterval: m.Interval,
		EnabledJobs: m.Jobs,
		RepairCache: m.RepairCache,
		JobTimeout:  m.JobTimeout,
		LockTTL:     m.LockTTL,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	// a lease shorter than the job would let a second instance start mid-run
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout
	}
	return c
}
