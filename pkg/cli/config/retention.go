package config

import (
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

// Retention holds CLI flags for the retention policy and the sweeper. Flags
// that are set explicitly override the TOML file.
type Retention struct {
	configPath       string
	capacity         int64
	lockTimeout      time.Duration
	immediateRetry   bool
	sweepInterval    time.Duration
	sweepSchedule    string
	sweepConcurrency int64
}

const (
	flagConfig           = "config"
	flagCapacity         = "capacity"
	flagLockTimeout      = "lock-timeout"
	flagImmediateRetry   = "immediate-retry"
	flagSweepInterval    = "sweep-interval"
	flagSweepSchedule    = "sweep-schedule"
	flagSweepConcurrency = "sweep-concurrency"
)

// Flags returns CLI flags for retention configuration
func (r *Retention) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        flagConfig,
			Aliases:     []string{"c"},
			Usage:       "Path to a TOML configuration file",
			Category:    "Retention",
			Sources:     cli.EnvVars("CONVOLOG_CONFIG"),
			Destination: &r.configPath,
		},
		&cli.Int64Flag{
			Name:        flagCapacity,
			Usage:       "Maximum entries kept per conversation",
			Category:    "Retention",
			Sources:     cli.EnvVars("CONVOLOG_CAPACITY"),
			Destination: &r.capacity,
		},
		&cli.DurationFlag{
			Name:        flagLockTimeout,
			Usage:       "How long an append waits for its conversation lock",
			Category:    "Retention",
			Sources:     cli.EnvVars("CONVOLOG_LOCK_TIMEOUT"),
			Destination: &r.lockTimeout,
		},
		&cli.BoolFlag{
			Name:        flagImmediateRetry,
			Usage:       "Retry a failed eviction right after the append returns",
			Category:    "Retention",
			Sources:     cli.EnvVars("CONVOLOG_IMMEDIATE_RETRY"),
			Destination: &r.immediateRetry,
		},
		&cli.DurationFlag{
			Name:        flagSweepInterval,
			Usage:       "How often conversations with a failed eviction are retried",
			Category:    "Retention",
			Sources:     cli.EnvVars("CONVOLOG_SWEEP_INTERVAL"),
			Destination: &r.sweepInterval,
		},
		&cli.StringFlag{
			Name:        flagSweepSchedule,
			Usage:       "Cron schedule of the full over-capacity sweep (empty disables it)",
			Category:    "Retention",
			Sources:     cli.EnvVars("CONVOLOG_SWEEP_SCHEDULE"),
			Destination: &r.sweepSchedule,
		},
		&cli.Int64Flag{
			Name:        flagSweepConcurrency,
			Usage:       "Conversations swept in parallel",
			Category:    "Retention",
			Sources:     cli.EnvVars("CONVOLOG_SWEEP_CONCURRENCY"),
			Destination: &r.sweepConcurrency,
		},
	}
}

// LogValue renders the settings for the startup log
func (r Retention) LogValue() slog.Value {
	return slog.GroupValue(slog.String("config", r.configPath))
}

// Configure loads the TOML file when one is given, overlays every flag the
// user set explicitly and validates the result.
func (r *Retention) Configure(c *cli.Command) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if r.configPath != "" {
		loaded, err := LoadAppConfiguration(r.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet(flagCapacity) {
		cfg.Retention.Capacity = int(r.capacity)
	}
	if c.IsSet(flagLockTimeout) {
		d := Duration(r.lockTimeout)
		cfg.Retention.LockTimeout = &d
	}
	if c.IsSet(flagImmediateRetry) {
		v := r.immediateRetry
		cfg.Retention.ImmediateRetry = &v
	}
	if c.IsSet(flagSweepInterval) {
		d := Duration(r.sweepInterval)
		cfg.Sweep.Interval = &d
	}
	if c.IsSet(flagSweepSchedule) {
		s := r.sweepSchedule
		cfg.Sweep.Schedule = &s
	}
	if c.IsSet(flagSweepConcurrency) {
		cfg.Sweep.Concurrency = int(r.sweepConcurrency)
	}

	if err := cfg.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid retention settings")
	}
	return cfg, nil
}
