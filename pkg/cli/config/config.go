package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/service/worker"
	"github.com/secmon-lab/convolog/pkg/usecase"
	"github.com/secmon-lab/convolog/pkg/utils/metrics"
)

// Duration is a time.Duration written as a Go duration string in TOML
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return goerr.Wrap(ErrInvalidConfig, "invalid duration", goerr.V("value", string(text)))
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// RetentionConfig is the [retention] table
type RetentionConfig struct {
	Capacity       int       `toml:"capacity"`
	LockTimeout    *Duration `toml:"lock_timeout"`
	ImmediateRetry *bool     `toml:"immediate_retry"`
}

// SweepConfig is the [sweep] table
type SweepConfig struct {
	Interval    *Duration `toml:"interval"`
	Schedule    *string   `toml:"schedule"`
	Concurrency int       `toml:"concurrency"`
}

// AppConfig is the optional TOML configuration file. Unset values keep the
// built-in defaults.
type AppConfig struct {
	Retention RetentionConfig `toml:"retention"`
	Sweep     SweepConfig     `toml:"sweep"`
}

// DefaultAppConfig returns the configuration used when no file is given
func DefaultAppConfig() *AppConfig {
	lockTimeout := Duration(usecase.DefaultLockTimeout)
	interval := Duration(worker.DefaultSweepInterval)
	schedule := worker.DefaultSweepSchedule
	immediate := true

	return &AppConfig{
		Retention: RetentionConfig{
			Capacity:       model.DefaultCapacity,
			LockTimeout:    &lockTimeout,
			ImmediateRetry: &immediate,
		},
		Sweep: SweepConfig{
			Interval:    &interval,
			Schedule:    &schedule,
			Concurrency: worker.DefaultSweepConcurrency,
		},
	}
}

// Validate checks if the AppConfig is valid
func (a *AppConfig) Validate() error {
	if err := a.Policy().Validate(); err != nil {
		return goerr.Wrap(ErrInvalidConfig, "invalid retention capacity", goerr.V("capacity", a.Retention.Capacity))
	}
	if a.Retention.LockTimeout != nil && *a.Retention.LockTimeout <= 0 {
		return goerr.Wrap(ErrInvalidConfig, "lock_timeout must be positive",
			goerr.V("lock_timeout", time.Duration(*a.Retention.LockTimeout).String()))
	}
	if a.Sweep.Interval != nil && *a.Sweep.Interval <= 0 {
		return goerr.Wrap(ErrInvalidConfig, "sweep interval must be positive",
			goerr.V("interval", time.Duration(*a.Sweep.Interval).String()))
	}
	if a.Sweep.Concurrency < 1 {
		return goerr.Wrap(ErrInvalidConfig, "sweep concurrency must be at least 1",
			goerr.V("concurrency", a.Sweep.Concurrency))
	}
	if a.Sweep.Schedule != nil && *a.Sweep.Schedule != "" {
		if _, err := cron.ParseStandard(*a.Sweep.Schedule); err != nil {
			return goerr.Wrap(ErrInvalidConfig, "invalid sweep schedule",
				goerr.V(ScheduleKey, *a.Sweep.Schedule), goerr.V("cause", err.Error()))
		}
	}
	return nil
}

// Policy returns the retention policy
func (a *AppConfig) Policy() model.RetentionPolicy {
	return model.RetentionPolicy{Capacity: a.Retention.Capacity}
}

// ConversationOptions converts the configuration into use case options
func (a *AppConfig) ConversationOptions(m *metrics.Metrics) []usecase.ConversationOption {
	opts := []usecase.ConversationOption{
		usecase.WithRetentionPolicy(a.Policy()),
		usecase.WithMetrics(m),
	}
	if a.Retention.LockTimeout != nil {
		opts = append(opts, usecase.WithLockTimeout(time.Duration(*a.Retention.LockTimeout)))
	}
	if a.Retention.ImmediateRetry != nil {
		opts = append(opts, usecase.WithImmediateRetry(*a.Retention.ImmediateRetry))
	}
	return opts
}

// SweeperOptions converts the configuration into sweeper options
func (a *AppConfig) SweeperOptions() []worker.SweeperOption {
	opts := []worker.SweeperOption{
		worker.WithConcurrency(a.Sweep.Concurrency),
	}
	if a.Sweep.Interval != nil {
		opts = append(opts, worker.WithInterval(time.Duration(*a.Sweep.Interval)))
	}
	if a.Sweep.Schedule != nil {
		opts = append(opts, worker.WithSchedule(*a.Sweep.Schedule))
	}
	return opts
}

// LoadAppConfiguration loads the application configuration from a TOML file.
// Keys missing from the file keep their defaults.
func LoadAppConfiguration(path string) (*AppConfig, error) {
	// #nosec G304 - path is expected to be provided by CLI argument
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, goerr.Wrap(ErrConfigNotFound, "config file does not exist", goerr.V(ConfigPathKey, path))
		}
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V(ConfigPathKey, path))
	}

	config := DefaultAppConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, goerr.Wrap(err, "failed to parse TOML config", goerr.V(ConfigPathKey, path))
	}

	if err := config.Validate(); err != nil {
		return nil, goerr.Wrap(err, "config validation failed", goerr.V(ConfigPathKey, path))
	}

	return config, nil
}
