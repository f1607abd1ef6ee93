package config

import "github.com/m-mizutani/goerr/v2"

// Sentinel errors for configuration validation
var (
	ErrConfigNotFound  = goerr.New("configuration file not found")
	ErrInvalidConfig   = goerr.New("invalid configuration")
	ErrMissingRequired = goerr.New("required setting is missing")
	ErrUnknownBackend  = goerr.New("unknown repository backend")
)

// Context keys for error values
const (
	ConfigPathKey = "config_path"
	BackendKey    = "backend"
	FlagKey       = "flag"
	LogLevelKey   = "log_level"
	LogFormatKey  = "log_format"
	LogOutputKey  = "log_output"
	ScheduleKey   = "schedule"
)
