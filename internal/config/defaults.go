package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultStateDir        = ".marathon"
	DefaultInterval        = 3 * time.Minute
	DefaultAnalysisTimeout = 30 * time.Second
	DefaultActionTimeout   = 60 * time.Second
	DefaultErrorBackoff    = 5 * time.Second
)

// SetDefaults registers every scalar key with viper. Registered keys are also
// the ones that MARATHON_* environment variables can override.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("root", ".")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("default_ceiling", 10000)
	v.SetDefault("override_ceiling", 0)
	v.SetDefault("custom_run_threshold", 100)
	v.SetDefault("deadline", "")

	v.SetDefault("analysis_timeout", DefaultAnalysisTimeout)
	v.SetDefault("action_timeout", DefaultActionTimeout)
	v.SetDefault("error_backoff", DefaultErrorBackoff)
	v.SetDefault("max_actions_per_cycle", 5)
	v.SetDefault("default_capability", "noop")
	v.SetDefault("analyzer", "")
	v.SetDefault("error_log_cap", 500)

	v.SetDefault("verification.sweep_every", 90)
	v.SetDefault("verification.sweep_window", 0)
	v.SetDefault("verification.strict", false)

	v.SetDefault("fix_tracking.top_k", 5)
	v.SetDefault("fix_tracking.cap", 20)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
}

// Default returns the configuration with every default applied and no
// environment overrides.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults alone always decode.
		panic(err)
	}
	return &cfg
}
