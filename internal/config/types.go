package config

import "time"

// Config is the runner configuration. Durations are Go duration strings in
// files ("3m", "90s").
type Config struct {
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
	Root     string `mapstructure:"root" yaml:"root"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogFile  string `mapstructure:"log_file" yaml:"log_file,omitempty"`

	// Budget
	Interval           time.Duration `mapstructure:"interval" yaml:"interval"`
	DefaultCeiling     int           `mapstructure:"default_ceiling" yaml:"default_ceiling"`
	OverrideCeiling    int           `mapstructure:"override_ceiling" yaml:"override_ceiling"`
	CustomRunThreshold int           `mapstructure:"custom_run_threshold" yaml:"custom_run_threshold"`
	Deadline           string        `mapstructure:"deadline" yaml:"deadline"` // RFC3339, duration or phrase; empty = unbounded

	// Phases
	AnalysisTimeout    time.Duration `mapstructure:"analysis_timeout" yaml:"analysis_timeout"`
	ActionTimeout      time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	ErrorBackoff       time.Duration `mapstructure:"error_backoff" yaml:"error_backoff"`
	MaxActionsPerCycle int           `mapstructure:"max_actions_per_cycle" yaml:"max_actions_per_cycle"`
	DefaultCapability  string        `mapstructure:"default_capability" yaml:"default_capability"`
	Analyzer           string        `mapstructure:"analyzer" yaml:"analyzer,omitempty"`
	ErrorLogCap        int           `mapstructure:"error_log_cap" yaml:"error_log_cap"`

	Verification VerificationConfig `mapstructure:"verification" yaml:"verification"`
	FixTracking  FixTrackingConfig  `mapstructure:"fix_tracking" yaml:"fix_tracking"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry" yaml:"telemetry"`

	Capabilities []CapabilityConfig `mapstructure:"capabilities" yaml:"capabilities"`
	Schedule     []ScheduleEntry    `mapstructure:"schedule" yaml:"schedule"`
}

type VerificationConfig struct {
	SweepEvery  int  `mapstructure:"sweep_every" yaml:"sweep_every"`
	SweepWindow int  `mapstructure:"sweep_window" yaml:"sweep_window"` // cycles looked back; 0 = since last sweep
	Strict      bool `mapstructure:"strict" yaml:"strict"`
}

type FixTrackingConfig struct {
	TopK int `mapstructure:"top_k" yaml:"top_k"`
	Cap  int `mapstructure:"cap" yaml:"cap"`
}

type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Stdout  bool `mapstructure:"stdout" yaml:"stdout"`
}

// CapabilityConfig declares an external command capability.
type CapabilityConfig struct {
	ID       string        `mapstructure:"id" yaml:"id"`
	Command  string        `mapstructure:"command" yaml:"command"`
	Dir      string        `mapstructure:"dir" yaml:"dir,omitempty"`
	Env      []string      `mapstructure:"env" yaml:"env,omitempty"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Artifact string        `mapstructure:"artifact" yaml:"artifact,omitempty"`
}

// ScheduleEntry emits a candidate every Every cycles.
type ScheduleEntry struct {
	Capability  string        `mapstructure:"capability" yaml:"capability"`
	Every       int           `mapstructure:"every" yaml:"every"`
	Kind        string        `mapstructure:"kind" yaml:"kind"`
	Description string        `mapstructure:"description" yaml:"description"`
	Category    string        `mapstructure:"category" yaml:"category,omitempty"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// Due reports whether the entry fires on cycle.
func (s ScheduleEntry) Due(cycle int) bool {
	return s.Every > 0 && cycle > 0 && cycle%s.Every == 0
}

// Capability returns the declaration for id.
func (c *Config) Capability(id string) (CapabilityConfig, bool) {
	for _, cc := range c.Capabilities {
		if cc.ID == id {
			return cc, true
		}
	}
	return CapabilityConfig{}, false
}

// TimeoutFor returns the per-capability timeout, falling back to the action
// timeout.
func (c *Config) TimeoutFor(id string) time.Duration {
	if cc, ok := c.Capability(id); ok && cc.Timeout > 0 {
		return cc.Timeout
	}
	return c.ActionTimeout
}
