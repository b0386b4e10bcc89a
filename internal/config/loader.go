package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: MARATHON_INTERVAL,
// MARATHON_VERIFICATION_STRICT, ...
const EnvPrefix = "MARATHON"

// Loader handles loading configuration files.
type Loader struct {
	envPrefix string
}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix}
}

func (l *Loader) viper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadFile loads a configuration from a specific file path. YAML and JSON are
// chosen by extension. ${VAR} references in the file are expanded before
// parsing (see expandEnv).
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data, err = expandEnv(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	v := l.viper()
	v.SetConfigType(formatOf(path))
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return decode(v)
}

// Load is LoadFile that tolerates a missing file (or an empty path) by
// returning defaults plus environment overrides.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		cfg, err := l.LoadFile(path)
		if err == nil || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}
	return decode(l.viper())
}

// LoadAndValidate loads and validates a config file.
func (l *Loader) LoadAndValidate(path string) (*Config, error) {
	cfg, err := l.Load(path)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed for %s:\n%w", path, err)
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}
