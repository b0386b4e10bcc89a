package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Write saves cfg to path as YAML, or JSON for a .json path. An existing file
// is only replaced when overwrite is set.
func Write(path string, cfg *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}

	var (
		data []byte
		err  error
	)
	if formatOf(path) == "json" {
		data, err = json.MarshalIndent(jsonView(cfg), "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// jsonView round-trips through YAML so JSON output uses the same snake_case
// keys and duration strings as the YAML form.
func jsonView(cfg *Config) any {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return cfg
	}
	return m
}
