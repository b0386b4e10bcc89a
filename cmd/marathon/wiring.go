package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chr1sbest/marathon/internal/config"
	"github.com/chr1sbest/marathon/internal/logger"
	"github.com/chr1sbest/marathon/internal/state"
)

// loadConfig reads and validates the config file. A missing file yields
// the defaults with environment overrides applied.
func loadConfig(path string) (*config.Config, error) {
	return config.NewLoader().LoadAndValidate(path)
}

func stateDir(cfg *config.Config) string {
	if cfg.StateDir == "" {
		return config.DefaultStateDir
	}
	return cfg.StateDir
}

func newStore(cfg *config.Config) *state.Store {
	return state.NewStore(stateDir(cfg))
}

// newLogger writes to cfg.LogFile, or to marathon.log in the state directory.
// Console output belongs to the status writer, so logs never go to stdout.
func newLogger(cfg *config.Config, verbose io.Writer) (logger.Logger, func() error, error) {
	path := cfg.LogFile
	if path == "" {
		path = filepath.Join(stateDir(cfg), "marathon.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	level := logger.ParseLevel(cfg.LogLevel)
	fileLog, err := logger.NewFileLogger(path, level)
	if err != nil {
		return nil, nil, err
	}
	if verbose == nil {
		return fileLog, fileLog.Close, nil
	}
	return logger.NewMultiLogger(fileLog, logger.NewWriterLogger(verbose, level)), fileLog.Close, nil
}
