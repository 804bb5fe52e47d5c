// Package config reads runtime settings from the environment.
package config

import (
	"fmt"

	"github.com/xyproto/env/v2"

	"github.com/eigerco/vmprotect/pkg/log"
)

const (
	EnvLogLevel   = "VMPROTECT_LOG_LEVEL"
	EnvLogJSON    = "VMPROTECT_LOG_JSON"
	EnvArchiveDir = "VMPROTECT_ARCHIVE_DIR"
	EnvTrapLimit  = "VMPROTECT_TRAP_LIMIT"

	DefaultArchiveDir = "vmprotect-archive"
)

type Config struct {
	LogLevel   string
	LogJSON    bool
	ArchiveDir string // pebble directory holding packed stores
	TrapLimit  int    // traps the runner handles before giving up, 0 for no limit
}

// Load reads the environment, unset variables take their defaults
func Load() Config {
	// env caches os.Environ on first use
	env.Load()
	c := Config{
		LogLevel:   env.Str(EnvLogLevel, "info"),
		LogJSON:    env.Bool(EnvLogJSON),
		ArchiveDir: env.Str(EnvArchiveDir, DefaultArchiveDir),
		TrapLimit:  env.Int(EnvTrapLimit, 0),
	}
	if c.TrapLimit < 0 {
		c.TrapLimit = 0
	}
	return c
}

// LogOptions the logger settings of c
func (c Config) LogOptions() (log.Options, error) {
	level, err := log.ParseLogLevel(c.LogLevel)
	if err != nil {
		return log.Options{}, fmt.Errorf("config: %s: %w", EnvLogLevel, err)
	}
	opts := log.Options{LogLevel: level, Type: log.ConsoleLogger}
	if c.LogJSON {
		opts.Type = log.JSONLogger
	}
	return opts, nil
}
