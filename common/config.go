package common

import (
	"github.com/xyproto/env/v2"
)

const (
	defaultWorkers = 4
	maxWorkers     = 16
)

// Config holds the CLI settings. Environment variables provide the
// defaults and command line flags override them.
type Config struct {
	Verbose     bool
	Parallel    bool
	MaxWorkers  int
	Exports     bool
	Imports     bool
	Manifest    bool
	SxS         bool
	Sections    bool
	ShowVersion bool
}

// LoadConfig reads GOPEINSPECT_* environment variables. The env cache is
// refreshed first so values set after start-up are seen.
func LoadConfig() *Config {
	env.Load()
	return &Config{
		Verbose:    env.Bool("GOPEINSPECT_DEBUG"),
		Parallel:   env.Bool("GOPEINSPECT_PARALLEL"),
		MaxWorkers: env.Int("GOPEINSPECT_WORKERS", defaultWorkers),
	}
}

// Normalize clamps the worker count and turns on every view when none
// was selected explicitly.
func (c *Config) Normalize() {
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 1
	}
	if c.MaxWorkers > maxWorkers {
		c.MaxWorkers = maxWorkers
	}
	if !c.Exports && !c.Imports && !c.Manifest && !c.SxS && !c.Sections {
		c.Exports = true
		c.Imports = true
		c.Manifest = true
		c.Sections = true
	}
}
