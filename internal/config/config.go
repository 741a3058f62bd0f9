package config

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/fx"
)

// Config holds process-level settings for the billing core.
type Config struct {
	Environment string
	DatabaseURL string

	// SequenceLockWait bounds how long a finalization waits for a
	// numbering-scope advisory lock before failing.
	SequenceLockWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		Environment:      "development",
		SequenceLockWait: 10 * time.Second,
	}
}

// Load reads configuration from the environment, falling back to defaults.
func Load() Config {
	cfg := Config{
		Environment: os.Getenv("BILLABLY_ENV"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
	}
	if raw := os.Getenv("BILLABLY_SEQUENCE_LOCK_WAIT_MS"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			cfg.SequenceLockWait = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Environment == "" {
		c.Environment = defaults.Environment
	}
	if c.SequenceLockWait <= 0 {
		c.SequenceLockWait = defaults.SequenceLockWait
	}
	return c
}

func (c Config) IsProduction() bool { return c.Environment == "production" }

var Module = fx.Module("config",
	fx.Provide(Load),
)
