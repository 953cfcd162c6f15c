package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is loaded from the environment; CLI flags override individual
// fields after loading.
type Config struct {
	Port            int           `env:"SG_PORT" envDefault:"8080"`
	DBPath          string        `env:"SG_DB_PATH" envDefault:"./split-goat.db"`
	TokenFile       string        `env:"SG_TOKEN_FILE" envDefault:".sg-token"`
	MonitorInterval time.Duration `env:"SG_MONITOR_INTERVAL" envDefault:"5m"`
	MaxTestDuration time.Duration `env:"SG_MAX_TEST_DURATION" envDefault:"0"`
	LogLevel        string        `env:"SG_LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}
