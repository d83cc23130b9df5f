// Package config loads server configuration from the environment and an
// optional .env file.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the configuration for the exchange core server.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// DatabaseURL empty falls back to the in-memory store.
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	CORSOrigin string `env:"CORS_ORIGIN" envDefault:"*"`

	// Per-user exposure caps; zero disables the cap.
	MaxExposurePerMarket float64 `env:"MAX_EXPOSURE_PER_MARKET" envDefault:"0"`
	MaxExposureTotal     float64 `env:"MAX_EXPOSURE_TOTAL" envDefault:"0"`

	// Reference odds provider; empty disables the poller.
	OddsProviderURL string        `env:"ODDS_PROVIDER_URL"`
	OddsProviderKey string        `env:"ODDS_PROVIDER_KEY"`
	OddsPollEvery   time.Duration `env:"ODDS_POLL_INTERVAL" envDefault:"15s"`

	// Settlement scanner cadence; zero disables the scanner.
	SettlementPollEvery time.Duration `env:"SETTLEMENT_POLL_INTERVAL" envDefault:"60s"`
}

// Load reads the configuration from a .env file (if present) and the
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
