package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// devSecret is only accepted when the server runs with debug enabled.
const devSecret = "relaychess-dev-secret-change-me"

// Config holds everything the server reads from its environment.
type Config struct {
	Port  int  `env:"PORT" envDefault:"8080"`
	Debug bool `env:"DEBUG"`

	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"12h"`

	Redis RedisConfig

	// DatabaseURL enables the Postgres archive of finished games when set.
	DatabaseURL string `env:"DATABASE_URL"`

	PollTimeout       time.Duration `env:"POLL_TIMEOUT" envDefault:"30s"`
	EventHistoryTTL   time.Duration `env:"EVENT_HISTORY_TTL" envDefault:"1h"`
	MoveTimeBuffer    time.Duration `env:"MOVE_TIME_BUFFER" envDefault:"1s"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	CleanupMaxAgeDays int           `env:"CLEANUP_MAX_AGE_DAYS" envDefault:"30"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// RedisConfig holds the shared store connection settings.
type RedisConfig struct {
	Addr        string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password    string        `env:"REDIS_PASSWORD"`
	DB          int           `env:"REDIS_DB" envDefault:"0"`
	PoolSize    int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	DialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"10s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment into a Config and validates it. debug forces
// debug mode on regardless of DEBUG.
func Load(debug bool) (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Debug = cfg.Debug || debug

	if cfg.JWTSecret == "" {
		if !cfg.Debug {
			return Config{}, errors.New("JWT_SECRET is required")
		}
		cfg.JWTSecret = devSecret
	}
	if cfg.PollTimeout <= 0 {
		return Config{}, fmt.Errorf("POLL_TIMEOUT must be positive, got %s", cfg.PollTimeout)
	}
	if cfg.CleanupMaxAgeDays < 1 {
		return Config{}, fmt.Errorf("CLEANUP_MAX_AGE_DAYS must be at least 1, got %d", cfg.CleanupMaxAgeDays)
	}
	return cfg, nil
}
