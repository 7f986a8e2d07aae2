package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	ListenAddr     string
	HealthPort     string // empty disables /healthz and /metrics
	DNSPort        string // empty disables the DNS bridge
	SeedFile       string
	SeedURL        string
	ReloadInterval time.Duration // 0 disables periodic reloads
	MaxConns       int           // 0 means unbounded
	IdleTimeout    time.Duration // 0 disables the idle timeout
	ShutdownGrace  time.Duration
	RequestRate    float64 // requests/second per connection, 0 means unlimited
	RequestBurst   int
	LogLevel       zerolog.Level
	LogFormat      string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr: envOrDefault("LISTEN_ADDR", ":8888"),
		HealthPort: envOrDefault("HEALTH_PORT", "8080"),
		DNSPort:    os.Getenv("DNS_PORT"),
		SeedFile:   os.Getenv("SEED_FILE"),
		SeedURL:    os.Getenv("SEED_URL"),
		LogFormat:  envOrDefault("LOG_FORMAT", "console"),
	}

	var err error
	if cfg.ReloadInterval, err = envDuration("RELOAD_INTERVAL", "0s"); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout, err = envDuration("IDLE_TIMEOUT", "5m"); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = envDuration("SHUTDOWN_GRACE", "5s"); err != nil {
		return nil, err
	}
	if cfg.MaxConns, err = envInt("MAX_CONNS", "0"); err != nil {
		return nil, err
	}
	if cfg.RequestBurst, err = envInt("REQUEST_BURST", "16"); err != nil {
		return nil, err
	}

	rateStr := envOrDefault("REQUEST_RATE", "0")
	if cfg.RequestRate, err = strconv.ParseFloat(rateStr, 64); err != nil {
		return nil, fmt.Errorf("invalid REQUEST_RATE %q: %w", rateStr, err)
	}

	levelStr := envOrDefault("LOG_LEVEL", "info")
	if cfg.LogLevel, err = zerolog.ParseLevel(levelStr); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", levelStr, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks cross-field constraints. It runs again after command line
// flags have been applied.
func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty")
	}
	if c.SeedFile != "" && c.SeedURL != "" {
		return fmt.Errorf("SEED_FILE and SEED_URL are mutually exclusive")
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("invalid MAX_CONNS %d: must be >= 0", c.MaxConns)
	}
	if c.RequestRate < 0 {
		return fmt.Errorf("invalid REQUEST_RATE %g: must be >= 0", c.RequestRate)
	}
	if c.RequestRate > 0 && c.RequestBurst < 1 {
		return fmt.Errorf("invalid REQUEST_BURST %d: must be >= 1", c.RequestBurst)
	}
	if c.ReloadInterval < 0 || c.IdleTimeout < 0 || c.ShutdownGrace < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("invalid LOG_FORMAT %q: want console or json", c.LogFormat)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key, fallback string) (time.Duration, error) {
	v := envOrDefault(key, fallback)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func envInt(key, fallback string) (int, error) {
	v := envOrDefault(key, fallback)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
