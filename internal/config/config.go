// Package config loads ledger engine settings from an optional YAML file
// and environment variable overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the ledger engine.
type Config struct {
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Market  Market  `yaml:"market"`
	Ledger  Ledger  `yaml:"ledger"`
	Logging Logging `yaml:"logging"`
}

// Server holds network listener configuration. InternalToken authorizes
// service-to-service credit routes; empty disables them.
type Server struct {
	Port          string `yaml:"port"`
	InternalToken string `yaml:"internal_token"`
}

// Storage selects the persistence backend. DatabaseURL wins over
// SQLitePath; with neither set the in-memory store is used.
type Storage struct {
	DatabaseURL     string        `yaml:"database_url"`
	SQLitePath      string        `yaml:"sqlite_path"`
	RedisURL        string        `yaml:"redis_url"`
	SummaryCacheTTL time.Duration `yaml:"summary_cache_ttl"`
}

// Market configures the Finnhub quote client.
type Market struct {
	FinnhubAPIKey  string        `yaml:"finnhub_api_key"`
	FinnhubBaseURL string        `yaml:"finnhub_base_url"`
	QuoteCacheTTL  time.Duration `yaml:"quote_cache_ttl"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Ledger holds engine parameters.
type Ledger struct {
	InitialGrantCents int64         `yaml:"initial_grant_cents"`
	UnitTimeout       time.Duration `yaml:"unit_timeout"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Server: Server{Port: "8080"},
		Storage: Storage{
			SummaryCacheTTL: 30 * time.Second,
		},
		Market: Market{
			FinnhubBaseURL: "https://finnhub.io/api/v1",
			QuoteCacheTTL:  10 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Ledger: Ledger{
			InitialGrantCents: 1_000_000,
			UnitTimeout:       10 * time.Second,
		},
		Logging: Logging{Level: "info"},
	}
}

// Load reads the YAML configuration file at path over the defaults, then
// applies environment variable overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"PORT":               &cfg.Server.Port,
		"INTERNAL_API_TOKEN": &cfg.Server.InternalToken,
		"DATABASE_URL":       &cfg.Storage.DatabaseURL,
		"SQLITE_PATH":        &cfg.Storage.SQLitePath,
		"REDIS_URL":          &cfg.Storage.RedisURL,
		"FINNHUB_API_KEY":    &cfg.Market.FinnhubAPIKey,
		"FINNHUB_BASE_URL":   &cfg.Market.FinnhubBaseURL,
		"LOG_LEVEL":          &cfg.Logging.Level,
	}
	for env, dst := range strs {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"QUOTE_CACHE_TTL":   &cfg.Market.QuoteCacheTTL,
		"SUMMARY_CACHE_TTL": &cfg.Storage.SummaryCacheTTL,
		"UNIT_TIMEOUT":      &cfg.Ledger.UnitTimeout,
	}
	for env, dst := range durations {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv("INITIAL_GRANT_CENTS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("INITIAL_GRANT_CENTS: %w", err)
		}
		cfg.Ledger.InitialGrantCents = n
	}
	return nil
}

func (c *Config) validate() error {
	if c.Ledger.InitialGrantCents <= 0 {
		return fmt.Errorf("initial_grant_cents must be positive, got %d", c.Ledger.InitialGrantCents)
	}
	if c.Ledger.UnitTimeout <= 0 {
		return fmt.Errorf("unit_timeout must be positive, got %s", c.Ledger.UnitTimeout)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses Logging.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(c.Logging.Level))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.Logging.Level, err)
	}
	return l, nil
}
