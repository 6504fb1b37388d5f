package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "INTERNAL_API_TOKEN", "DATABASE_URL", "SQLITE_PATH", "REDIS_URL", "FINNHUB_API_KEY",
		"FINNHUB_BASE_URL", "LOG_LEVEL", "QUOTE_CACHE_TTL", "SUMMARY_CACHE_TTL",
		"UNIT_TIMEOUT", "INITIAL_GRANT_CENTS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Ledger.InitialGrantCents != 1_000_000 {
		t.Errorf("expected 1000000, got %d", cfg.Ledger.InitialGrantCents)
	}
	if cfg.Server.InternalToken != "" {
		t.Errorf("expected no internal token by default, got %q", cfg.Server.InternalToken)
	}
	if cfg.Market.QuoteCacheTTL != 10*time.Second {
		t.Errorf("expected 10s quote ttl, got %s", cfg.Market.QuoteCacheTTL)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
server:
  port: "9000"
  internal_token: from-file
storage:
  sqlite_path: /tmp/ledger.db
market:
  quote_cache_ttl: 30s
ledger:
  initial_grant_cents: 500000
logging:
  level: debug
`)
	clearEnv(t)
	t.Setenv("PORT", "9100")
	t.Setenv("UNIT_TIMEOUT", "3s")
	t.Setenv("INTERNAL_API_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Errorf("env should override file port, got %s", cfg.Server.Port)
	}
	if cfg.Server.InternalToken != "from-env" {
		t.Errorf("env should override file token, got %q", cfg.Server.InternalToken)
	}
	if cfg.Storage.SQLitePath != "/tmp/ledger.db" {
		t.Errorf("unexpected sqlite path %q", cfg.Storage.SQLitePath)
	}
	if cfg.Market.QuoteCacheTTL != 30*time.Second {
		t.Errorf("expected 30s, got %s", cfg.Market.QuoteCacheTTL)
	}
	if cfg.Ledger.InitialGrantCents != 500000 {
		t.Errorf("expected 500000, got %d", cfg.Ledger.InitialGrantCents)
	}
	if cfg.Ledger.UnitTimeout != 3*time.Second {
		t.Errorf("expected 3s, got %s", cfg.Ledger.UnitTimeout)
	}
	// Unset file fields keep their defaults.
	if cfg.Market.FinnhubBaseURL != "https://finnhub.io/api/v1" {
		t.Errorf("default base url lost: %q", cfg.Market.FinnhubBaseURL)
	}
	if lvl, _ := cfg.SlogLevel(); lvl != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", lvl)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{"bad duration", map[string]string{"QUOTE_CACHE_TTL": "soon"}, ""},
		{"bad grant", map[string]string{"INITIAL_GRANT_CENTS": "lots"}, ""},
		{"zero grant", map[string]string{"INITIAL_GRANT_CENTS": "0"}, ""},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}, ""},
		{"bad yaml", nil, "server: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
