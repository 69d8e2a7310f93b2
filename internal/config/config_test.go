package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("STORE", "Memory")
	t.Setenv("WORKER_LAUNCH_TIMEOUT", "5s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")
	t.Setenv("CREDIT_PACKS", "starter:1000:1000,pro:5000:4500")
	t.Setenv("POSTGRES_AUTO_MIGRATE", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:9090" {
		t.Errorf("Server.Addr() = %v, want %v", cfg.Server.Addr(), "0.0.0.0:9090")
	}
	if cfg.Store != StoreMemory {
		t.Errorf("Store = %v, want %v", cfg.Store, StoreMemory)
	}
	if cfg.Worker.LaunchTimeout != 5*time.Second {
		t.Errorf("Worker.LaunchTimeout = %v, want %v", cfg.Worker.LaunchTimeout, 5*time.Second)
	}
	if cfg.Ledger.FreeCreditGrant != 250 {
		t.Errorf("Ledger.FreeCreditGrant = %v, want 250", cfg.Ledger.FreeCreditGrant)
	}
	if len(cfg.HTTP.CORSAllowedOrigins) != 2 || cfg.HTTP.CORSAllowedOrigins[1] != "https://admin.example.com" {
		t.Errorf("HTTP.CORSAllowedOrigins = %v", cfg.HTTP.CORSAllowedOrigins)
	}
	if len(cfg.CreditPacks) != 2 || cfg.CreditPacks[1].Credits != 5000 || cfg.CreditPacks[1].AmountMinor != 4500 {
		t.Errorf("CreditPacks = %+v", cfg.CreditPacks)
	}
	if !cfg.Postgres.AutoMigrate {
		t.Error("Postgres.AutoMigrate = false, want true")
	}
	if cfg.Reset.Schedule != "0 0 0 1 * *" {
		t.Errorf("Reset.Schedule = %v", cfg.Reset.Schedule)
	}
}

func TestLoadConfig_InvalidCreditPacks(t *testing.T) {
	for _, raw := range []string{"starter", "starter:x:100", "starter:100:0"} {
		t.Run(raw, func(t *testing.T) {
			t.Setenv("CREDIT_PACKS", raw)
			if _, err := LoadConfig(); err == nil {
				t.Errorf("LoadConfig() with CREDIT_PACKS=%q: expected error", raw)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Store:    StorePostgres,
			Postgres: PostgresConfig{URL: "postgres://localhost/ledger"},
			Worker:   WorkerConfig{BaseURL: "http://scraper:8000", CallbackToken: "cb"},
			Auth:     AuthConfig{AccountHeader: "X-Account-ID"},
			Ledger:   LedgerConfig{FreeCreditGrant: 250, DefaultJobLimit: 30},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing database url", mutate: func(c *Config) { c.Postgres.URL = "" }, wantErr: "DATABASE_URL"},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "mongo" }, wantErr: "unknown STORE"},
		{name: "firestore without project", mutate: func(c *Config) { c.Store = StoreFirestore }, wantErr: "FIRESTORE_PROJECT_ID"},
		{name: "memory store", mutate: func(c *Config) { c.Store = StoreMemory; c.Postgres.URL = "" }},
		{name: "no auth", mutate: func(c *Config) { c.Auth = AuthConfig{} }, wantErr: "JWT_SECRET"},
		{name: "no callback token", mutate: func(c *Config) { c.Worker.CallbackToken = "" }, wantErr: "WORKER_CALLBACK_TOKEN"},
		{name: "stripe without webhook secret", mutate: func(c *Config) { c.Stripe.SecretKey = "sk_test" }, wantErr: "STRIPE_WEBHOOK_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("LEDGER_TEST_KEY", "custom")

	if got := getEnv("LEDGER_TEST_KEY", "default"); got != "custom" {
		t.Errorf("getEnv() = %v, want custom", got)
	}
	if got := getEnv("LEDGER_TEST_MISSING", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want default", got)
	}
}

func TestGetEnvAsInt(t *testing.T) {
	t.Setenv("LEDGER_TEST_INT", "42")
	t.Setenv("LEDGER_TEST_BAD_INT", "forty-two")

	if got := getEnvAsInt("LEDGER_TEST_INT", 1); got != 42 {
		t.Errorf("getEnvAsInt() = %v, want 42", got)
	}
	if got := getEnvAsInt("LEDGER_TEST_BAD_INT", 1); got != 1 {
		t.Errorf("getEnvAsInt() with invalid value = %v, want 1", got)
	}
}
