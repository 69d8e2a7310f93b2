// Package config loads the service configuration from environment variables
// and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StorePostgres  = "postgres"
	StoreMemory    = "memory"
	StoreFirestore = "firestore"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Store       string
	Postgres    PostgresConfig
	Redis       RedisConfig
	Firestore   FirestoreConfig
	Worker      WorkerConfig
	Ledger      LedgerConfig
	Stripe      StripeConfig
	Auth        AuthConfig
	HTTP        HTTPConfig
	Logging     LoggingConfig
	Metrics     MetricsConfig
	Reset       ResetConfig
	CreditPacks []CreditPack
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ShutdownTimeout time.Duration
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	URL         string
	MaxConns    int
	AutoMigrate bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// FirestoreConfig holds Firestore configuration
type FirestoreConfig struct {
	ProjectID string
}

// WorkerConfig holds scraping worker configuration
type WorkerConfig struct {
	BaseURL string
	// Token is sent to the worker on launch
	Token string
	// CallbackToken authenticates the worker's completion callbacks
	CallbackToken    string
	LaunchTimeout    time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

// LedgerConfig holds credit settings
type LedgerConfig struct {
	FreeCreditGrant int64
	DefaultJobLimit int64
}

// StripeConfig holds Stripe configuration. An empty SecretKey disables payments.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
}

// AuthConfig holds user authentication configuration
type AuthConfig struct {
	JWTSecret     string
	AccountHeader string
}

// HTTPConfig holds HTTP edge configuration
type HTTPConfig struct {
	CORSAllowedOrigins []string
	StartJobRateLimit  int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Namespace string
}

// ResetConfig holds the free credit reset schedule
type ResetConfig struct {
	// Schedule is a cron expression with a seconds field
	Schedule string
}

// CreditPack is a purchasable bundle of credits
type CreditPack struct {
	Name        string
	Credits     int64
	AmountMinor int64
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	packs, err := parseCreditPacks(getEnv("CREDIT_PACKS", "starter:1000:1000"))
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Store: strings.ToLower(getEnv("STORE", StorePostgres)),
		Postgres: PostgresConfig{
			URL:         getEnv("DATABASE_URL", ""),
			MaxConns:    getEnvAsInt("POSTGRES_MAX_CONNS", 10),
			AutoMigrate: getEnvAsBool("POSTGRES_AUTO_MIGRATE", false),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID: getEnv("FIRESTORE_PROJECT_ID", ""),
		},
		Worker: WorkerConfig{
			BaseURL:          getEnv("WORKER_BASE_URL", ""),
			Token:            getEnv("WORKER_TOKEN", ""),
			CallbackToken:    getEnv("WORKER_CALLBACK_TOKEN", ""),
			LaunchTimeout:    getEnvAsDuration("WORKER_LAUNCH_TIMEOUT", 15*time.Second),
			FailureThreshold: getEnvAsInt("WORKER_CB_THRESHOLD", 5),
			ResetTimeout:     getEnvAsDuration("WORKER_CB_RESET", 30*time.Second),
		},
		Ledger: LedgerConfig{
			FreeCreditGrant: int64(getEnvAsInt("FREE_CREDIT_GRANT", 250)),
			DefaultJobLimit: int64(getEnvAsInt("DEFAULT_JOB_LIMIT", 30)),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			Currency:      strings.ToLower(getEnv("STRIPE_CURRENCY", "usd")),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", ""),
			AccountHeader: getEnv("ACCOUNT_HEADER", ""),
		},
		HTTP: HTTPConfig{
			CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
			StartJobRateLimit:  getEnvAsInt("START_JOB_RATE_LIMIT", 30),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Namespace: getEnv("METRICS_NAMESPACE", "leadledger"),
		},
		Reset: ResetConfig{
			Schedule: getEnv("RESET_SCHEDULE", "0 0 0 1 * *"),
		},
		CreditPacks: packs,
	}

	return config, nil
}

// Validate checks the settings the server cannot start without
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StorePostgres:
		if c.Postgres.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreFirestore:
		if c.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT_ID is required for the firestore store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE %q", c.Store))
	}
	if c.Worker.BaseURL == "" {
		errs = append(errs, errors.New("WORKER_BASE_URL is required"))
	}
	if c.Worker.CallbackToken == "" {
		errs = append(errs, errors.New("WORKER_CALLBACK_TOKEN is required"))
	}
	if c.Auth.JWTSecret == "" && c.Auth.AccountHeader == "" {
		errs = append(errs, errors.New("one of JWT_SECRET or ACCOUNT_HEADER is required"))
	}
	if c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set"))
	}
	if c.Ledger.FreeCreditGrant < 0 || c.Ledger.DefaultJobLimit < 1 {
		errs = append(errs, errors.New("FREE_CREDIT_GRANT must be >= 0 and DEFAULT_JOB_LIMIT >= 1"))
	}
	return errors.Join(errs...)
}

// parseCreditPacks parses "name:credits:amount_minor" entries separated by commas
func parseCreditPacks(raw string) ([]CreditPack, error) {
	var packs []CreditPack
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid CREDIT_PACKS entry %q: want name:credits:amount_minor", item)
		}
		credits, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || credits < 1 {
			return nil, fmt.Errorf("invalid credits in CREDIT_PACKS entry %q", item)
		}
		amount, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || amount < 1 {
			return nil, fmt.Errorf("invalid amount in CREDIT_PACKS entry %q", item)
		}
		packs = append(packs, CreditPack{Name: strings.TrimSpace(parts[0]), Credits: credits, AmountMinor: amount})
	}
	return packs, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
