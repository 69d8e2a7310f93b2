package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/leadledger/pkg/billing"
	"github.com/mihaimyh/leadledger/pkg/jobs"
	"github.com/mihaimyh/leadledger/pkg/ledger"
)

// Ledger is the part of the ledger manager the API reads
type Ledger interface {
	GetBalance(ctx context.Context, accountID string) (*ledger.Balance, error)
	GetBillingHistory(ctx context.Context, accountID string, limit int) ([]ledger.LedgerEntry, error)
	ListUsage(ctx context.Context, accountID string, asOf time.Time) ([]ledger.UsageRecord, error)
}

// Jobs is the part of the job coordinator the API drives
type Jobs interface {
	StartJob(ctx context.Context, accountID string, req jobs.SearchRequest) (*jobs.Handle, error)
	PollJobStatus(ctx context.Context, accountID, jobID string) (*jobs.StatusReport, error)
	ListJobs(ctx context.Context, accountID string, limit int) ([]jobs.Job, error)
	FinishJob(ctx context.Context, taskRef string, identifiers []string) (*jobs.FinishResult, error)
	FailJob(ctx context.Context, taskRef string, identifiers []string) (*jobs.FinishResult, error)
}

// CreditPack is a purchasable bundle of credits
type CreditPack struct {
	Credits     int64  `json:"credits"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// Config holds configuration for the API handler
type Config struct {
	// Ledger serves balances, usage and billing history (required)
	Ledger Ledger

	// Jobs starts and tracks scraping jobs (required)
	Jobs Jobs

	// Payments starts credit purchases. If nil, the payment routes are not mounted.
	Payments billing.PaymentIntents

	// CreditPacks maps a pack name to its price. Clients pick a pack by name.
	CreditPacks map[string]CreditPack

	// GetAccountID extracts the account ID from an authenticated request (required)
	GetAccountID func(*http.Request) string

	// Authenticate wraps the user routes. If nil, GetAccountID alone decides.
	Authenticate func(http.Handler) http.Handler

	// WorkerAuth wraps the worker callback routes (required)
	WorkerAuth func(http.Handler) http.Handler

	// StartJobLimiter wraps POST /v1/jobs, e.g. a per-account rate limit. Optional.
	StartJobLimiter func(http.Handler) http.Handler

	// OnError handles errors
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional (default: ledger.NoopLogger)
	Logger ledger.Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Jobs == nil {
		return fmt.Errorf("jobs is required")
	}
	if c.GetAccountID == nil {
		return fmt.Errorf("getAccountID is required")
	}
	if c.WorkerAuth == nil {
		return fmt.Errorf("workerAuth is required")
	}
	for name, pack := range c.CreditPacks {
		if pack.Credits < 1 || pack.AmountMinor < 1 {
			return fmt.Errorf("credit pack %q must have positive credits and amount", name)
		}
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &ledger.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Handler{
		config: config,
	}, nil
}
