package billing

import (
	"context"

	"github.com/mihaimyh/leadledger/pkg/ledger"
)

// Ledger is the part of the ledger manager payment providers update
type Ledger interface {
	ConfirmPayment(ctx context.Context, c ledger.PaymentConfirmation) (*ledger.PaymentResult, error)
	RecordPendingPayment(
		ctx context.Context, accountID, paymentRef string, credits, amountMinor int64, currency string,
	) (*ledger.LedgerEntry, error)
	RecordPaymentEvent(ctx context.Context, event *ledger.PaymentEvent) (bool, error)
}

// Config defines the standard configuration all providers should accept
type Config struct {
	// Ledger is updated with pending and confirmed payments
	Ledger Ledger

	// WebhookSecret is used to verify incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the payment provider.
	APIKey string

	// WebhookCallback is invoked after a webhook granted credit. Errors are
	// logged and do not fail the webhook.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error

	// Metrics is an optional metrics collector for tracking payment provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics for Prometheus metrics.
	Metrics Metrics

	// Logger is optional (default: ledger.NoopLogger)
	Logger ledger.Logger
}
