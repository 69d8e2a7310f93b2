// Package stripe implements credit purchases on Stripe PaymentIntents.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/leadledger/pkg/billing"
	"github.com/mihaimyh/leadledger/pkg/ledger"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultCurrency          = "usd"
	maxWebhookBodyBytes      = 256 * 1024

	// metadataAccountID carries the account credited by a payment
	metadataAccountID = "account_id"
	// metadataUserID is the key older payments were created with
	metadataUserID  = "user_id"
	metadataCredits = "credits"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Ledger, Metrics, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// WebhookRateLimit is the number of webhook requests allowed per IP per minute (default: 100)
	WebhookRateLimit int
}

// paymentIntentCreator is the part of the Stripe client used to start purchases
type paymentIntentCreator interface {
	Create(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error)
}

// Provider implements billing.Provider and billing.PaymentIntents for Stripe
type Provider struct {
	ledger           billing.Ledger
	config           Config
	webhookSecret    string
	paymentIntents   paymentIntentCreator
	webhookRateLimit int
	metrics          billing.Metrics
	logger           ledger.Logger
}

var (
	_ billing.Provider       = (*Provider)(nil)
	_ billing.PaymentIntents = (*Provider)(nil)
)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Ledger == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	stripeClient := stripe.NewClient(apiKey)

	rateLimit := config.WebhookRateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimitRequests
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &ledger.NoopLogger{}
	}

	return &Provider{
		ledger:           config.Ledger,
		config:           config,
		webhookSecret:    webhookSecret,
		paymentIntents:   stripeClient.V1PaymentIntents,
		webhookRateLimit: rateLimit,
		metrics:          metrics,
		logger:           logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return httprate.LimitByIP(p.webhookRateLimit, defaultRateLimitWindow)(handler)
}
