package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface that any payment backend must implement.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time payment events.
	// The implementation handles validation, parsing and ledger updates internally.
	WebhookHandler() http.Handler
}

// CreditPurchase is a payment started for a credit pack
type CreditPurchase struct {
	// PaymentRef is the provider's payment identifier, used as the ledger entry key
	PaymentRef string `json:"payment_ref"`
	// ClientSecret lets the front-end complete the payment
	ClientSecret string `json:"client_secret"`
	Credits      int64  `json:"credits"`
	AmountMinor  int64  `json:"amount_minor"`
	Currency     string `json:"currency"`
}

// PaymentIntents starts credit purchases. The credit is granted later, when
// the provider confirms the payment through its webhook.
type PaymentIntents interface {
	CreateCreditPurchase(
		ctx context.Context, accountID string, credits, amountMinor int64, currency string,
	) (*CreditPurchase, error)
}
