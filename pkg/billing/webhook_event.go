package billing

import "time"

// WebhookEvent contains information about a payment webhook that granted credit.
// It is passed to the WebhookCallback after the ledger has been updated.
type WebhookEvent struct {
	// AccountID is the internal account identifier
	AccountID string

	// PaymentRef is the provider's payment identifier
	PaymentRef string

	// Credits is the amount granted
	Credits int64

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type, e.g. "payment_intent.succeeded"
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Metadata contains the payment's provider metadata
	Metadata map[string]string
}
