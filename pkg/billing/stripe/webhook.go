package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/leadledger/pkg/billing"
	"github.com/mihaimyh/leadledger/pkg/billing/internal"
	"github.com/mihaimyh/leadledger/pkg/ledger"
)

const (
	eventPaymentSucceeded = "payment_intent.succeeded"
	eventPaymentFailed    = "payment_intent.payment_failed"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), p.webhookSecret)
	if err != nil {
		p.logger.Warn("stripe webhook signature rejected", ledger.Field{Key: "error", Value: err.Error()})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	status, err := p.processWebhookEvent(r.Context(), &event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		p.logger.Error("stripe webhook processing failed",
			ledger.Field{Key: "event_id", Value: event.ID},
			ledger.Field{Key: "event_type", Value: eventType},
			ledger.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		if errors.Is(err, billing.ErrInvalidWebhookPayload) || errors.Is(err, billing.ErrMissingAccountID) {
			// Redelivery cannot fix a malformed payment; acknowledge it.
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
			return
		}
		if errors.Is(err, ledger.ErrInvalidRequest) {
			// The ledger refused the payment itself, e.g. a reference bound to
			// another account. Redelivery gets the same answer.
			p.metrics.RecordWebhookError(providerName, "rejected_payment")
			_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
			return
		}
		p.metrics.RecordWebhookError(providerName, "processing_error")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": status})
}

// processWebhookEvent applies a payment outcome to the ledger and returns the
// status recorded for the event: "success", "duplicate" or "ignored".
//
// ConfirmPayment is idempotent per payment intent, so the outcome is applied
// before the event id is stored. A failure in between is retried safely by
// Stripe's redelivery.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (string, error) {
	var paymentStatus ledger.PaymentStatus
	switch event.Type {
	case eventPaymentSucceeded:
		paymentStatus = ledger.PaymentSucceeded
	case eventPaymentFailed:
		paymentStatus = ledger.PaymentFailed
	default:
		return "ignored", nil
	}

	if event.Data == nil {
		return "", fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return "", fmt.Errorf("%w: failed to unmarshal payment intent: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if intent.ID == "" {
		return "", fmt.Errorf("%w: payment intent id missing", billing.ErrInvalidWebhookPayload)
	}

	accountID := extractAccountID(intent.Metadata)
	if accountID == "" {
		return "", fmt.Errorf("%w: payment intent %s", billing.ErrMissingAccountID, intent.ID)
	}
	credits, err := extractCredits(intent.Metadata)
	if err != nil {
		return "", fmt.Errorf("%w: payment intent %s: %v", billing.ErrInvalidWebhookPayload, intent.ID, err)
	}

	result, err := p.ledger.ConfirmPayment(ctx, ledger.PaymentConfirmation{
		PaymentRef:    intent.ID,
		Status:        paymentStatus,
		AmountCredits: credits,
		AccountID:     accountID,
		AmountMinor:   intent.Amount,
		Currency:      string(intent.Currency),
	})
	if err != nil {
		return "", fmt.Errorf("failed to confirm payment %s: %w", intent.ID, err)
	}

	inserted, err := p.ledger.RecordPaymentEvent(ctx, &ledger.PaymentEvent{
		EventID:    event.ID,
		Provider:   providerName,
		Type:       string(event.Type),
		PaymentRef: intent.ID,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		p.logger.Warn("failed to record stripe event",
			ledger.Field{Key: "event_id", Value: event.ID},
			ledger.Field{Key: "error", Value: err.Error()},
		)
	}

	if result.Granted {
		p.metrics.RecordCreditGrant(providerName, credits)
		p.notify(ctx, billing.WebhookEvent{
			AccountID:      accountID,
			PaymentRef:     intent.ID,
			Credits:        credits,
			Provider:       providerName,
			EventType:      string(event.Type),
			EventTimestamp: time.Unix(event.Created, 0).UTC(),
			Metadata:       intent.Metadata,
		})
		return "success", nil
	}
	if err == nil && !inserted {
		return "duplicate", nil
	}
	return "success", nil
}

func (p *Provider) notify(ctx context.Context, event billing.WebhookEvent) {
	if p.config.WebhookCallback == nil {
		return
	}
	if err := p.config.WebhookCallback(ctx, event); err != nil {
		p.logger.Warn("webhook callback failed",
			ledger.Field{Key: "payment_ref", Value: event.PaymentRef},
			ledger.Field{Key: "error", Value: err.Error()},
		)
	}
}

// extractAccountID reads the credited account from payment metadata
func extractAccountID(metadata map[string]string) string {
	if metadata == nil {
		return ""
	}
	if id := strings.TrimSpace(metadata[metadataAccountID]); id != "" {
		return id
	}
	return strings.TrimSpace(metadata[metadataUserID])
}

func extractCredits(metadata map[string]string) (int64, error) {
	raw := strings.TrimSpace(metadata[metadataCredits])
	if raw == "" {
		return 0, errors.New("metadata.credits missing")
	}
	credits, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || credits < 1 {
		return 0, fmt.Errorf("metadata.credits %q is not a positive integer", raw)
	}
	return credits, nil
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
