package stripe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/leadledger/pkg/billing"
	"github.com/mihaimyh/leadledger/pkg/ledger"
)

const paymentIntentsEndpoint = "/v1/payment_intents"

// CreateCreditPurchase creates a PaymentIntent for a credit pack and records a
// pending ledger entry for it. The credit is granted by the
// payment_intent.succeeded webhook.
func (p *Provider) CreateCreditPurchase(
	ctx context.Context, accountID string, credits, amountMinor int64, currency string,
) (*billing.CreditPurchase, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ledger.ErrInvalidRequest)
	}
	if credits < 1 || amountMinor < 1 {
		return nil, fmt.Errorf("%w: credits and amount must be positive", billing.ErrInvalidCreditPack)
	}
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = defaultCurrency
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	// The webhook reads these back to credit the account
	params.AddMetadata(metadataAccountID, accountID)
	params.AddMetadata(metadataCredits, strconv.FormatInt(credits, 10))

	startTime := time.Now()
	intent, err := p.paymentIntents.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, paymentIntentsEndpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, paymentIntentsEndpoint, "error")
		return nil, fmt.Errorf("%w: failed to create payment intent: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, paymentIntentsEndpoint, "success")

	if _, err := p.ledger.RecordPendingPayment(ctx, accountID, intent.ID, credits, amountMinor, currency); err != nil {
		return nil, fmt.Errorf("failed to record pending payment %s: %w", intent.ID, err)
	}

	p.logger.Info("credit purchase started",
		ledger.Field{Key: "account_id", Value: accountID},
		ledger.Field{Key: "payment_ref", Value: intent.ID},
		ledger.Field{Key: "credits", Value: credits},
	)
	return &billing.CreditPurchase{
		PaymentRef:   intent.ID,
		ClientSecret: intent.ClientSecret,
		Credits:      credits,
		AmountMinor:  amountMinor,
		Currency:     currency,
	}, nil
}
