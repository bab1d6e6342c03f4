package payment

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	providerStripe = "stripe"
	metadataEntry  = "waitingListId"
)

// ParseStripeEvent verifies the Stripe-Signature header and extracts the
// confirmation carried by checkout.session.completed or
// payment_intent.succeeded. Other event types yield ErrIgnoredEvent.
func ParseStripeEvent(payload []byte, sigHeader, secret string) (*Confirmation, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("stripe event %s has no data", event.ID)
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("parse checkout session: %w", err)
		}
		entryID := session.Metadata[metadataEntry]
		if entryID == "" {
			return nil, ErrMissingEntry
		}
		ref := session.ID
		if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
			ref = session.PaymentIntent.ID
		}
		return &Confirmation{
			Provider:         providerStripe,
			EntryID:          entryID,
			PaymentReference: ref,
			Amount:           session.AmountTotal,
		}, nil

	case "payment_intent.succeeded":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("parse payment intent: %w", err)
		}
		entryID := intent.Metadata[metadataEntry]
		if entryID == "" {
			return nil, ErrMissingEntry
		}
		amount := intent.AmountReceived
		if amount == 0 {
			amount = intent.Amount
		}
		return &Confirmation{
			Provider:         providerStripe,
			EntryID:          entryID,
			PaymentReference: intent.ID,
			Amount:           amount,
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.Type)
}
