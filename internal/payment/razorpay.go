package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const providerRazorpay = "razorpay"

type razorpayEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string            `json:"id"`
				Amount  int64             `json:"amount"`
				OrderID string            `json:"order_id"`
				Notes   map[string]string `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// VerifyRazorpaySignature checks the X-Razorpay-Signature header, a hex
// HMAC-SHA256 of the raw body keyed by the webhook secret.
func VerifyRazorpaySignature(payload []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ParseRazorpayEvent verifies the payload and extracts the confirmation of a
// payment.captured event. Other event types yield ErrIgnoredEvent.
func ParseRazorpayEvent(payload []byte, signature, secret string) (*Confirmation, error) {
	if signature == "" || !VerifyRazorpaySignature(payload, signature, secret) {
		return nil, ErrInvalidSignature
	}

	var event razorpayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("parse razorpay event: %w", err)
	}
	if event.Event != "payment.captured" {
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.Event)
	}

	p := event.Payload.Payment.Entity
	entryID := p.Notes[metadataEntry]
	if entryID == "" {
		return nil, ErrMissingEntry
	}
	return &Confirmation{
		Provider:         providerRazorpay,
		EntryID:          entryID,
		PaymentReference: p.ID,
		Amount:           p.Amount,
	}, nil
}
