// Package payment adapts external payment confirmations (Stripe and Razorpay
// webhooks, the payment.success Kafka topic) into purchase finalization.
package payment

import (
	"context"
	"errors"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/service"
	"go.uber.org/zap"
)

var (
	// ErrInvalidSignature is returned when a webhook signature does not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMissingEntry is returned when a payment carries no waiting list id.
	ErrMissingEntry = errors.New("payment is missing waitingListId")
	// ErrIgnoredEvent marks provider events that do not confirm a purchase.
	ErrIgnoredEvent = errors.New("event type not handled")
)

// Finalizer turns a confirmed payment into a ticket.
type Finalizer interface {
	Finalize(ctx context.Context, entryID, paymentReference string, amount int64) (*model.PurchaseResult, error)
}

// Confirmation is a verified payment extracted from a provider message.
type Confirmation struct {
	Provider         string
	EntryID          string
	PaymentReference string
	Amount           int64
}

// IsTerminal reports whether a finalize failure will fail the same way on
// redelivery, so the message should be acknowledged rather than retried.
func IsTerminal(err error) bool {
	return errors.Is(err, repository.ErrInvalidState) ||
		errors.Is(err, repository.ErrNotFound) ||
		service.IsValidation(err)
}

// Confirm finalizes a verified confirmation. Terminal failures are logged
// here so every adapter reports them the same way.
func Confirm(ctx context.Context, f Finalizer, conf Confirmation, log *zap.Logger) (*PurchaseOutcome, error) {
	log = log.With(
		zap.String("provider", conf.Provider),
		zap.String("entry_id", conf.EntryID),
		zap.String("payment_reference", conf.PaymentReference),
	)

	result, err := f.Finalize(ctx, conf.EntryID, conf.PaymentReference, conf.Amount)
	if err != nil {
		if IsTerminal(err) {
			log.Warn("payment cannot be applied", zap.Error(err))
		} else {
			log.Error("payment confirmation failed", zap.Error(err))
		}
		return nil, err
	}
	if result.Replayed {
		log.Info("duplicate payment confirmation", zap.String("ticket_id", result.Ticket.ID))
	}
	return &PurchaseOutcome{TicketID: result.Ticket.ID, Replayed: result.Replayed}, nil
}

// PurchaseOutcome is what a webhook reports back to the provider.
type PurchaseOutcome struct {
	TicketID string `json:"ticket_id"`
	Replayed bool   `json:"replayed"`
}
