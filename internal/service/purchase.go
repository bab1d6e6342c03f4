package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Finalize converts a paid offer into a ticket. It is the single entry point
// for every payment confirmation path and is idempotent per entry: once a
// ticket exists for the entry, later calls return it with Replayed set,
// whatever payment reference they carry.
func (s *QueueService) Finalize(ctx context.Context, entryID, paymentReference string, amount int64) (*model.PurchaseResult, error) {
	return s.finalize(ctx, entryID, "", paymentReference, amount)
}

// ConfirmPurchase is the direct confirmation path: the caller must own the
// entry. Entries owned by someone else are reported as not found.
func (s *QueueService) ConfirmPurchase(ctx context.Context, userID, entryID string, req model.PurchaseRequest) (*model.PurchaseResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("user id is required")
	}
	return s.finalize(ctx, entryID, userID, req.PaymentReference, req.Amount)
}

func (s *QueueService) finalize(ctx context.Context, entryID, ownerID, paymentReference string, amount int64) (*model.PurchaseResult, error) {
	ctx, span := tracer.Start(ctx, "queue.Finalize", trace.WithAttributes(
		attribute.String("entry_id", entryID),
		attribute.String("payment_reference", paymentReference),
	))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	paymentReference = strings.TrimSpace(paymentReference)
	if paymentReference == "" {
		err = invalid("payment_reference is required")
		return nil, err
	}
	if amount < 0 {
		err = invalid("amount cannot be negative")
		return nil, err
	}
	if !validID(entryID) {
		err = repository.ErrNotFound
		return nil, err
	}

	var result *model.PurchaseResult
	var eventID string
	err = s.inTx(ctx, span, "", func(ctx context.Context, tx repository.Tx) error {
		result = nil

		entry, err := tx.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		eventID = entry.EventID
		if ownerID != "" && entry.UserID != ownerID {
			return repository.ErrNotFound
		}

		existing, err := tx.GetTicketByEntry(ctx, entryID)
		switch {
		case err == nil:
			result = &model.PurchaseResult{Ticket: existing, Replayed: true}
			return nil
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}

		if entry.Status == model.EntryExpired {
			return ErrOfferLapsed
		}
		if entry.Status != model.EntryOffered {
			return fmt.Errorf("%w: entry is %s", repository.ErrInvalidState, entry.Status)
		}

		now := s.clock.Now()
		if entry.OfferExpiresAt != nil && !now.Before(*entry.OfferExpiresAt) {
			if err := s.checkGrace(ctx, tx, entry, now); err != nil {
				return err
			}
		}

		ticket := &model.Ticket{
			ID:                 uuid.NewString(),
			EventID:            entry.EventID,
			UserID:             entry.UserID,
			WaitingListEntryID: entry.ID,
			Status:             model.TicketValid,
			PaymentReference:   paymentReference,
			Amount:             amount,
			PurchasedAt:        now,
		}
		if err := tx.InsertTicket(ctx, ticket); err != nil {
			return err
		}
		if err := tx.UpdateEntryStatus(ctx, entry.ID, model.EntryPurchased, nil); err != nil {
			return err
		}
		result = &model.PurchaseResult{Ticket: ticket}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrOfferLapsed) {
			s.log.Warn("payment arrived after offer lapsed",
				zap.String("entry_id", entryID),
				zap.String("payment_reference", paymentReference),
			)
		}
		return nil, err
	}

	span.SetAttributes(attribute.Bool("replayed", result.Replayed))
	if result.Replayed {
		telemetry.Inc(ctx, s.metrics.FinalizeReplays, eventID)
		s.log.Info("purchase replayed",
			zap.String("entry_id", entryID),
			zap.String("ticket_id", result.Ticket.ID),
			zap.String("payment_reference", paymentReference),
		)
	} else {
		telemetry.Inc(ctx, s.metrics.TicketsIssued, eventID)
		s.log.Info("ticket issued",
			zap.String("entry_id", entryID),
			zap.String("ticket_id", result.Ticket.ID),
			zap.String("event_id", eventID),
			zap.Int64("amount", amount),
		)
	}
	return result, nil
}

// checkGrace admits a payment for an offer whose window closed at most
// PurchaseGracePeriod ago, and only while the event still has a free seat
// without counting this offer.
func (s *QueueService) checkGrace(ctx context.Context, tx repository.Tx, entry *model.WaitingListEntry, now time.Time) error {
	if now.After(entry.OfferExpiresAt.Add(s.policy.PurchaseGracePeriod)) {
		return ErrOfferLapsed
	}
	event, err := tx.LockEvent(ctx, entry.EventID)
	if err != nil {
		return err
	}
	// The lapsed offer no longer counts as active at now.
	avail, err := availabilityOf(ctx, tx, event, now)
	if err != nil {
		return err
	}
	if avail.Remaining <= 0 {
		return ErrOfferLapsed
	}
	return nil
}
