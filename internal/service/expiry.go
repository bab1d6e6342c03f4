package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Expire moves an offered entry to expired. Entries in any other status are
// left alone, so the call is safe to repeat and to run arbitrarily late.
//
// A call made before the offer window closes (less the early tolerance) is
// refused with a *TooEarlyError naming when to retry.
func (s *QueueService) Expire(ctx context.Context, entryID, eventID string) error {
	ctx, span := tracer.Start(ctx, "queue.Expire", trace.WithAttributes(
		attribute.String("entry_id", entryID),
		attribute.String("event_id", eventID),
	))
	var err error
	defer func() {
		if errors.Is(err, ErrTooEarly) {
			span.End()
			return
		}
		telemetry.EndSpan(span, err)
	}()

	if !validID(entryID) || !validID(eventID) {
		err = repository.ErrNotFound
		return err
	}

	var expired bool
	var promoted []model.WaitingListEntry
	err = s.inTx(ctx, span, eventID, func(ctx context.Context, tx repository.Tx) error {
		expired, promoted = false, nil

		event, err := tx.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		entry, err := tx.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.EventID != eventID {
			return fmt.Errorf("entry %s does not belong to event %s: %w", entryID, eventID, repository.ErrNotFound)
		}
		if entry.Status != model.EntryOffered {
			return nil
		}

		now := s.clock.Now()
		if entry.OfferExpiresAt != nil && now.Before(entry.OfferExpiresAt.Add(-s.policy.EarlyTolerance)) {
			return &TooEarlyError{EntryID: entryID, At: *entry.OfferExpiresAt}
		}

		if err := tx.UpdateEntryStatus(ctx, entryID, model.EntryExpired, nil); err != nil {
			return err
		}
		expired = true

		promoted, err = s.promote(ctx, tx, event, now)
		return err
	})
	if err != nil {
		return err
	}

	span.SetAttributes(attribute.Bool("expired", expired))
	if expired {
		telemetry.Inc(ctx, s.metrics.OffersExpired, eventID)
		s.log.Info("offer expired", zap.String("entry_id", entryID), zap.String("event_id", eventID))
	}
	s.afterPromotion(ctx, promoted)
	return nil
}

// ExpireLapsed expires up to limit offers whose window has closed. It is the
// reconciliation path for expiry tasks that were lost or never scheduled.
// It returns how many entries were processed without error.
func (s *QueueService) ExpireLapsed(ctx context.Context, limit int) (int, error) {
	var lapsed []model.WaitingListEntry
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		lapsed, err = tx.ListLapsedOffers(ctx, s.clock.Now(), limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list lapsed offers: %w", err)
	}

	processed := 0
	var errs []error
	for _, e := range lapsed {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.Expire(ctx, e.ID, e.EventID); err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", e.ID, err))
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}
