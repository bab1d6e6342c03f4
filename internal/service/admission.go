package service

import (
	"context"
	"errors"
	"strings"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Join admits a user to an event: an immediate offer when capacity remains,
// otherwise a place on the waiting list.
//
// The dedupe check, the availability read and the insert share one
// transaction with the event row locked, so two racing joins cannot both see
// the last free seat. Expiry is scheduled only after the commit.
func (s *QueueService) Join(ctx context.Context, eventID, userID string) (*model.JoinResult, error) {
	ctx, span := tracer.Start(ctx, "queue.Join", trace.WithAttributes(
		attribute.String("event_id", eventID),
		attribute.String("user_id", userID),
	))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		err = invalid("user id is required")
		return nil, err
	}
	if !validID(eventID) {
		err = repository.ErrNotFound
		return nil, err
	}

	var entry *model.WaitingListEntry
	err = s.inTx(ctx, span, eventID, func(ctx context.Context, tx repository.Tx) error {
		entry = nil

		_, err := tx.FindOpenEntry(ctx, eventID, userID)
		if err == nil {
			return repository.ErrAlreadyQueued
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		event, err := tx.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if event.IsCancelled {
			return ErrEventCancelled
		}

		now := s.clock.Now()
		avail, err := availabilityOf(ctx, tx, event, now)
		if err != nil {
			return err
		}

		e := &model.WaitingListEntry{
			ID:        uuid.NewString(),
			EventID:   eventID,
			UserID:    userID,
			Status:    model.EntryWaiting,
			CreatedAt: now,
		}
		if avail.Remaining > 0 {
			expiresAt := now.Add(s.policy.OfferWindow)
			e.Status = model.EntryOffered
			e.OfferExpiresAt = &expiresAt
		}
		if err := tx.InsertEntry(ctx, e); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("entry.status", string(entry.Status)))
	if entry.Status == model.EntryOffered {
		telemetry.Inc(ctx, s.metrics.OffersGranted, eventID)
		s.log.Info("ticket offered",
			zap.String("entry_id", entry.ID),
			zap.String("event_id", eventID),
			zap.String("user_id", userID),
			zap.Time("offer_expires_at", *entry.OfferExpiresAt),
		)
		s.scheduleExpiry(ctx, entry)
	} else {
		telemetry.Inc(ctx, s.metrics.EntriesWaiting, eventID)
		s.log.Info("added to waiting list",
			zap.String("entry_id", entry.ID),
			zap.String("event_id", eventID),
			zap.String("user_id", userID),
		)
	}

	return &model.JoinResult{
		Entry:          entry,
		Status:         entry.Status,
		OfferExpiresAt: entry.OfferExpiresAt,
	}, nil
}

// GetQueuePosition returns the user's open entry for the event. Waiting
// entries carry a 1-based position among the event's waiting entries.
func (s *QueueService) GetQueuePosition(ctx context.Context, eventID, userID string) (*model.QueuePosition, error) {
	if !validID(eventID) {
		return nil, repository.ErrNotFound
	}

	var pos *model.QueuePosition
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		entry, err := tx.FindOpenEntry(ctx, eventID, userID)
		if err != nil {
			return err
		}
		pos = &model.QueuePosition{Entry: entry}
		if entry.Status != model.EntryWaiting {
			return nil
		}
		ahead, err := tx.CountWaitingBefore(ctx, eventID, entry.CreatedAt)
		if err != nil {
			return err
		}
		pos.Position = ahead + 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pos, nil
}
