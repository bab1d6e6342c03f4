package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Compute derives the availability of an event inside the caller's
// transaction. The result is only meaningful within that transaction.
func Compute(ctx context.Context, tx repository.Tx, eventID string, now time.Time) (*model.Availability, error) {
	event, err := tx.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return availabilityOf(ctx, tx, event, now)
}

func availabilityOf(ctx context.Context, tx repository.Tx, event *model.Event, now time.Time) (*model.Availability, error) {
	purchased, err := tx.CountCapacityTickets(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("count tickets: %w", err)
	}
	offered, err := tx.CountActiveOffers(ctx, event.ID, now)
	if err != nil {
		return nil, fmt.Errorf("count offers: %w", err)
	}

	remaining := event.TotalTickets - (purchased + offered)
	return &model.Availability{
		EventID:              event.ID,
		Capacity:             event.TotalTickets,
		PurchasedOrUsedCount: purchased,
		ActiveOfferedCount:   offered,
		Remaining:            remaining,
		IsSoldOut:            remaining <= 0,
	}, nil
}

// GetAvailability returns a display snapshot of an event's availability.
func (s *QueueService) GetAvailability(ctx context.Context, eventID string) (*model.Availability, error) {
	ctx, span := tracer.Start(ctx, "queue.GetAvailability",
		trace.WithAttributes(attribute.String("event_id", eventID)))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	if !validID(eventID) {
		err = repository.ErrNotFound
		return nil, err
	}

	var avail *model.Availability
	err = s.inTx(ctx, span, eventID, func(ctx context.Context, tx repository.Tx) error {
		var err error
		avail, err = Compute(ctx, tx, eventID, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return avail, nil
}
