package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/clock"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/Shivanand-hulikatti/ticket-queue/internal/service")

var (
	// ErrEventCancelled is returned when joining a cancelled event.
	ErrEventCancelled = fmt.Errorf("%w: event is cancelled", repository.ErrInvalidState)

	// ErrOfferLapsed is returned when payment arrives after the offer window
	// (plus any grace period) has closed.
	ErrOfferLapsed = fmt.Errorf("%w: offer window has lapsed", repository.ErrInvalidState)

	// ErrTooEarly is returned by Expire when the offer window is still open.
	ErrTooEarly = errors.New("offer has not expired yet")
)

// TooEarlyError carries the instant at which an early expiry should be
// retried.
type TooEarlyError struct {
	EntryID string
	At      time.Time
}

func (e *TooEarlyError) Error() string {
	return fmt.Sprintf("offer %s expires at %s", e.EntryID, e.At.Format(time.RFC3339))
}

func (e *TooEarlyError) Is(target error) bool { return target == ErrTooEarly }

// RetryAt is when the expiry task should run again.
func (e *TooEarlyError) RetryAt() time.Time { return e.At }

// ExpiryScheduler queues the offered to expired transition of an entry.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, entryID, eventID string, at time.Time) error
	// RequestSweep asks the reconciliation sweep to run no later than at.
	RequestSweep(at time.Time)
}

// Policy is the offer lifecycle configuration.
type Policy struct {
	OfferWindow time.Duration
	// EarlyTolerance lets an expiry task that fires slightly early proceed.
	EarlyTolerance time.Duration
	// PurchaseGracePeriod admits payments that land shortly after the
	// window closed, provided the seat is still free.
	PurchaseGracePeriod time.Duration
	// PromoteOnRelease offers freed capacity to the oldest waiting entries.
	PromoteOnRelease bool
}

// DefaultPolicy returns a 30 minute offer window with no grace and no
// promotion.
func DefaultPolicy() Policy {
	return Policy{
		OfferWindow:    30 * time.Minute,
		EarlyTolerance: 2 * time.Second,
	}
}

// QueueService owns the waiting list and offer lifecycle: admission, expiry,
// purchase finalization and ticket status.
type QueueService struct {
	store     repository.Store
	scheduler ExpiryScheduler
	clock     clock.Clock
	policy    Policy
	metrics   *telemetry.Metrics
	log       *zap.Logger
}

// NewQueueService constructs a QueueService. A nil metrics records nothing.
func NewQueueService(
	store repository.Store,
	scheduler ExpiryScheduler,
	clk clock.Clock,
	policy Policy,
	metrics *telemetry.Metrics,
	log *zap.Logger,
) *QueueService {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &QueueService{
		store:     store,
		scheduler: scheduler,
		clock:     clk,
		policy:    policy,
		metrics:   metrics,
		log:       log.Named("queue"),
	}
}

// inTx runs fn in a store transaction under a span, counting exhausted
// conflict retries.
func (s *QueueService) inTx(ctx context.Context, span trace.Span, eventID string, fn func(ctx context.Context, tx repository.Tx) error) error {
	err := s.store.InTx(ctx, fn)
	if errors.Is(err, repository.ErrTransactionConflict) {
		telemetry.Inc(ctx, s.metrics.TxConflicts, eventID)
		span.SetAttributes(attribute.Bool("tx.conflict", true))
	}
	return err
}

// scheduleExpiry queues expiry for a committed offer. A failure leaves the
// entry offered and falls back to the reconciliation sweep.
func (s *QueueService) scheduleExpiry(ctx context.Context, entry *model.WaitingListEntry) {
	if entry.OfferExpiresAt == nil {
		return
	}
	at := *entry.OfferExpiresAt
	if err := s.scheduler.ScheduleExpiry(ctx, entry.ID, entry.EventID, at); err != nil {
		s.log.Error("failed to schedule offer expiry, requesting sweep",
			zap.String("entry_id", entry.ID),
			zap.String("event_id", entry.EventID),
			zap.Time("offer_expires_at", at),
			zap.Error(err),
		)
		s.scheduler.RequestSweep(at)
	}
}

// promote offers freed capacity to the oldest waiting entries of the event.
// It must run inside the transaction that freed the capacity, after the
// event row has been locked.
func (s *QueueService) promote(ctx context.Context, tx repository.Tx, event *model.Event, now time.Time) ([]model.WaitingListEntry, error) {
	if !s.policy.PromoteOnRelease || event.IsCancelled {
		return nil, nil
	}
	avail, err := availabilityOf(ctx, tx, event, now)
	if err != nil {
		return nil, err
	}
	if avail.Remaining <= 0 {
		return nil, nil
	}

	waiting, err := tx.OldestWaitingEntries(ctx, event.ID, avail.Remaining)
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(s.policy.OfferWindow)
	for i := range waiting {
		if err := tx.UpdateEntryStatus(ctx, waiting[i].ID, model.EntryOffered, &expiresAt); err != nil {
			return nil, err
		}
		waiting[i].Status = model.EntryOffered
		at := expiresAt
		waiting[i].OfferExpiresAt = &at
	}
	return waiting, nil
}

func (s *QueueService) afterPromotion(ctx context.Context, promoted []model.WaitingListEntry) {
	for i := range promoted {
		e := &promoted[i]
		telemetry.Inc(ctx, s.metrics.OffersPromoted, e.EventID)
		s.log.Info("waiting entry promoted to offer",
			zap.String("entry_id", e.ID),
			zap.String("event_id", e.EventID),
			zap.String("user_id", e.UserID),
		)
		s.scheduleExpiry(ctx, e)
	}
}
