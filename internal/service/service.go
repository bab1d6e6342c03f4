// Package service implements business logic, validation, and orchestration
// between HTTP handlers, payment gateways and the repository layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/clock"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrForbidden is returned when the caller does not own the resource.
var ErrForbidden = errors.New("forbidden")

// ValidationError reports malformed input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// validID rejects ids that cannot name a stored row. A malformed id is
// reported as not found rather than as bad input.
func validID(id string) bool {
	return uuid.Validate(id) == nil
}

// EventService orchestrates the minimal event surface the engine allocates
// against.
type EventService struct {
	store repository.Store
	clock clock.Clock
	log   *zap.Logger
}

// NewEventService constructs an EventService with its dependencies.
func NewEventService(store repository.Store, clk clock.Clock, log *zap.Logger) *EventService {
	return &EventService{store: store, clock: clk, log: log.Named("events")}
}

// CreateEvent validates the request and stores a new event.
func (s *EventService) CreateEvent(ctx context.Context, req model.CreateEventRequest) (*model.Event, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, invalid("event name is required")
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, invalid("owner_id is required")
	}
	if req.TotalTickets <= 0 {
		return nil, invalid("total_tickets must be a positive integer")
	}
	if req.TotalTickets > 100_000 {
		return nil, invalid("total_tickets cannot exceed 100,000")
	}
	if req.Price < 0 {
		return nil, invalid("price cannot be negative")
	}

	event := &model.Event{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Description:  strings.TrimSpace(req.Description),
		OwnerID:      req.OwnerID,
		TotalTickets: req.TotalTickets,
		Price:        req.Price,
		CreatedAt:    s.clock.Now(),
	}
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertEvent(ctx, event)
	})
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}

	s.log.Info("event created", zap.String("event_id", event.ID), zap.Int("total_tickets", event.TotalTickets))
	return event, nil
}

// ListEvents returns all events that have not been cancelled.
func (s *EventService) ListEvents(ctx context.Context) ([]model.Event, error) {
	var events []model.Event
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		events, err = tx.ListEvents(ctx, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// GetEvent returns a single event by ID, cancelled or not.
func (s *EventService) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	if !validID(id) {
		return nil, repository.ErrNotFound
	}
	var event *model.Event
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		event, err = tx.GetEvent(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return event, nil
}

// CancelEvent marks the event cancelled. Only the owner may cancel it.
// New joins are refused afterwards; existing tickets stay valid until
// refunded.
func (s *EventService) CancelEvent(ctx context.Context, id, requesterID string) (*model.Event, error) {
	if !validID(id) {
		return nil, repository.ErrNotFound
	}
	var event *model.Event
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		event, err = tx.LockEvent(ctx, id)
		if err != nil {
			return err
		}
		if event.OwnerID != requesterID {
			return ErrForbidden
		}
		if event.IsCancelled {
			return nil
		}
		if err := tx.SetEventCancelled(ctx, id); err != nil {
			return err
		}
		event.IsCancelled = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("event cancelled", zap.String("event_id", id))
	return event, nil
}
