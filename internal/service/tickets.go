package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// UpdateTicketStatus marks a valid ticket used, refunded or cancelled. Those
// three are terminal. Refunding or cancelling frees the seat, which is offered
// onwards when promotion is enabled. Setting the current status again is a
// no-op.
func (s *QueueService) UpdateTicketStatus(ctx context.Context, ticketID string, status model.TicketStatus) (*model.Ticket, error) {
	ctx, span := tracer.Start(ctx, "queue.UpdateTicketStatus", trace.WithAttributes(
		attribute.String("ticket_id", ticketID),
		attribute.String("status", string(status)),
	))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	if !status.Valid() {
		err = invalid("unknown ticket status %q", status)
		return nil, err
	}
	if !validID(ticketID) {
		err = repository.ErrNotFound
		return nil, err
	}

	var ticket *model.Ticket
	var promoted []model.WaitingListEntry
	err = s.inTx(ctx, span, "", func(ctx context.Context, tx repository.Tx) error {
		ticket, promoted = nil, nil

		// Event before ticket, the same order as every other writer.
		peek, err := tx.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		event, err := tx.LockEvent(ctx, peek.EventID)
		if err != nil {
			return err
		}
		ticket, err = tx.LockTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if ticket.Status == status {
			return nil
		}
		if ticket.Status != model.TicketValid {
			return fmt.Errorf("%w: ticket is %s", repository.ErrInvalidState, ticket.Status)
		}

		if err := tx.UpdateTicketStatus(ctx, ticketID, status); err != nil {
			return err
		}
		ticket.Status = status

		if status.HoldsCapacity() {
			return nil
		}
		promoted, err = s.promote(ctx, tx, event, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("ticket status updated",
		zap.String("ticket_id", ticketID),
		zap.String("event_id", ticket.EventID),
		zap.String("status", string(status)),
	)
	s.afterPromotion(ctx, promoted)
	return ticket, nil
}

// RefundEventTickets marks every valid ticket of a cancelled event refunded.
// Each ticket is refunded in its own transaction; one failure does not stop
// the rest.
func (s *QueueService) RefundEventTickets(ctx context.Context, eventID string) (*model.RefundSummary, error) {
	if !validID(eventID) {
		return nil, repository.ErrNotFound
	}

	var tickets []model.Ticket
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		event, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if !event.IsCancelled {
			return fmt.Errorf("%w: event is not cancelled", repository.ErrInvalidState)
		}
		tickets, err = tx.ListTicketsByEvent(ctx, eventID)
		return err
	})
	if err != nil {
		return nil, err
	}

	summary := &model.RefundSummary{Results: []model.RefundResult{}}
	for _, t := range tickets {
		if t.Status != model.TicketValid {
			continue
		}
		res := model.RefundResult{TicketID: t.ID}
		if _, err := s.UpdateTicketStatus(ctx, t.ID, model.TicketRefunded); err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
		}
		if res.Success {
			summary.Successful++
		} else {
			summary.Failed++
			s.log.Warn("ticket refund failed", zap.String("ticket_id", t.ID), zap.String("error", res.Error))
		}
		summary.Results = append(summary.Results, res)
	}
	summary.TotalProcessed = len(summary.Results)

	s.log.Info("event refund completed",
		zap.String("event_id", eventID),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// ListEventTickets returns every ticket issued for an event.
func (s *QueueService) ListEventTickets(ctx context.Context, eventID string) ([]model.Ticket, error) {
	if !validID(eventID) {
		return nil, repository.ErrNotFound
	}
	var tickets []model.Ticket
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.GetEvent(ctx, eventID); err != nil {
			return err
		}
		var err error
		tickets, err = tx.ListTicketsByEvent(ctx, eventID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tickets, nil
}

// ListUserTickets returns the user's tickets, newest first.
func (s *QueueService) ListUserTickets(ctx context.Context, userID string) ([]model.Ticket, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("user id is required")
	}
	var tickets []model.Ticket
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		tickets, err = tx.ListTicketsByUser(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tickets, nil
}

// GetTicket returns a single ticket.
func (s *QueueService) GetTicket(ctx context.Context, ticketID string) (*model.Ticket, error) {
	if !validID(ticketID) {
		return nil, repository.ErrNotFound
	}
	var ticket *model.Ticket
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		ticket, err = tx.GetTicket(ctx, ticketID)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, repository.ErrNotFound
	}
	return ticket, err
}
