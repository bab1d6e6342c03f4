package handler

import (
	"net/http"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// QueueHandler serves the waiting list, purchase and ticket routes.
type QueueHandler struct {
	queue  *service.QueueService
	events *service.EventService
	log    *zap.Logger
}

// NewQueueHandler constructs a QueueHandler.
func NewQueueHandler(queue *service.QueueService, events *service.EventService, log *zap.Logger) *QueueHandler {
	return &QueueHandler{queue: queue, events: events, log: log}
}

// GetAvailability handles GET /events/{id}/availability
func (h *QueueHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	avail, err := h.queue.GetAvailability(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, err, "event not found")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		*model.Availability
		RemainingTickets int `json:"remaining_tickets"`
	}{avail, avail.RemainingTickets()})
}

// Join handles POST /events/{id}/queue
// Responds 201 with the new entry, offered or waiting.
func (h *QueueHandler) Join(w http.ResponseWriter, r *http.Request) {
	result, err := h.queue.Join(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()))
	if err != nil {
		writeServiceError(w, h.log, err, "event not found")
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// GetQueuePosition handles GET /events/{id}/queue/position
func (h *QueueHandler) GetQueuePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.queue.GetQueuePosition(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()))
	if err != nil {
		writeServiceError(w, h.log, err, "no open reservation for this event")
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// Purchase handles POST /entries/{id}/purchase
// The direct confirmation path; replays answer 200 with the existing ticket.
func (h *QueueHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req model.PurchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.queue.ConfirmPurchase(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, h.log, err, "reservation not found")
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// ListMyTickets handles GET /me/tickets
func (h *QueueHandler) ListMyTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.queue.ListUserTickets(r.Context(), UserID(r.Context()))
	if err != nil {
		writeServiceError(w, h.log, err, "tickets not found")
		return
	}
	if tickets == nil {
		tickets = []model.Ticket{}
	}

	writeJSON(w, http.StatusOK, tickets)
}

// ListEventTickets handles GET /events/{id}/tickets
// Restricted to the event owner.
func (h *QueueHandler) ListEventTickets(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	if !h.requireOwner(w, r, eventID) {
		return
	}

	tickets, err := h.queue.ListEventTickets(r.Context(), eventID)
	if err != nil {
		writeServiceError(w, h.log, err, "event not found")
		return
	}
	if tickets == nil {
		tickets = []model.Ticket{}
	}

	writeJSON(w, http.StatusOK, tickets)
}

// RefundEventTickets handles POST /events/{id}/refunds
func (h *QueueHandler) RefundEventTickets(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	if !h.requireOwner(w, r, eventID) {
		return
	}

	summary, err := h.queue.RefundEventTickets(r.Context(), eventID)
	if err != nil {
		writeServiceError(w, h.log, err, "event not found")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// UpdateTicketStatus handles PATCH /tickets/{id}/status
// Only the owner of the ticket's event may mark it.
func (h *QueueHandler) UpdateTicketStatus(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateTicketStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ticketID := chi.URLParam(r, "id")
	ticket, err := h.queue.GetTicket(r.Context(), ticketID)
	if err != nil {
		writeServiceError(w, h.log, err, "ticket not found")
		return
	}
	if !h.requireOwner(w, r, ticket.EventID) {
		return
	}

	ticket, err = h.queue.UpdateTicketStatus(r.Context(), ticketID, req.Status)
	if err != nil {
		writeServiceError(w, h.log, err, "ticket not found")
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

// requireOwner writes an error response and returns false unless the caller
// owns the event.
func (h *QueueHandler) requireOwner(w http.ResponseWriter, r *http.Request, eventID string) bool {
	event, err := h.events.GetEvent(r.Context(), eventID)
	if err != nil {
		writeServiceError(w, h.log, err, "event not found")
		return false
	}
	if event.OwnerID != UserID(r.Context()) {
		writeServiceError(w, h.log, service.ErrForbidden, "event not found")
		return false
	}
	return true
}
