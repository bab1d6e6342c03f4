// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// retryAfterSeconds is advertised when a request lost every conflict retry.
const retryAfterSeconds = 1

// EventHandler serves the event seed/read/cancel surface.
type EventHandler struct {
	svc *service.EventService
	log *zap.Logger
}

// NewEventHandler constructs an EventHandler.
func NewEventHandler(svc *service.EventService, log *zap.Logger) *EventHandler {
	return &EventHandler{svc: svc, log: log}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeServiceError maps service and repository errors onto HTTP statuses.
// notFound is the message used for ErrNotFound so each route can name the
// missing resource.
func writeServiceError(w http.ResponseWriter, log *zap.Logger, err error, notFound string) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Msg)
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, notFound)
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, "you do not own this resource")
	case errors.Is(err, repository.ErrAlreadyQueued):
		writeError(w, http.StatusConflict, "you already hold a reservation for this event")
	case errors.Is(err, service.ErrOfferLapsed):
		writeError(w, http.StatusConflict, "your purchase window has lapsed")
	case errors.Is(err, service.ErrEventCancelled):
		writeError(w, http.StatusConflict, "event is cancelled")
	case errors.Is(err, repository.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrTransactionConflict):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeError(w, http.StatusServiceUnavailable, "too much contention, please retry")
	default:
		log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

// CreateEvent handles POST /events
// The authenticated caller becomes the owner of the new event.
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.OwnerID = UserID(r.Context())

	event, err := h.svc.CreateEvent(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.log, err, "event not found")
		return
	}

	writeJSON(w, http.StatusCreated, event)
}

// ListEvents handles GET /events
// Returns a JSON array of events that are not cancelled.
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.ListEvents(r.Context())
	if err != nil {
		writeServiceError(w, h.log, err, "event not found")
		return
	}

	// Return an empty array rather than null for better client compatibility.
	if events == nil {
		events = []model.Event{}
	}

	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.svc.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, err, "event not found")
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// CancelEvent handles POST /events/{id}/cancel
func (h *EventHandler) CancelEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.svc.CancelEvent(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()))
	if err != nil {
		writeServiceError(w, h.log, err, "event not found")
		return
	}

	writeJSON(w, http.StatusOK, event)
}
