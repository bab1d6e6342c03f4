package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/payment"
	"go.uber.org/zap"
)

// WebhookHandler receives payment provider callbacks. A route whose secret
// is empty is not mounted.
type WebhookHandler struct {
	finalizer      payment.Finalizer
	stripeSecret   string
	razorpaySecret string
	log            *zap.Logger
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(finalizer payment.Finalizer, stripeSecret, razorpaySecret string, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		finalizer:      finalizer,
		stripeSecret:   stripeSecret,
		razorpaySecret: razorpaySecret,
		log:            log.Named("webhook"),
	}
}

// Stripe handles POST /webhooks/stripe
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readBody(w, r)
	if !ok {
		return
	}
	conf, err := payment.ParseStripeEvent(payload, r.Header.Get("Stripe-Signature"), h.stripeSecret)
	h.confirm(w, r, conf, err)
}

// Razorpay handles POST /webhooks/razorpay
func (h *WebhookHandler) Razorpay(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readBody(w, r)
	if !ok {
		return
	}
	conf, err := payment.ParseRazorpayEvent(payload, r.Header.Get("X-Razorpay-Signature"), h.razorpaySecret)
	h.confirm(w, r, conf, err)
}

func (h *WebhookHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		h.log.Warn("failed to read webhook body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return payload, true
}

// confirm answers the provider: 200 for anything redelivery cannot change,
// 500 only when a retry might succeed.
func (h *WebhookHandler) confirm(w http.ResponseWriter, r *http.Request, conf *payment.Confirmation, parseErr error) {
	switch {
	case errors.Is(parseErr, payment.ErrIgnoredEvent):
		h.log.Debug("ignoring webhook event", zap.Error(parseErr))
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	case errors.Is(parseErr, payment.ErrInvalidSignature):
		h.log.Warn("rejected webhook", zap.Error(parseErr))
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	case parseErr != nil:
		h.log.Warn("rejected webhook", zap.Error(parseErr))
		writeError(w, http.StatusBadRequest, parseErr.Error())
		return
	}

	outcome, err := payment.Confirm(r.Context(), h.finalizer, *conf, h.log)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "ticket_id": outcome.TicketID, "replayed": outcome.Replayed})
	case payment.IsTerminal(err):
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "error": err.Error()})
	default:
		writeError(w, http.StatusInternalServerError, "payment could not be applied, retry later")
	}
}
