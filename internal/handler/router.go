package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RouterConfig collects everything the HTTP surface is built from.
type RouterConfig struct {
	Events   *EventHandler
	Queue    *QueueHandler
	Webhooks *WebhookHandler
	Health   *HealthHandler
	Auth     AuthConfig
	// JoinLimiter throttles queue joins per user; nil disables it.
	JoinLimiter *UserRateLimiter
	// StripeEnabled and RazorpayEnabled mount the provider webhooks.
	StripeEnabled   bool
	RazorpayEnabled bool
	Log             *zap.Logger
}

// NewRouter builds the chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(Logger(cfg.Log))
	r.Use(CORS)

	r.Get("/health", HealthCheck)
	r.Get("/ready", cfg.Health.Ready)

	// Public reads
	r.Get("/events", cfg.Events.ListEvents)
	r.Get("/events/{id}", cfg.Events.GetEvent)
	r.Get("/events/{id}/availability", cfg.Queue.GetAvailability)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Auth))

		r.Post("/events", cfg.Events.CreateEvent)
		r.Post("/events/{id}/cancel", cfg.Events.CancelEvent)
		r.Get("/events/{id}/tickets", cfg.Queue.ListEventTickets)
		r.Post("/events/{id}/refunds", cfg.Queue.RefundEventTickets)
		r.Get("/events/{id}/queue/position", cfg.Queue.GetQueuePosition)

		if cfg.JoinLimiter != nil {
			r.With(cfg.JoinLimiter.Middleware).Post("/events/{id}/queue", cfg.Queue.Join)
		} else {
			r.Post("/events/{id}/queue", cfg.Queue.Join)
		}

		r.Post("/entries/{id}/purchase", cfg.Queue.Purchase)
		r.Patch("/tickets/{id}/status", cfg.Queue.UpdateTicketStatus)
		r.Get("/me/tickets", cfg.Queue.ListMyTickets)
	})

	if cfg.StripeEnabled {
		r.Post("/webhooks/stripe", cfg.Webhooks.Stripe)
	}
	if cfg.RazorpayEnabled {
		r.Post("/webhooks/razorpay", cfg.Webhooks.Razorpay)
	}

	return r
}
