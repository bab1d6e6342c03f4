package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/clock"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/scheduler"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/service"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const (
	organizer      = "organizer"
	stripeSecret   = "whsec_test"
	razorpaySecret = "rzp_test"
	jwtSecret      = "test-secret"
)

type testServer struct {
	store   *repository.MemoryStore
	clock   *clock.Fake
	queue   *scheduler.MemoryQueue
	svc     *service.QueueService
	handler http.Handler
}

type serverOption func(*RouterConfig)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	log := zap.NewNop()
	store := repository.NewMemoryStore(repository.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}, log)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	q := scheduler.NewMemoryQueue()

	queueSvc := service.NewQueueService(store, scheduler.New(q), clk, service.DefaultPolicy(), nil, log)
	eventSvc := service.NewEventService(store, clk, log)

	cfg := RouterConfig{
		Events:          NewEventHandler(eventSvc, log),
		Queue:           NewQueueHandler(queueSvc, eventSvc, log),
		Webhooks:        NewWebhookHandler(queueSvc, stripeSecret, razorpaySecret, log),
		Health:          NewHealthHandler(map[string]Check{"store": store.Ping}),
		StripeEnabled:   true,
		RazorpayEnabled: true,
		Log:             log,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &testServer{store: store, clock: clk, queue: q, svc: queueSvc, handler: NewRouter(cfg)}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createEvent(t *testing.T, capacity int) model.Event {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/events", organizer, model.CreateEventRequest{
		Name:         "Launch Night",
		TotalTickets: capacity,
		Price:        2500,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[model.Event](t, rec)
}

func (s *testServer) join(t *testing.T, eventID, user string) model.JoinResult {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/events/"+eventID+"/queue", user, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[model.JoinResult](t, rec)
}

func TestEventRoutes(t *testing.T) {
	s := newTestServer(t)
	event := s.createEvent(t, 5)
	assert.Equal(t, organizer, event.OwnerID)

	rec := s.do(t, http.MethodGet, "/events/"+event.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Launch Night", decode[model.Event](t, rec).Name)

	rec = s.do(t, http.MethodGet, "/events/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/events", organizer, model.CreateEventRequest{Name: "x", TotalTickets: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/events", "", model.CreateEventRequest{Name: "x", TotalTickets: 1})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/events/"+event.ID+"/cancel", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/events/"+event.ID+"/cancel", organizer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[model.Event](t, rec).IsCancelled)

	rec = s.do(t, http.MethodGet, "/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]model.Event](t, rec))

	rec = s.do(t, http.MethodPost, "/events/"+event.ID+"/queue", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueueAndPurchaseFlow(t *testing.T) {
	s := newTestServer(t)
	event := s.createEvent(t, 1)

	alice := s.join(t, event.ID, "alice")
	assert.Equal(t, model.EntryOffered, alice.Status)
	require.NotNil(t, alice.OfferExpiresAt)
	assert.Equal(t, 1, s.queue.Len())

	bob := s.join(t, event.ID, "bob")
	assert.Equal(t, model.EntryWaiting, bob.Status)

	rec := s.do(t, http.MethodPost, "/events/"+event.ID+"/queue", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already hold a reservation")

	rec = s.do(t, http.MethodGet, "/events/"+event.ID+"/queue/position", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[model.QueuePosition](t, rec).Position)

	rec = s.do(t, http.MethodGet, "/events/"+event.ID+"/availability", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	avail := decode[map[string]any](t, rec)
	assert.EqualValues(t, 0, avail["remaining_tickets"])
	assert.EqualValues(t, 1, avail["active_offers"])

	purchase := model.PurchaseRequest{PaymentReference: "pi_alice", Amount: 2500}

	rec = s.do(t, http.MethodPost, "/entries/"+alice.Entry.ID+"/purchase", "bob", purchase)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/entries/"+alice.Entry.ID+"/purchase", "alice", purchase)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[model.PurchaseResult](t, rec)
	assert.False(t, first.Replayed)

	rec = s.do(t, http.MethodPost, "/entries/"+alice.Entry.ID+"/purchase", "alice", purchase)
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decode[model.PurchaseResult](t, rec)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Ticket.ID, replay.Ticket.ID)

	rec = s.do(t, http.MethodPost, "/entries/"+bob.Entry.ID+"/purchase", "bob", purchase)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/me/tickets", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Ticket](t, rec), 1)
}

func TestPurchaseAfterLapse(t *testing.T) {
	s := newTestServer(t)
	event := s.createEvent(t, 1)
	alice := s.join(t, event.ID, "alice")

	s.clock.Advance(31 * time.Minute)
	rec := s.do(t, http.MethodPost, "/entries/"+alice.Entry.ID+"/purchase", "alice",
		model.PurchaseRequest{PaymentReference: "pi_late", Amount: 2500})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "purchase window has lapsed")
}

func TestPurchaseAfterExpiry(t *testing.T) {
	s := newTestServer(t)
	event := s.createEvent(t, 1)
	alice := s.join(t, event.ID, "alice")

	s.clock.Advance(31 * time.Minute)
	require.NoError(t, s.svc.Expire(context.Background(), alice.Entry.ID, event.ID))

	rec := s.do(t, http.MethodPost, "/entries/"+alice.Entry.ID+"/purchase", "alice",
		model.PurchaseRequest{PaymentReference: "pi_late", Amount: 2500})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "purchase window has lapsed")

	// The webhook path acknowledges the lapse instead of asking for redelivery.
	rec = s.postStripeIntent(t, alice.Entry.ID, "pi_late_hook")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "offer window has lapsed")
}

// postStripeIntent delivers a signed payment_intent.succeeded webhook for entryID.
func (s *testServer) postStripeIntent(t *testing.T, entryID, intentID string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_" + intentID,
		"object":      "event",
		"type":        "payment_intent.succeeded",
		"api_version": "2020-08-27",
		"data": map[string]any{"object": map[string]any{
			"id":              intentID,
			"object":          "payment_intent",
			"amount":          2500,
			"amount_received": 2500,
			"metadata":        map[string]string{"waitingListId": entryID},
		}},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    stripeSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestContentionReturns503(t *testing.T) {
	s := newTestServer(t)
	event := s.createEvent(t, 1)

	s.store.InjectConflicts(10)
	rec := s.do(t, http.MethodPost, "/events/"+event.ID+"/queue", "alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestTicketRoutes(t *testing.T) {
	s := newTestServer(t)
	event := s.createEvent(t, 2)
	alice := s.join(t, event.ID, "alice")

	rec := s.do(t, http.MethodPost, "/entries/"+alice.Entry.ID+"/purchase", "alice",
		model.PurchaseRequest{PaymentReference: "pi_alice", Amount: 2500})
	require.Equal(t, http.StatusCreated, rec.Code)
	ticket := decode[model.PurchaseResult](t, rec).Ticket

	rec = s.do(t, http.MethodGet, "/events/"+event.ID+"/tickets", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/events/"+event.ID+"/tickets", organizer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Ticket](t, rec), 1)

	rec = s.do(t, http.MethodPost, "/events/"+event.ID+"/refunds", organizer, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPatch, "/tickets/"+ticket.ID+"/status", "alice",
		model.UpdateTicketStatusRequest{Status: model.TicketUsed})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPatch, "/tickets/"+ticket.ID+"/status", organizer,
		model.UpdateTicketStatusRequest{Status: model.TicketUsed})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.TicketUsed, decode[model.Ticket](t, rec).Status)

	rec = s.do(t, http.MethodPatch, "/tickets/"+ticket.ID+"/status", organizer,
		model.UpdateTicketStatusRequest{Status: model.TicketRefunded})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRefundCancelledEvent(t *testing.T) {
	s := newTestServer(t)
	event := s.createEvent(t, 2)
	for _, user := range []string{"alice", "bob"} {
		entry := s.join(t, event.ID, user)
		rec := s.do(t, http.MethodPost, "/entries/"+entry.Entry.ID+"/purchase", user,
			model.PurchaseRequest{PaymentReference: "pi_" + user, Amount: 2500})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/events/"+event.ID+"/cancel", organizer, nil).Code)

	rec := s.do(t, http.MethodPost, "/events/"+event.ID+"/refunds", organizer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[model.RefundSummary](t, rec)
	assert.Equal(t, 2, summary.TotalProcessed)
	assert.Equal(t, 2, summary.Successful)
	assert.Zero(t, summary.Failed)
}

func TestStripeWebhook(t *testing.T) {
	s := newTestServer(t)
	event := s.createEvent(t, 1)
	alice := s.join(t, event.ID, "alice")

	payload, err := json.Marshal(map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"type":        "payment_intent.succeeded",
		"api_version": "2020-08-27",
		"data": map[string]any{"object": map[string]any{
			"id":              "pi_hook",
			"object":          "payment_intent",
			"amount":          2500,
			"amount_received": 2500,
			"metadata":        map[string]string{"waitingListId": alice.Entry.ID},
		}},
	})
	require.NoError(t, err)

	send := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", sig)
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		return rec
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    stripeSecret,
		Timestamp: time.Now(),
	})

	rec := send(signed.Header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.NotEmpty(t, body["ticket_id"])
	assert.Equal(t, false, body["replayed"])

	rec = send(signed.Header)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["replayed"])

	rec = send("t=1,v1=bad")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRazorpayWebhook(t *testing.T) {
	s := newTestServer(t)
	event := s.createEvent(t, 1)
	alice := s.join(t, event.ID, "alice")

	payload := func(entryID string) []byte {
		b, err := json.Marshal(map[string]any{
			"event": "payment.captured",
			"payload": map[string]any{"payment": map[string]any{"entity": map[string]any{
				"id":     "pay_1",
				"amount": 2500,
				"notes":  map[string]string{"waitingListId": entryID},
			}}},
		})
		require.NoError(t, err)
		return b
	}
	send := func(body []byte, sign bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/razorpay", bytes.NewReader(body))
		if sign {
			mac := hmac.New(sha256.New, []byte(razorpaySecret))
			mac.Write(body)
			req.Header.Set("X-Razorpay-Signature", hex.EncodeToString(mac.Sum(nil)))
		}
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, send(payload(alice.Entry.ID), false).Code)

	// Unknown entries are acknowledged; redelivery cannot help.
	rec := send(payload(uuid.NewString()), true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")

	rec = send(payload(alice.Entry.ID), true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[map[string]any](t, rec)["ticket_id"])
}

func TestReady(t *testing.T) {
	s := newTestServer(t, func(cfg *RouterConfig) {
		cfg.Health = NewHealthHandler(map[string]Check{
			"store": func(context.Context) error { return nil },
			"redis": func(context.Context) error { return errors.New("connection refused") },
		})
	})

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, false, body["ready"])
	assert.Equal(t, map[string]any{"store": "ok", "redis": "connection refused"}, body["checks"])
}

func TestJWTAuthentication(t *testing.T) {
	s := newTestServer(t, func(cfg *RouterConfig) {
		cfg.Auth = AuthConfig{Enabled: true, Secret: jwtSecret, Issuer: "ticket-queue"}
	})

	sign := func(secret, issuer string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   organizer,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)
		return signed
	}
	create := func(token string) int {
		body, _ := json.Marshal(model.CreateEventRequest{Name: "Show", TotalTickets: 1})
		req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-User-ID", organizer)
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusCreated, create(sign(jwtSecret, "ticket-queue")))
	assert.Equal(t, http.StatusUnauthorized, create(sign("wrong", "ticket-queue")))
	assert.Equal(t, http.StatusUnauthorized, create(sign(jwtSecret, "someone-else")))
	assert.Equal(t, http.StatusUnauthorized, create(""))
}

func TestJoinRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *RouterConfig) {
		cfg.JoinLimiter = NewUserRateLimiter(0.001, 1)
	})
	event := s.createEvent(t, 5)

	s.join(t, event.ID, "alice")
	rec := s.do(t, http.MethodPost, "/events/"+event.ID+"/queue", "alice", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Budgets are per user.
	s.join(t, event.ID, "bob")
}

func TestUserRateLimiter_EvictsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewUserRateLimiter(0.001, 1)
	l.now = func() time.Time { return now }
	l.lastPrune = now

	assert.True(t, l.allow("alice"))
	assert.False(t, l.allow("alice"))
	assert.True(t, l.allow("bob"))
	assert.Len(t, l.buckets, 2)

	now = now.Add(idleBucketTTL / 2)
	assert.True(t, l.allow("carol"))
	assert.Len(t, l.buckets, 3, "no prune before the TTL has passed")

	now = now.Add(idleBucketTTL/2 + time.Second)
	assert.True(t, l.allow("dave"))
	assert.Len(t, l.buckets, 2, "alice and bob were idle past the TTL")
	assert.Contains(t, l.buckets, "carol")

	// An evicted user starts again with a full bucket.
	assert.True(t, l.allow("alice"))
}
