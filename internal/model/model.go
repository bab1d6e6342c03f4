// Package model defines the core domain types for the ticket queue engine.
package model

import "time"

// EntryStatus is the lifecycle state of a waiting list entry.
type EntryStatus string

const (
	EntryWaiting   EntryStatus = "waiting"
	EntryOffered   EntryStatus = "offered"
	EntryPurchased EntryStatus = "purchased"
	EntryExpired   EntryStatus = "expired"
)

// TicketStatus is the state of an issued ticket.
type TicketStatus string

const (
	TicketValid     TicketStatus = "valid"
	TicketUsed      TicketStatus = "used"
	TicketRefunded  TicketStatus = "refunded"
	TicketCancelled TicketStatus = "cancelled"
)

// Valid reports whether s is a known ticket status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketValid, TicketUsed, TicketRefunded, TicketCancelled:
		return true
	}
	return false
}

// HoldsCapacity reports whether a ticket in this status counts against the
// event's capacity.
func (s TicketStatus) HoldsCapacity() bool {
	return s == TicketValid || s == TicketUsed
}

// Event is the read-only view of an event the engine allocates against.
// Price is expressed in minor currency units.
type Event struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	OwnerID      string    `json:"owner_id"`
	TotalTickets int       `json:"total_tickets"`
	Price        int64     `json:"price"`
	IsCancelled  bool      `json:"is_cancelled"`
	CreatedAt    time.Time `json:"created_at"`
}

// WaitingListEntry is one user's claim on one event's inventory.
type WaitingListEntry struct {
	ID             string      `json:"id"`
	EventID        string      `json:"event_id"`
	UserID         string      `json:"user_id"`
	Status         EntryStatus `json:"status"`
	OfferExpiresAt *time.Time  `json:"offer_expires_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// OfferActiveAt reports whether the entry is an offer still holding capacity
// at the given instant.
func (e *WaitingListEntry) OfferActiveAt(now time.Time) bool {
	return e.Status == EntryOffered && e.OfferExpiresAt != nil && e.OfferExpiresAt.After(now)
}

// Ticket is the artifact of a completed sale.
type Ticket struct {
	ID                 string       `json:"id"`
	EventID            string       `json:"event_id"`
	UserID             string       `json:"user_id"`
	WaitingListEntryID string       `json:"waiting_list_entry_id"`
	Status             TicketStatus `json:"status"`
	PaymentReference   string       `json:"payment_reference"`
	Amount             int64        `json:"amount"`
	PurchasedAt        time.Time    `json:"purchased_at"`
}

// Availability is computed fresh from the store for every decision.
type Availability struct {
	EventID              string `json:"event_id"`
	Capacity             int    `json:"total_tickets"`
	PurchasedOrUsedCount int    `json:"purchased_count"`
	ActiveOfferedCount   int    `json:"active_offers"`
	Remaining            int    `json:"remaining"`
	IsSoldOut            bool   `json:"is_sold_out"`
}

// RemainingTickets clamps Remaining at zero for display.
func (a Availability) RemainingTickets() int {
	if a.Remaining < 0 {
		return 0
	}
	return a.Remaining
}

// JoinResult is the outcome of a queue admission.
type JoinResult struct {
	Entry          *WaitingListEntry `json:"entry"`
	Status         EntryStatus       `json:"status"`
	OfferExpiresAt *time.Time        `json:"offer_expires_at,omitempty"`
}

// PurchaseResult is the outcome of a purchase finalization. Replayed is set
// when the ticket already existed and no new row was written.
type PurchaseResult struct {
	Ticket   *Ticket `json:"ticket"`
	Replayed bool    `json:"replayed"`
}

// QueuePosition describes a user's open entry for an event. Position is
// 1-based and only meaningful while waiting.
type QueuePosition struct {
	Entry    *WaitingListEntry `json:"entry"`
	Position int               `json:"position,omitempty"`
}

// RefundSummary summarises a bulk ticket refund for a cancelled event.
type RefundSummary struct {
	TotalProcessed int            `json:"total_processed"`
	Successful     int            `json:"successful"`
	Failed         int            `json:"failed"`
	Results        []RefundResult `json:"results"`
}

// RefundResult is the per-ticket outcome inside a RefundSummary.
type RefundResult struct {
	TicketID string `json:"ticket_id"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// CreateEventRequest is the payload for seeding a new event.
type CreateEventRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	OwnerID      string `json:"owner_id"`
	TotalTickets int    `json:"total_tickets"`
	Price        int64  `json:"price"`
}

// PurchaseRequest is the payload of a direct purchase confirmation.
type PurchaseRequest struct {
	PaymentReference string `json:"payment_reference"`
	Amount           int64  `json:"amount"`
}

// UpdateTicketStatusRequest is the payload for marking a ticket.
type UpdateTicketStatusRequest struct {
	Status TicketStatus `json:"status"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
