// Package repository implements the inventory store: events, waiting list
// entries and tickets, accessed only through atomic transactions.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
)

// ErrNotFound is returned when a requested event, entry or ticket does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyQueued is returned when a user already holds a non-expired entry
// for the event.
var ErrAlreadyQueued = errors.New("already holds a reservation for this event")

// ErrInvalidState is returned when an operation is not allowed from the
// current state of the entry, event or ticket.
var ErrInvalidState = errors.New("invalid state")

// ErrTransactionConflict is returned when concurrent writers collided and the
// transaction could not be committed within the retry bound.
var ErrTransactionConflict = errors.New("transaction conflict")

// Store runs functions inside atomic transactions. A function passed to InTx
// may be executed more than once when the store retries a conflicting
// transaction, so it must not have side effects outside the Tx.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is the set of reads and writes available inside one transaction.
// Lookups of a single row return ErrNotFound when the row is absent.
type Tx interface {
	InsertEvent(ctx context.Context, e *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	// LockEvent reads the event and holds a write lock on it until the
	// transaction ends. Every capacity decision for the event goes through it.
	LockEvent(ctx context.Context, id string) (*model.Event, error)
	ListEvents(ctx context.Context, includeCancelled bool) ([]model.Event, error)
	SetEventCancelled(ctx context.Context, id string) error

	InsertEntry(ctx context.Context, e *model.WaitingListEntry) error
	// GetEntry reads the entry and locks it for update.
	GetEntry(ctx context.Context, id string) (*model.WaitingListEntry, error)
	FindOpenEntry(ctx context.Context, eventID, userID string) (*model.WaitingListEntry, error)
	// UpdateEntryStatus changes the status. A nil offerExpiresAt leaves the
	// stored value untouched.
	UpdateEntryStatus(ctx context.Context, id string, status model.EntryStatus, offerExpiresAt *time.Time) error
	CountActiveOffers(ctx context.Context, eventID string, now time.Time) (int, error)
	CountWaitingBefore(ctx context.Context, eventID string, createdAt time.Time) (int, error)
	OldestWaitingEntries(ctx context.Context, eventID string, limit int) ([]model.WaitingListEntry, error)
	ListLapsedOffers(ctx context.Context, now time.Time, limit int) ([]model.WaitingListEntry, error)

	InsertTicket(ctx context.Context, t *model.Ticket) error
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	// LockTicket reads the ticket and locks it for update. Take the event
	// lock first.
	LockTicket(ctx context.Context, id string) (*model.Ticket, error)
	GetTicketByEntry(ctx context.Context, entryID string) (*model.Ticket, error)
	CountCapacityTickets(ctx context.Context, eventID string) (int, error)
	ListTicketsByEvent(ctx context.Context, eventID string) ([]model.Ticket, error)
	ListTicketsByUser(ctx context.Context, userID string) ([]model.Ticket, error)
	UpdateTicketStatus(ctx context.Context, id string, status model.TicketStatus) error
}
