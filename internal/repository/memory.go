package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
	"go.uber.org/zap"
)

// MemoryStore is an in-process Store for development and tests. One
// transaction runs at a time against a private copy of the data, and the copy
// replaces the committed state only when the function returns nil.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
	retry RetryConfig
	log   *zap.Logger

	// pending conflicts to inject on the next InTx attempts
	conflicts int
}

type memState struct {
	events  map[string]model.Event
	entries map[string]model.WaitingListEntry
	tickets map[string]model.Ticket
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(retry RetryConfig, log *zap.Logger) *MemoryStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryStore{
		state: memState{
			events:  make(map[string]model.Event),
			entries: make(map[string]model.WaitingListEntry),
			tickets: make(map[string]model.Ticket),
		},
		retry: retry,
		log:   log,
	}
}

// InjectConflicts makes the next n transaction attempts fail with
// ErrTransactionConflict after running their function, as a serializable
// database would when another writer commits first.
func (s *MemoryStore) InjectConflicts(n int) {
	s.mu.Lock()
	s.conflicts = n
	s.mu.Unlock()
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// InTx runs fn against a snapshot and commits it on success.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	onConflict := func(attempt int, err error) {
		s.log.Debug("transaction conflict, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	return withConflictRetry(ctx, s.retry, onConflict, func() error {
		return s.runTx(ctx, fn)
	})
}

func (s *MemoryStore) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{state: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if s.conflicts > 0 {
		s.conflicts--
		return ErrTransactionConflict
	}
	s.state = tx.state
	return nil
}

func (st memState) clone() memState {
	c := memState{
		events:  make(map[string]model.Event, len(st.events)),
		entries: make(map[string]model.WaitingListEntry, len(st.entries)),
		tickets: make(map[string]model.Ticket, len(st.tickets)),
	}
	for k, v := range st.events {
		c.events[k] = v
	}
	for k, v := range st.entries {
		if v.OfferExpiresAt != nil {
			t := *v.OfferExpiresAt
			v.OfferExpiresAt = &t
		}
		c.entries[k] = v
	}
	for k, v := range st.tickets {
		c.tickets[k] = v
	}
	return c
}

type memTx struct {
	state memState
}

func (t *memTx) InsertEvent(_ context.Context, e *model.Event) error {
	if _, ok := t.state.events[e.ID]; ok {
		return ErrTransactionConflict
	}
	t.state.events[e.ID] = *e
	return nil
}

func (t *memTx) GetEvent(_ context.Context, id string) (*model.Event, error) {
	e, ok := t.state.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (t *memTx) LockEvent(ctx context.Context, id string) (*model.Event, error) {
	return t.GetEvent(ctx, id)
}

func (t *memTx) ListEvents(_ context.Context, includeCancelled bool) ([]model.Event, error) {
	var events []model.Event
	for _, e := range t.state.events {
		if e.IsCancelled && !includeCancelled {
			continue
		}
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	return events, nil
}

func (t *memTx) SetEventCancelled(_ context.Context, id string) error {
	e, ok := t.state.events[id]
	if !ok {
		return ErrNotFound
	}
	e.IsCancelled = true
	t.state.events[id] = e
	return nil
}

func copyEntry(e model.WaitingListEntry) *model.WaitingListEntry {
	if e.OfferExpiresAt != nil {
		ts := *e.OfferExpiresAt
		e.OfferExpiresAt = &ts
	}
	return &e
}

func (t *memTx) InsertEntry(_ context.Context, e *model.WaitingListEntry) error {
	if _, ok := t.state.entries[e.ID]; ok {
		return ErrTransactionConflict
	}
	// mirrors the partial unique index on (user_id, event_id)
	for _, other := range t.state.entries {
		if other.UserID == e.UserID && other.EventID == e.EventID && other.Status != model.EntryExpired {
			return ErrTransactionConflict
		}
	}
	t.state.entries[e.ID] = *copyEntry(*e)
	return nil
}

func (t *memTx) GetEntry(_ context.Context, id string) (*model.WaitingListEntry, error) {
	e, ok := t.state.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

func (t *memTx) FindOpenEntry(_ context.Context, eventID, userID string) (*model.WaitingListEntry, error) {
	for _, e := range t.state.entries {
		if e.EventID == eventID && e.UserID == userID && e.Status != model.EntryExpired {
			return copyEntry(e), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) UpdateEntryStatus(_ context.Context, id string, status model.EntryStatus, offerExpiresAt *time.Time) error {
	e, ok := t.state.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	if offerExpiresAt != nil {
		ts := *offerExpiresAt
		e.OfferExpiresAt = &ts
	}
	t.state.entries[id] = e
	return nil
}

func (t *memTx) CountActiveOffers(_ context.Context, eventID string, now time.Time) (int, error) {
	n := 0
	for _, e := range t.state.entries {
		if e.EventID == eventID && e.OfferActiveAt(now) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) CountWaitingBefore(_ context.Context, eventID string, createdAt time.Time) (int, error) {
	n := 0
	for _, e := range t.state.entries {
		if e.EventID == eventID && e.Status == model.EntryWaiting && e.CreatedAt.Before(createdAt) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) OldestWaitingEntries(_ context.Context, eventID string, limit int) ([]model.WaitingListEntry, error) {
	var waiting []model.WaitingListEntry
	for _, e := range t.state.entries {
		if e.EventID == eventID && e.Status == model.EntryWaiting {
			waiting = append(waiting, *copyEntry(e))
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		if waiting[i].CreatedAt.Equal(waiting[j].CreatedAt) {
			return waiting[i].ID < waiting[j].ID
		}
		return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
	})
	if limit > 0 && len(waiting) > limit {
		waiting = waiting[:limit]
	}
	return waiting, nil
}

func (t *memTx) ListLapsedOffers(_ context.Context, now time.Time, limit int) ([]model.WaitingListEntry, error) {
	var lapsed []model.WaitingListEntry
	for _, e := range t.state.entries {
		if e.Status == model.EntryOffered && e.OfferExpiresAt != nil && !e.OfferExpiresAt.After(now) {
			lapsed = append(lapsed, *copyEntry(e))
		}
	}
	sort.Slice(lapsed, func(i, j int) bool {
		return lapsed[i].OfferExpiresAt.Before(*lapsed[j].OfferExpiresAt)
	})
	if limit > 0 && len(lapsed) > limit {
		lapsed = lapsed[:limit]
	}
	return lapsed, nil
}

func (t *memTx) InsertTicket(_ context.Context, tk *model.Ticket) error {
	if _, ok := t.state.tickets[tk.ID]; ok {
		return ErrTransactionConflict
	}
	// mirrors the unique index on tickets.waiting_list_entry_id
	for _, other := range t.state.tickets {
		if other.WaitingListEntryID == tk.WaitingListEntryID {
			return ErrTransactionConflict
		}
	}
	t.state.tickets[tk.ID] = *tk
	return nil
}

func (t *memTx) GetTicket(_ context.Context, id string) (*model.Ticket, error) {
	tk, ok := t.state.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tk, nil
}

func (t *memTx) LockTicket(ctx context.Context, id string) (*model.Ticket, error) {
	return t.GetTicket(ctx, id)
}

func (t *memTx) GetTicketByEntry(_ context.Context, entryID string) (*model.Ticket, error) {
	for _, tk := range t.state.tickets {
		if tk.WaitingListEntryID == entryID {
			return &tk, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) CountCapacityTickets(_ context.Context, eventID string) (int, error) {
	n := 0
	for _, tk := range t.state.tickets {
		if tk.EventID == eventID && tk.Status.HoldsCapacity() {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListTicketsByEvent(_ context.Context, eventID string) ([]model.Ticket, error) {
	var tickets []model.Ticket
	for _, tk := range t.state.tickets {
		if tk.EventID == eventID {
			tickets = append(tickets, tk)
		}
	}
	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].PurchasedAt.Before(tickets[j].PurchasedAt)
	})
	return tickets, nil
}

func (t *memTx) ListTicketsByUser(_ context.Context, userID string) ([]model.Ticket, error) {
	var tickets []model.Ticket
	for _, tk := range t.state.tickets {
		if tk.UserID == userID {
			tickets = append(tickets, tk)
		}
	}
	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].PurchasedAt.After(tickets[j].PurchasedAt)
	})
	return tickets, nil
}

func (t *memTx) UpdateTicketStatus(_ context.Context, id string, status model.TicketStatus) error {
	tk, ok := t.state.tickets[id]
	if !ok {
		return ErrNotFound
	}
	tk.Status = status
	t.state.tickets[id] = tk
	return nil
}
