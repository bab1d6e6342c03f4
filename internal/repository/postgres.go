package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore is the durable Store backed by a pgx connection pool.
//
// Every transaction runs at SERIALIZABLE isolation. On top of that, every
// capacity decision takes a row lock on the event (LockEvent), so concurrent
// joins for the same event queue up behind each other instead of both
// reading the same counts:
//
//	tx A: SELECT ... FROM events WHERE id = X FOR UPDATE   -- acquires lock
//	tx B: SELECT ... FROM events WHERE id = X FOR UPDATE   -- blocks
//	tx A: count tickets + active offers, insert offered entry, COMMIT
//	tx B: unblocks, counts again and sees A's offer
//
// Serialization failures, deadlocks and unique violations on the idempotency
// indexes abort the attempt; the whole function is then re-run.
type PostgresStore struct {
	db    *pgxpool.Pool
	retry RetryConfig
	log   *zap.Logger
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db *pgxpool.Pool, retry RetryConfig, log *zap.Logger) *PostgresStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresStore{db: db, retry: retry, log: log}
}

// Ping checks the pool can reach the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// InTx runs fn inside a serializable transaction, retrying on conflict.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	onConflict := func(attempt int, err error) {
		s.log.Debug("transaction conflict, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	return withConflictRetry(ctx, s.retry, onConflict, func() error {
		return s.runTx(ctx, fn)
	})
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

const eventColumns = `id, name, description, owner_id, total_tickets, price, is_cancelled, created_at`

func scanEvent(row pgx.Row) (*model.Event, error) {
	var e model.Event
	err := row.Scan(&e.ID, &e.Name, &e.Description, &e.OwnerID, &e.TotalTickets, &e.Price, &e.IsCancelled, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (t *pgTx) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Name, e.Description, e.OwnerID, e.TotalTickets, e.Price, e.IsCancelled, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (t *pgTx) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(t.tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, err
}

func (t *pgTx) LockEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(t.tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lock event row: %w", err)
	}
	return e, err
}

func (t *pgTx) ListEvents(ctx context.Context, includeCancelled bool) ([]model.Event, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE $1 OR NOT is_cancelled
		 ORDER BY created_at DESC`,
		includeCancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (t *pgTx) SetEventCancelled(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE events SET is_cancelled = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("cancel event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const entryColumns = `id, event_id, user_id, status, offer_expires_at, created_at`

func scanEntry(row pgx.Row) (*model.WaitingListEntry, error) {
	var e model.WaitingListEntry
	var status string
	err := row.Scan(&e.ID, &e.EventID, &e.UserID, &status, &e.OfferExpiresAt, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.Status = model.EntryStatus(status)
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]model.WaitingListEntry, error) {
	defer rows.Close()
	var entries []model.WaitingListEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (t *pgTx) InsertEntry(ctx context.Context, e *model.WaitingListEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO waiting_list (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.EventID, e.UserID, string(e.Status), e.OfferExpiresAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert waiting list entry: %w", err)
	}
	return nil
}

func (t *pgTx) GetEntry(ctx context.Context, id string) (*model.WaitingListEntry, error) {
	e, err := scanEntry(t.tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM waiting_list WHERE id = $1 FOR UPDATE`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get waiting list entry: %w", err)
	}
	return e, err
}

func (t *pgTx) FindOpenEntry(ctx context.Context, eventID, userID string) (*model.WaitingListEntry, error) {
	e, err := scanEntry(t.tx.QueryRow(ctx,
		`SELECT `+entryColumns+`
		 FROM waiting_list
		 WHERE user_id = $1 AND event_id = $2 AND status <> 'expired'
		 LIMIT 1`,
		userID, eventID,
	))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find open entry: %w", err)
	}
	return e, err
}

func (t *pgTx) UpdateEntryStatus(ctx context.Context, id string, status model.EntryStatus, offerExpiresAt *time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE waiting_list
		 SET status = $2, offer_expires_at = COALESCE($3, offer_expires_at)
		 WHERE id = $1`,
		id, string(status), offerExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("update entry status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CountActiveOffers(ctx context.Context, eventID string, now time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM waiting_list
		 WHERE event_id = $1 AND status = 'offered' AND offer_expires_at > $2`,
		eventID, now,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active offers: %w", err)
	}
	return n, nil
}

func (t *pgTx) CountWaitingBefore(ctx context.Context, eventID string, createdAt time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM waiting_list
		 WHERE event_id = $1 AND status = 'waiting' AND created_at < $2`,
		eventID, createdAt,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count waiting entries: %w", err)
	}
	return n, nil
}

func (t *pgTx) OldestWaitingEntries(ctx context.Context, eventID string, limit int) ([]model.WaitingListEntry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM waiting_list
		 WHERE event_id = $1 AND status = 'waiting'
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2
		 FOR UPDATE`,
		eventID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list waiting entries: %w", err)
	}
	return collectEntries(rows)
}

func (t *pgTx) ListLapsedOffers(ctx context.Context, now time.Time, limit int) ([]model.WaitingListEntry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM waiting_list
		 WHERE status = 'offered' AND offer_expires_at <= $1
		 ORDER BY offer_expires_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list lapsed offers: %w", err)
	}
	return collectEntries(rows)
}

const ticketColumns = `id, event_id, user_id, waiting_list_entry_id, status, payment_reference, amount, purchased_at`

func scanTicket(row pgx.Row) (*model.Ticket, error) {
	var tk model.Ticket
	var status string
	err := row.Scan(&tk.ID, &tk.EventID, &tk.UserID, &tk.WaitingListEntryID, &status, &tk.PaymentReference, &tk.Amount, &tk.PurchasedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	tk.Status = model.TicketStatus(status)
	return &tk, nil
}

func collectTickets(rows pgx.Rows) ([]model.Ticket, error) {
	defer rows.Close()
	var tickets []model.Ticket
	for rows.Next() {
		tk, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, *tk)
	}
	return tickets, rows.Err()
}

func (t *pgTx) InsertTicket(ctx context.Context, tk *model.Ticket) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO tickets (`+ticketColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tk.ID, tk.EventID, tk.UserID, tk.WaitingListEntryID, string(tk.Status), tk.PaymentReference, tk.Amount, tk.PurchasedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func (t *pgTx) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	tk, err := scanTicket(t.tx.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return tk, err
}

func (t *pgTx) LockTicket(ctx context.Context, id string) (*model.Ticket, error) {
	tk, err := scanTicket(t.tx.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = $1 FOR UPDATE`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lock ticket row: %w", err)
	}
	return tk, err
}

func (t *pgTx) GetTicketByEntry(ctx context.Context, entryID string) (*model.Ticket, error) {
	tk, err := scanTicket(t.tx.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE waiting_list_entry_id = $1`, entryID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get ticket by entry: %w", err)
	}
	return tk, err
}

func (t *pgTx) CountCapacityTickets(ctx context.Context, eventID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM tickets WHERE event_id = $1 AND status IN ('valid', 'used')`,
		eventID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tickets: %w", err)
	}
	return n, nil
}

func (t *pgTx) ListTicketsByEvent(ctx context.Context, eventID string) ([]model.Ticket, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE event_id = $1 ORDER BY purchased_at ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list event tickets: %w", err)
	}
	return collectTickets(rows)
}

func (t *pgTx) ListTicketsByUser(ctx context.Context, userID string) ([]model.Ticket, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE user_id = $1 ORDER BY purchased_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user tickets: %w", err)
	}
	return collectTickets(rows)
}

func (t *pgTx) UpdateTicketStatus(ctx context.Context, id string, status model.TicketStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE tickets SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update ticket status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
