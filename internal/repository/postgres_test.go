package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/database"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// newTestPostgres connects to TEST_POSTGRES_DSN, skipping when it is unset.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.Migrate(ctx, pool))

	return NewPostgresStore(pool, RetryConfig{
		MaxAttempts:     20,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
	}, zap.NewNop())
}

func TestPostgresStore_EventRoundTrip(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	event := seedEvent(t, s, 3)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		got, err := tx.GetEvent(ctx, event.ID)
		require.NoError(t, err)
		assert.Equal(t, event.Name, got.Name)
		assert.Equal(t, 3, got.TotalTickets)
		assert.True(t, event.CreatedAt.Equal(got.CreatedAt))
		return nil
	}))

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.GetEvent(ctx, uuid.NewString())
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_OpenEntryIndex(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	event := seedEvent(t, s, 1)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertEntry(ctx, newEntry(event.ID, "alice", model.EntryWaiting, base))
	}))

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertEntry(ctx, newEntry(event.ID, "alice", model.EntryWaiting, base))
	})
	assert.ErrorIs(t, err, ErrTransactionConflict)
}

// Concurrent capacity checks serialized by the event row lock never admit
// more offers than the capacity.
func TestPostgresStore_LockEventSerializesCapacity(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	event := seedEvent(t, s, 3)
	now := time.Now().UTC()

	var g errgroup.Group
	for i := 0; i < 12; i++ {
		user := uuid.NewString()
		g.Go(func() error {
			return s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				ev, err := tx.LockEvent(ctx, event.ID)
				if err != nil {
					return err
				}
				offers, err := tx.CountActiveOffers(ctx, ev.ID, now)
				if err != nil {
					return err
				}
				status := model.EntryWaiting
				if offers < ev.TotalTickets {
					status = model.EntryOffered
				}
				return tx.InsertEntry(ctx, newEntry(ev.ID, user, status, now))
			})
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		n, err := tx.CountActiveOffers(ctx, event.ID, now)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		return nil
	}))
}
