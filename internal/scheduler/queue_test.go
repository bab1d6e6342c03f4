package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryQueue_ClaimLeaseAck(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, Task{EntryID: "late", EventID: "ev", DueAt: t0.Add(time.Hour)}))
	require.NoError(t, q.Push(ctx, Task{EntryID: "b", EventID: "ev", DueAt: t0.Add(2 * time.Second)}))
	require.NoError(t, q.Push(ctx, Task{EntryID: "a", EventID: "ev", DueAt: t0.Add(time.Second)}))

	claimed, err := q.ClaimDue(ctx, t0.Add(5*time.Second), 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "a", claimed[0].EntryID)
	assert.Equal(t, "b", claimed[1].EntryID)
	assert.Equal(t, t0.Add(time.Second), claimed[0].DueAt)

	// Hidden while leased.
	again, err := q.ClaimDue(ctx, t0.Add(10*time.Second), 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Ack(ctx, claimed[0]))

	// b was never acked and comes back after the lease.
	again, err = q.ClaimDue(ctx, t0.Add(40*time.Second), 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "b", again[0].EntryID)
	assert.Equal(t, 2, q.Len())
}

func TestMemoryQueue_PushSameKeyMovesDueTime(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	task := Task{EntryID: "a", EventID: "ev", DueAt: t0}
	require.NoError(t, q.Push(ctx, task))
	task.DueAt = t0.Add(time.Minute)
	require.NoError(t, q.Push(ctx, task))
	assert.Equal(t, 1, q.Len())

	claimed, err := q.ClaimDue(ctx, t0.Add(time.Second), 10, time.Second)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = q.ClaimDue(ctx, t0.Add(time.Minute), 10, time.Second)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestMemoryQueue_ClaimLimit(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(ctx, Task{EntryID: id, EventID: "ev", DueAt: t0}))
	}
	claimed, err := q.ClaimDue(ctx, t0, 2, time.Minute)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestRedisQueue_Push(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, "expiry")

	mock.ExpectZAdd("expiry", redis.Z{Score: float64(t0.UnixMilli()), Member: "entry-1:event-1"}).SetVal(1)

	err := q.Push(context.Background(), Task{EntryID: "entry-1", EventID: "event-1", DueAt: t0})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueue_ClaimDue(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, "expiry")
	now := t0.Add(time.Minute)

	mock.ExpectEvalSha(claimScript.Hash(), []string{"expiry"},
		"1772366460000", "50", "1772366490000",
	).SetVal([]interface{}{"entry-1:event-1", "1772366400000"})

	tasks, err := q.ClaimDue(context.Background(), now, 50, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "entry-1", tasks[0].EntryID)
	assert.Equal(t, "event-1", tasks[0].EventID)
	assert.Equal(t, t0, tasks[0].DueAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQueue_ClaimDueError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, "expiry")

	mock.ExpectEvalSha(claimScript.Hash(), []string{"expiry"},
		"1772366400000", "10", "1772366401000",
	).SetErr(errors.New("connection refused"))

	_, err := q.ClaimDue(context.Background(), t0, 10, time.Second)
	assert.Error(t, err)
}

func TestRedisQueue_Ack(t *testing.T) {
	db, mock := redismock.NewClientMock()
	q := NewRedisQueue(db, "expiry")

	mock.ExpectZRem("expiry", "entry-1:event-1").SetVal(1)

	require.NoError(t, q.Ack(context.Background(), Task{EntryID: "entry-1", EventID: "event-1"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParseMember(t *testing.T) {
	task, err := parseMember("a:b")
	require.NoError(t, err)
	assert.Equal(t, Task{EntryID: "a", EventID: "b"}, task)

	for _, bad := range []string{"", "a", ":b", "a:"} {
		_, err := parseMember(bad)
		assert.Error(t, err, bad)
	}
}
