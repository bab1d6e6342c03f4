// Package scheduler runs offer expiry as durable delayed tasks, backed by a
// periodic reconciliation sweep over the store.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Task asks for the expiry of one entry at DueAt. Tasks are keyed by
// (EntryID, EventID): pushing the same key again moves its due time.
type Task struct {
	EntryID string
	EventID string
	DueAt   time.Time
}

func (t Task) member() string {
	return t.EntryID + ":" + t.EventID
}

func parseMember(m string) (Task, error) {
	entryID, eventID, ok := strings.Cut(m, ":")
	if !ok || entryID == "" || eventID == "" {
		return Task{}, fmt.Errorf("malformed task member %q", m)
	}
	return Task{EntryID: entryID, EventID: eventID}, nil
}

// Queue is a delayed task queue with lease-based claiming. A claimed task is
// hidden for the lease duration and comes back unless acknowledged, so
// delivery is at-least-once.
type Queue interface {
	Push(ctx context.Context, task Task) error
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error)
	Ack(ctx context.Context, task Task) error
}
