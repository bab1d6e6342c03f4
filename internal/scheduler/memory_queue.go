package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for development and tests. Tasks are
// lost on restart; the reconciliation sweep covers that.
type MemoryQueue struct {
	mu    sync.Mutex
	items taskHeap
	index map[string]*taskItem
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{index: make(map[string]*taskItem)}
}

func (q *MemoryQueue) Push(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.index[task.member()]; ok {
		it.task.DueAt = task.DueAt
		it.score = task.DueAt
		heap.Fix(&q.items, it.pos)
		return nil
	}
	it := &taskItem{task: task, score: task.DueAt}
	heap.Push(&q.items, it)
	q.index[task.member()] = it
	return nil
}

func (q *MemoryQueue) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var claimed []*taskItem
	for len(q.items) > 0 && len(claimed) < limit && !q.items[0].score.After(now) {
		claimed = append(claimed, heap.Pop(&q.items).(*taskItem))
	}

	tasks := make([]Task, 0, len(claimed))
	for _, it := range claimed {
		tasks = append(tasks, it.task)
		it.score = now.Add(lease)
		heap.Push(&q.items, it)
	}
	return tasks, nil
}

func (q *MemoryQueue) Ack(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.index[task.member()]; ok {
		heap.Remove(&q.items, it.pos)
		delete(q.index, task.member())
	}
	return nil
}

// Len returns the number of queued tasks, claimed or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type taskItem struct {
	task  Task
	score time.Time
	pos   int
}

// taskHeap orders items by score, earliest first.
type taskHeap []*taskItem

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].score.Before(h[j].score) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*taskItem)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
