package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/clock"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/repository"
	"go.uber.org/zap"
)

// Expirer applies the offered to expired transition.
type Expirer interface {
	Expire(ctx context.Context, entryID, eventID string) error
}

// Sweeper expires offers whose window closed without a task firing.
type Sweeper interface {
	ExpireLapsed(ctx context.Context, limit int) (int, error)
}

// Config contains configuration for the expiry worker
type Config struct {
	// PollInterval is the interval between claims of due tasks
	PollInterval time.Duration
	ClaimBatch   int
	// ClaimLease is how long a claimed task stays hidden before redelivery
	ClaimLease time.Duration
	// SweepInterval is the interval between reconciliation sweeps
	SweepInterval time.Duration
	SweepBatch    int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		ClaimBatch:    100,
		ClaimLease:    30 * time.Second,
		SweepInterval: time.Minute,
		SweepBatch:    500,
	}
}

// Scheduler is the producer side: it queues expiry tasks and records sweep
// requests for the Worker.
type Scheduler struct {
	queue Queue

	mu           sync.Mutex
	sweepPending time.Time
	wake         chan struct{}
}

// New creates a Scheduler over queue.
func New(queue Queue) *Scheduler {
	return &Scheduler{queue: queue, wake: make(chan struct{}, 1)}
}

// ScheduleExpiry queues the expiry of an entry at at.
func (s *Scheduler) ScheduleExpiry(ctx context.Context, entryID, eventID string, at time.Time) error {
	return s.queue.Push(ctx, Task{EntryID: entryID, EventID: eventID, DueAt: at})
}

// RequestSweep asks for a reconciliation sweep no later than at. Requests
// coalesce to the earliest pending instant.
func (s *Scheduler) RequestSweep(at time.Time) {
	s.mu.Lock()
	if s.sweepPending.IsZero() || at.Before(s.sweepPending) {
		s.sweepPending = at
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) pendingSweep() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepPending
}

// clearSweep drops the pending request if it is due by now.
func (s *Scheduler) clearSweep(now time.Time) {
	s.mu.Lock()
	if !s.sweepPending.IsZero() && !s.sweepPending.After(now) {
		s.sweepPending = time.Time{}
	}
	s.mu.Unlock()
}

// Worker is the consumer side: it claims due tasks, runs them, and sweeps
// lapsed offers periodically and on request.
type Worker struct {
	sched   *Scheduler
	expirer Expirer
	sweeper Sweeper
	clock   clock.Clock
	config  Config
	log     *zap.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// Stats
	totalExpired     int64
	totalRescheduled int64
	totalSwept       int64
	lastPollTime     time.Time
	lastSweepTime    time.Time
}

// NewWorker creates a new expiry worker
func NewWorker(sched *Scheduler, expirer Expirer, sweeper Sweeper, clk clock.Clock, config Config, log *zap.Logger) *Worker {
	return &Worker{
		sched:   sched,
		expirer: expirer,
		sweeper: sweeper,
		clock:   clk,
		config:  config,
		log:     log.Named("expiry-worker"),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the poll and sweep loops.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("expiry worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("starting expiry worker",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Duration("sweep_interval", w.config.SweepInterval),
	)

	w.wg.Add(2)
	go w.pollLoop(ctx)
	go w.sweepLoop(ctx)
	return nil
}

// Stop stops the worker and waits for in-flight work.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("expiry worker stopped")
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

// pollOnce claims due tasks and runs them, returning how many were acked.
func (w *Worker) pollOnce(ctx context.Context) int {
	now := w.clock.Now()
	w.mu.Lock()
	w.lastPollTime = now
	w.mu.Unlock()

	tasks, err := w.sched.queue.ClaimDue(ctx, now, w.config.ClaimBatch, w.config.ClaimLease)
	if err != nil {
		w.log.Error("failed to claim expiry tasks", zap.Error(err))
		return 0
	}

	acked := 0
	for _, task := range tasks {
		if w.runTask(ctx, task) {
			acked++
		}
	}
	return acked
}

// runTask expires one entry. It reports whether the task was acknowledged.
func (w *Worker) runTask(ctx context.Context, task Task) bool {
	log := w.log.With(zap.String("entry_id", task.EntryID), zap.String("event_id", task.EventID))

	err := w.expirer.Expire(ctx, task.EntryID, task.EventID)

	var early interface{ RetryAt() time.Time }
	switch {
	case err == nil:
		w.mu.Lock()
		w.totalExpired++
		w.mu.Unlock()
	case errors.As(err, &early):
		retry := Task{EntryID: task.EntryID, EventID: task.EventID, DueAt: early.RetryAt()}
		if err := w.sched.queue.Push(ctx, retry); err != nil {
			log.Error("failed to reschedule early expiry task", zap.Error(err))
			return false
		}
		w.mu.Lock()
		w.totalRescheduled++
		w.mu.Unlock()
		log.Debug("expiry task ran early, rescheduled", zap.Time("retry_at", retry.DueAt))
		return false
	case errors.Is(err, repository.ErrNotFound):
		log.Warn("dropping expiry task for unknown entry", zap.Error(err))
	default:
		// Left claimed; it is redelivered when the lease lapses.
		log.Error("expiry task failed", zap.Error(err))
		return false
	}

	if err := w.sched.queue.Ack(ctx, task); err != nil {
		log.Error("failed to ack expiry task", zap.Error(err))
		return false
	}
	return true
}

func (w *Worker) sweepLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.SweepInterval)
	defer ticker.Stop()
	requested := time.NewTimer(time.Hour)
	requested.Stop()
	defer requested.Stop()

	w.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		case <-w.sched.wake:
			if at := w.sched.pendingSweep(); !at.IsZero() {
				requested.Reset(max(at.Sub(w.clock.Now()), 0))
			}
		case <-requested.C:
			w.sweepOnce(ctx)
		}
	}
}

// sweepOnce expires lapsed offers and returns how many were processed.
func (w *Worker) sweepOnce(ctx context.Context) int {
	now := w.clock.Now()
	n, err := w.sweeper.ExpireLapsed(ctx, w.config.SweepBatch)

	w.mu.Lock()
	w.lastSweepTime = now
	w.totalSwept += int64(n)
	w.mu.Unlock()

	if err != nil {
		w.log.Error("reconciliation sweep finished with errors", zap.Int("expired", n), zap.Error(err))
	} else if n > 0 {
		w.log.Info("reconciliation sweep expired lapsed offers", zap.Int("expired", n))
	}
	w.sched.clearSweep(now)
	return n
}

// GetStats returns worker statistics
func (w *Worker) GetStats() *Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return &Stats{
		IsRunning:        w.running,
		TotalExpired:     w.totalExpired,
		TotalRescheduled: w.totalRescheduled,
		TotalSwept:       w.totalSwept,
		LastPollTime:     w.lastPollTime,
		LastSweepTime:    w.lastSweepTime,
	}
}

// Stats contains worker statistics
type Stats struct {
	IsRunning        bool      `json:"is_running"`
	TotalExpired     int64     `json:"total_expired"`
	TotalRescheduled int64     `json:"total_rescheduled"`
	TotalSwept       int64     `json:"total_swept"`
	LastPollTime     time.Time `json:"last_poll_time"`
	LastSweepTime    time.Time `json:"last_sweep_time"`
}
