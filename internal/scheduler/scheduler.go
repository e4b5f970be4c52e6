// Package scheduler fires quote expiry exactly once per quote, no earlier
// than its stored deadline, from a single min-heap drained by one worker.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/internal/metrics"
	"github.com/tradefresh/quote-engine/pkg/clock"
	"github.com/tradefresh/quote-engine/pkg/model"
)

// ExpireFunc is the callback into the matching engine. It must be idempotent.
type ExpireFunc func(ctx context.Context, quoteID string) error

// PendingSource lists quotes that still need a timer after a restart.
type PendingSource interface {
	ListSubmittedQuotes(ctx context.Context) ([]*model.Quote, error)
}

// Config controls retry of failed expiry callbacks.
type Config struct {
	MaxAttempts int
	// Backoff returns the delay before retry number attempt (1-based).
	Backoff func(attempt int) time.Duration
}

// DefaultBackoff doubles from one second.
func DefaultBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Second << (attempt - 1)
}

type Scheduler struct {
	mu     sync.Mutex
	heap   timerHeap
	index  map[string]*entry
	expire ExpireFunc

	clock  clock.Clock
	logger *zap.Logger
	cfg    Config

	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func New(clk clock.Clock, logger *zap.Logger, cfg Config) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		index:  make(map[string]*entry),
		clock:  clk,
		logger: logger,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
	}
}

// SetExpireFunc wires the engine callback. The engine and the scheduler
// reference each other, so this is set after both are constructed.
func (s *Scheduler) SetExpireFunc(fn ExpireFunc) {
	s.mu.Lock()
	s.expire = fn
	s.mu.Unlock()
}

// Schedule registers a timer for quoteID. A second registration for the same
// quote is ignored and reported as false.
func (s *Scheduler) Schedule(quoteID string, deadline time.Time) bool {
	s.mu.Lock()
	if _, exists := s.index[quoteID]; exists {
		s.mu.Unlock()
		s.logger.Warn("scheduler.duplicate_schedule",
			zap.String("quote_id", quoteID),
			zap.Time("deadline", deadline))
		return false
	}
	e := &entry{quoteID: quoteID, deadline: deadline}
	heap.Push(&s.heap, e)
	s.index[quoteID] = e
	isHead := s.heap[0] == e
	metrics.SchedulerPending.Set(float64(len(s.heap)))
	s.mu.Unlock()

	if isHead {
		s.signal()
	}
	return true
}

// Cancel removes a pending timer. Cancelling an unknown or already fired
// timer is a no-op and returns false.
func (s *Scheduler) Cancel(quoteID string) bool {
	s.mu.Lock()
	e, ok := s.index[quoteID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	wasHead := e.index == 0
	heap.Remove(&s.heap, e.index)
	delete(s.index, quoteID)
	metrics.SchedulerPending.Set(float64(len(s.heap)))
	s.mu.Unlock()

	if wasHead {
		s.signal()
	}
	return true
}

// Pending returns the number of timers waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Deadline reports the deadline of a pending timer.
func (s *Scheduler) Deadline(quoteID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[quoteID]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Rehydrate schedules every submitted quote at its stored expires_at. Past
// deadlines fire on the worker's next pass.
func (s *Scheduler) Rehydrate(ctx context.Context, src PendingSource) (int, error) {
	quotes, err := src.ListSubmittedQuotes(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, q := range quotes {
		if s.Schedule(q.ID, q.ExpiresAt) {
			n++
		}
	}
	s.logger.Info("scheduler.rehydrated", zap.Int("timers", n))
	return n, nil
}

// Start launches the worker. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler.started", zap.Int("pending", s.Pending()))
	go s.run(ctx)
}

// Stop cancels the worker's sleep and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		var next time.Time
		empty := len(s.heap) == 0
		if !empty {
			next = s.heap[0].deadline
		}
		s.mu.Unlock()

		switch {
		case empty:
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler.stopped")
				return
			case <-s.wake:
				continue
			}
		case s.clock.Now().Before(next):
			t := s.clock.NewTimerAt(next)
			select {
			case <-ctx.Done():
				t.Stop()
				s.logger.Info("scheduler.stopped")
				return
			case <-s.wake:
				t.Stop()
				continue
			case <-t.C():
			}
		}

		s.fireDue(ctx)
	}
}

// fireDue pops every entry whose deadline has passed. Popping happens under
// the lock, so a Cancel that wins the lock first removes the entry and it
// never fires; one that loses finds nothing to cancel.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*entry
	for len(s.heap) > 0 && !s.heap[0].deadline.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		delete(s.index, e.quoteID)
		due = append(due, e)
	}
	expire := s.expire
	metrics.SchedulerPending.Set(float64(len(s.heap)))
	s.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, expire, e)
	}
}

func (s *Scheduler) fire(ctx context.Context, expire ExpireFunc, e *entry) {
	if expire == nil {
		s.logger.Error("scheduler.no_callback", zap.String("quote_id", e.quoteID))
		return
	}

	e.attempt++
	err := expire(ctx, e.quoteID)
	if err == nil {
		metrics.IncExpiry("ok")
		s.logger.Debug("scheduler.fired",
			zap.String("quote_id", e.quoteID),
			zap.Int("attempt", e.attempt))
		return
	}

	if e.attempt >= s.cfg.MaxAttempts {
		metrics.IncExpiry("exhausted")
		s.logger.Error("scheduler.expiry_exhausted",
			zap.String("quote_id", e.quoteID),
			zap.Int("attempts", e.attempt),
			zap.Error(err))
		return
	}

	metrics.IncExpiry("error")
	retryAt := s.clock.Now().Add(s.cfg.Backoff(e.attempt))
	s.logger.Warn("scheduler.fire_failed",
		zap.String("quote_id", e.quoteID),
		zap.Int("attempt", e.attempt),
		zap.Time("retry_at", retryAt),
		zap.Error(err))

	s.mu.Lock()
	if _, rescheduled := s.index[e.quoteID]; !rescheduled {
		e.deadline = retryAt
		heap.Push(&s.heap, e)
		s.index[e.quoteID] = e
		metrics.SchedulerPending.Set(float64(len(s.heap)))
	}
	s.mu.Unlock()
}
