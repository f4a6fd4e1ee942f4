package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxTasks = 10
)

// Task is a single unit of work. A returned error is recorded by the scheduler
// but never stops other tasks.
type Task func(ctx context.Context) error

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	Submitted int
	Completed int
	Failed    int
	Running   int
	Queued    int
	Peak      int
}

// Scheduler runs submitted tasks either inline (synchronous mode) or on goroutines
// admitted through a counting gate of size maxTasks (concurrent mode).
// Pending tasks wait in a FIFO queue until a running task releases its slot.
type Scheduler struct {
	ctx      context.Context
	async    bool
	maxTasks int
	gate     *semaphore.Weighted

	mu       sync.Mutex
	queue    []Task
	running  int
	peak     int
	stats    Stats
	failures []error

	wg sync.WaitGroup
}

type Option func(*Scheduler)

// WithMaxTasks caps the number of tasks running at once in concurrent mode.
func WithMaxTasks(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxTasks = n
		}
	}
}

// WithAsync selects concurrent mode when true.
func WithAsync(async bool) Option {
	return func(s *Scheduler) {
		s.async = async
	}
}

// WithContext sets the context handed to every task. Cancelling it drains the queue.
func WithContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		if ctx != nil {
			s.ctx = ctx
		}
	}
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		ctx:      context.Background(),
		maxTasks: DefaultMaxTasks,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.gate = semaphore.NewWeighted(int64(s.maxTasks))
	return s
}

// Async reports whether the scheduler runs in concurrent mode.
func (s *Scheduler) Async() bool {
	return s.async
}

// MaxTasks returns the concurrency cap.
func (s *Scheduler) MaxTasks() int {
	return s.maxTasks
}

// Submit hands a task to the scheduler. In synchronous mode the task has finished
// when Submit returns. In concurrent mode Submit returns once the task is queued.
func (s *Scheduler) Submit(task Task) {
	if task == nil {
		return
	}

	s.wg.Add(1)
	s.mu.Lock()
	s.stats.Submitted++
	s.mu.Unlock()

	if !s.async {
		s.markStarted()
		s.run(task)
		return
	}

	s.mu.Lock()
	s.queue = append(s.queue, task)
	s.mu.Unlock()

	s.dispatch()
}

// WaitIdle blocks until every task submitted so far has finished.
func (s *Scheduler) WaitIdle() {
	s.wg.Wait()
}

// Failures returns the errors recorded so far.
func (s *Scheduler) Failures() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.failures))
	copy(out, s.failures)
	return out
}

// Err joins all recorded failures, nil when every task succeeded.
func (s *Scheduler) Err() error {
	return errors.Join(s.Failures()...)
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Running = s.running
	st.Queued = len(s.queue)
	st.Peak = s.peak
	return st
}

// dispatch admits queued tasks while the gate has free slots.
// It runs under s.mu so that a slot released concurrently is never missed:
// whoever frees a slot or enqueues work calls dispatch afterwards.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		if err := s.ctx.Err(); err != nil {
			s.drainLocked(err)
			return
		}
		if !s.gate.TryAcquire(1) {
			return
		}

		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.startedLocked()

		go func() {
			s.run(task)
			s.gate.Release(1)
			s.dispatch()
		}()
	}
}

// drainLocked completes every queued task without running it.
func (s *Scheduler) drainLocked(cause error) {
	for range s.queue {
		s.stats.Completed++
		s.stats.Failed++
		s.failures = append(s.failures, fmt.Errorf("task skipped: %w", cause))
		s.wg.Done()
	}
	s.queue = nil
}

func (s *Scheduler) markStarted() {
	s.mu.Lock()
	s.startedLocked()
	s.mu.Unlock()
}

func (s *Scheduler) startedLocked() {
	s.running++
	if s.running > s.peak {
		s.peak = s.running
	}
}

func (s *Scheduler) run(task Task) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
		s.finish(err)
	}()

	if ctxErr := s.ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("task skipped: %w", ctxErr)
		return
	}
	err = task(s.ctx)
}

func (s *Scheduler) finish(err error) {
	s.mu.Lock()
	s.running--
	s.stats.Completed++
	if err != nil {
		s.stats.Failed++
		s.failures = append(s.failures, err)
	}
	s.mu.Unlock()

	if err != nil {
		slog.Debug("scheduler task failed", "error", err)
	}
	s.wg.Done()
}
