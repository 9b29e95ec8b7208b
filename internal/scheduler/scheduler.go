// Package scheduler runs periodic and one-shot tasks on a single goroutine.
//
// All task bodies execute sequentially, so state shared between tasks needs no
// locking. Other goroutines hand work to the scheduler through Post.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/zap"
)

// ErrNotManual is returned by Advance when the scheduler is not driven by a ManualClock.
var ErrNotManual = errors.New("scheduler: clock is not manual")

// TaskFunc is invoked with the scheduler's notion of the current time.
type TaskFunc func(now time.Time)

// Task is a scheduled unit of work. Periodic tasks re-arm with a fixed delay
// measured from the end of the previous run.
type Task struct {
	name     string
	interval time.Duration
	fn       TaskFunc

	due   time.Time
	seq   uint64
	index int

	stopped atomic.Bool
	runs    atomic.Int64
}

// Name returns the task label used in logs.
func (t *Task) Name() string { return t.name }

// Runs returns how many times the task has executed.
func (t *Task) Runs() int64 { return t.runs.Load() }

// Stop prevents any further runs. Safe to call from any goroutine.
func (t *Task) Stop() { t.stopped.Store(true) }

// Scheduler is a cooperative timer queue plus a FIFO run queue.
type Scheduler struct {
	clock  Clock
	logger *zap.Logger

	mu     sync.Mutex
	timers timerHeap
	runq   *deque.Deque[func()]
	seq    uint64

	wake    chan struct{}
	running atomic.Bool
}

// New creates a scheduler on the given clock. A nil logger falls back to zap.L().
func New(clock Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Scheduler{
		clock:  clock,
		logger: logger.Named("scheduler"),
		runq:   deque.New[func()](),
		wake:   make(chan struct{}, 1),
	}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock { return s.clock }

// Now is shorthand for s.Clock().Now().
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Every schedules fn to run every interval, first after one interval has elapsed.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) *Task {
	if interval <= 0 {
		panic(fmt.Sprintf("scheduler: task %q needs a positive interval", name))
	}
	t := &Task{name: name, interval: interval, fn: fn}
	s.arm(t, s.clock.Now().Add(interval))
	return t
}

// After schedules fn to run once after d.
func (s *Scheduler) After(d time.Duration, fn TaskFunc) *Task {
	t := &Task{name: "after", fn: fn}
	s.arm(t, s.clock.Now().Add(d))
	return t
}

// Post queues fn to run on the scheduler goroutine as soon as possible.
func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	s.runq.PushBack(fn)
	s.mu.Unlock()
	s.notify()
}

func (s *Scheduler) arm(t *Task, due time.Time) {
	s.mu.Lock()
	s.seq++
	t.due = due
	t.seq = s.seq
	heap.Push(&s.timers, t)
	s.mu.Unlock()
	s.notify()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler on real time until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler: already running")
	}
	defer s.running.Store(false)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.drain()
		s.runDue(s.clock.Now())
		s.drain()

		wait := time.Hour
		if next, ok := s.nextDue(); ok {
			wait = next.Sub(s.clock.Now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// Advance moves a ManualClock forward by d, running every task that falls due
// in order of due time. It returns the number of task and posted-function runs.
func (s *Scheduler) Advance(d time.Duration) (int, error) {
	mc, ok := s.clock.(*ManualClock)
	if !ok {
		return 0, ErrNotManual
	}
	target := mc.Now().Add(d)
	ran := s.drain()
	for {
		next, ok := s.nextDue()
		if !ok || next.After(target) {
			break
		}
		mc.Set(next)
		ran += s.runDue(next)
		ran += s.drain()
	}
	mc.Set(target)
	ran += s.drain()
	return ran, nil
}

// RunPending runs everything already due at the current time plus posted work.
func (s *Scheduler) RunPending() int {
	n := s.drain()
	n += s.runDue(s.clock.Now())
	return n + s.drain()
}

func (s *Scheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.timers.Len() > 0 {
		t := s.timers[0]
		if t.stopped.Load() {
			heap.Pop(&s.timers)
			continue
		}
		return t.due, true
	}
	return time.Time{}, false
}

func (s *Scheduler) runDue(now time.Time) int {
	ran := 0
	for {
		s.mu.Lock()
		if s.timers.Len() == 0 || s.timers[0].due.After(now) {
			s.mu.Unlock()
			return ran
		}
		t := heap.Pop(&s.timers).(*Task)
		s.mu.Unlock()

		if t.stopped.Load() {
			continue
		}
		s.invoke(t.name, func() { t.fn(now) })
		t.runs.Add(1)
		ran++

		if t.interval > 0 && !t.stopped.Load() {
			s.arm(t, s.clock.Now().Add(t.interval))
		}
	}
}

func (s *Scheduler) drain() int {
	ran := 0
	for {
		s.mu.Lock()
		if s.runq.Len() == 0 {
			s.mu.Unlock()
			return ran
		}
		fn := s.runq.PopFront()
		s.mu.Unlock()
		s.invoke("post", fn)
		ran++
	}
}

func (s *Scheduler) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panicked", zap.String("task", name), zap.Any("panic", r))
		}
	}()
	fn()
}

type timerHeap []*Task

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
