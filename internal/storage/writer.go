package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Writer.Enqueue when the write queue is saturated.
var ErrQueueFull = errors.New("storage: write queue full")

// ErrWriterClosed is returned by Writer.Enqueue after Close.
var ErrWriterClosed = errors.New("storage: writer closed")

// Store is the part of MetadataStore sessions write to.
type Store interface {
	SaveSession(ctx context.Context, sess *Session) error
	EndSession(ctx context.Context, id string, at time.Time) error
	SaveSample(ctx context.Context, rec *SampleRecord) error
	SaveSwitch(ctx context.Context, rec *SwitchRecord) error
}

var _ Store = (*MetadataStore)(nil)

// WriterStats tracks queue throughput.
type WriterStats struct {
	Queued  atomic.Uint64
	Written atomic.Uint64
	Dropped atomic.Uint64
	Failed  atomic.Uint64
}

type job struct {
	op string
	fn func(ctx context.Context, s Store) error
}

// Writer runs store writes on a background worker so callers on the
// scheduler goroutine never wait on the database.
type Writer struct {
	store   Store
	logger  *zap.Logger
	timeout time.Duration
	onError func(op string, err error)

	queue  chan job
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	running atomic.Bool
	stats   WriterStats
}

// NewWriter creates a writer with room for size pending writes. onError may
// be nil.
func NewWriter(store Store, size int, onError func(op string, err error), logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.L()
	}
	if size <= 0 {
		size = 256
	}
	return &Writer{
		store:   store,
		logger:  logger.Named("store-writer"),
		timeout: 5 * time.Second,
		onError: onError,
		queue:   make(chan job, size),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker.
func (w *Writer) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go w.run(ctx)
}

// Enqueue schedules fn without blocking.
func (w *Writer) Enqueue(op string, fn func(ctx context.Context, s Store) error) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.queue <- job{op: op, fn: fn}:
		w.stats.Queued.Add(1)
		return nil
	default:
		w.stats.Dropped.Add(1)
		w.logger.Warn("Write queue full, dropping", zap.String("op", op))
		w.fail(op, ErrQueueFull)
		return ErrQueueFull
	}
}

// SaveSession queues sess.
func (w *Writer) SaveSession(sess Session) error {
	return w.Enqueue("save_session", func(ctx context.Context, s Store) error {
		return s.SaveSession(ctx, &sess)
	})
}

// EndSession queues the end stamp for id.
func (w *Writer) EndSession(id string, at time.Time) error {
	return w.Enqueue("end_session", func(ctx context.Context, s Store) error {
		return s.EndSession(ctx, id, at)
	})
}

// SaveSample queues rec.
func (w *Writer) SaveSample(rec SampleRecord) error {
	return w.Enqueue("save_sample", func(ctx context.Context, s Store) error {
		return s.SaveSample(ctx, &rec)
	})
}

// SaveSwitch queues rec.
func (w *Writer) SaveSwitch(rec SwitchRecord) error {
	return w.Enqueue("save_switch", func(ctx context.Context, s Store) error {
		return s.SaveSwitch(ctx, &rec)
	})
}

// Stats returns the throughput counters.
func (w *Writer) Stats() *WriterStats { return &w.stats }

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case j := <-w.queue:
			w.exec(ctx, j)
		case <-w.stopCh:
			// Drain what was accepted before Close.
			for {
				select {
				case j := <-w.queue:
					w.exec(context.WithoutCancel(ctx), j)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Writer) exec(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := j.fn(ctx, w.store); err != nil {
		w.stats.Failed.Add(1)
		w.logger.Error("Store write failed", zap.String("op", j.op), zap.Error(err))
		w.fail(j.op, err)
		return
	}
	w.stats.Written.Add(1)
}

func (w *Writer) fail(op string, err error) {
	if w.onError != nil {
		w.onError(op, err)
	}
}

// Close stops accepting writes and waits for the queue to drain.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if !w.running.Load() {
		return nil
	}
	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		w.logger.Warn("Writer stop timeout", zap.Int("pending", len(w.queue)))
		return errors.New("storage: writer stop timeout")
	}
}
