package playback

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/tileabr/internal/scheduler"
)

// Config holds the synchronizer timings.
type Config struct {
	StartupDelay    time.Duration `koanf:"startup_delay" json:"startupDelay"`
	ResyncTolerance time.Duration `koanf:"resync_tolerance" json:"resyncTolerance"`
	Settle          time.Duration `koanf:"settle" json:"settle"`
	BarrierTimeout  time.Duration `koanf:"barrier_timeout" json:"barrierTimeout"`
}

// DefaultConfig returns the timings used by the multi-video demos.
func DefaultConfig() Config {
	return Config{
		StartupDelay:    200 * time.Millisecond,
		ResyncTolerance: 200 * time.Millisecond,
		Settle:          50 * time.Millisecond,
		BarrierTimeout:  10 * time.Second,
	}
}

// Correction describes one element pulled back onto the shared timeline.
type Correction struct {
	Tile int
	From float64
	To   float64
}

// Drift is the signed distance between the element and the timeline.
func (c Correction) Drift() float64 { return c.From - c.To }

// Stats counts synchronizer activity.
type Stats struct {
	Resyncs         int `json:"resyncs"`
	Swaps           int `json:"swaps"`
	BarrierTimeouts int `json:"barrierTimeouts"`
	PlayErrors      int `json:"playErrors"`
}

// Synchronizer aligns every element to globalTime = now - start. All element
// calls happen on the scheduler goroutine; barrier waits run on their own
// goroutines and re-enter through Post.
type Synchronizer struct {
	cfg      Config
	sched    *scheduler.Scheduler
	elements []Element
	logger   *zap.Logger

	mu       sync.RWMutex
	started  bool
	startAt  time.Time
	settling map[int]bool
	rejected map[int]bool
	swapping bool
	queued   map[int]string
	waiters  []func(error)
	stats    Stats
}

// NewSynchronizer creates a synchronizer over elements, indexed by tile.
func NewSynchronizer(cfg Config, sched *scheduler.Scheduler, elements []Element, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.L()
	}
	return &Synchronizer{
		cfg:      cfg,
		sched:    sched,
		elements: elements,
		logger:   logger.Named("sync"),
		settling: make(map[int]bool),
		rejected: make(map[int]bool),
	}
}

// Elements returns the synchronized elements.
func (s *Synchronizer) Elements() []Element { return s.elements }

// Started reports whether the startup barrier has released playback.
func (s *Synchronizer) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// StartTimestamp returns the instant the shared timeline began.
func (s *Synchronizer) StartTimestamp() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startAt, s.started
}

// GlobalTime returns the shared timeline position in seconds at now, or 0
// before playback has started.
func (s *Synchronizer) GlobalTime(now time.Time) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started || now.Before(s.startAt) {
		return 0
	}
	return now.Sub(s.startAt).Seconds()
}

// Stats returns a copy of the activity counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Start arms the startup barrier: once every element has loaded data, all
// positions are zeroed and every element is played after StartupDelay. The
// returned channel receives the barrier outcome after the release has been
// posted to the scheduler. On timeout playback is released anyway and the
// stalled elements are left for Resync.
func (s *Synchronizer) Start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	waits := make([]wait, len(s.elements))
	for i, el := range s.elements {
		waits[i] = wait{tile: i, sig: el.Expect(EventLoadedData)}
	}

	go func() {
		err := awaitAll(ctx, "startup", s.cfg.BarrierTimeout, waits)
		ready, ok := latest(waits)

		var be *BarrierError
		switch {
		case err == nil:
		case errors.As(err, &be) && errors.Is(err, ErrBarrierTimeout):
			s.mu.Lock()
			s.stats.BarrierTimeouts++
			s.mu.Unlock()
			s.logger.Warn("Startup barrier timed out, releasing ready elements",
				zap.Ints("pending", be.Pending),
				zap.Duration("timeout", s.cfg.BarrierTimeout))
			ready, ok = s.sched.Now(), true
		default:
			s.logger.Info("Startup barrier abandoned", zap.Error(err))
			done <- err
			return
		}
		if !ok {
			ready = s.sched.Now()
		}
		s.sched.Post(func() { s.release(ctx, ready) })
		done <- err
	}()
	return done
}

func (s *Synchronizer) release(ctx context.Context, ready time.Time) {
	for _, el := range s.elements {
		el.Seek(0)
	}
	startAt := ready.Add(s.cfg.StartupDelay)
	delay := startAt.Sub(s.sched.Now())
	if delay < 0 {
		delay = 0
	}
	s.logger.Info("All elements ready",
		zap.Int("elements", len(s.elements)),
		zap.Time("ready", ready),
		zap.Duration("delay", delay))

	s.sched.After(delay, func(now time.Time) {
		s.mu.Lock()
		s.started = true
		s.startAt = now
		s.mu.Unlock()

		for i, el := range s.elements {
			el.Seek(0)
			s.play(ctx, i, el)
		}
		s.logger.Info("Playback started", zap.Time("start", now))
	})
}

// MarkRejected records that the viewer refused to start tile. The tile is
// left alone by Resync and swaps until PlayAll.
func (s *Synchronizer) MarkRejected(tile int) {
	if tile < 0 || tile >= len(s.elements) {
		return
	}
	s.mu.Lock()
	s.rejected[tile] = true
	s.mu.Unlock()
}

// Rejected reports whether tile is waiting for a user gesture.
func (s *Synchronizer) Rejected(tile int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rejected[tile]
}

// PlayAll plays every paused or rejected element and clears the rejections.
// It is the user-gesture recovery path; before the startup barrier releases
// it does nothing.
func (s *Synchronizer) PlayAll(ctx context.Context) int {
	if !s.Started() {
		return 0
	}
	s.mu.Lock()
	rejected := s.rejected
	s.rejected = make(map[int]bool)
	s.mu.Unlock()

	gt := s.GlobalTime(s.sched.Now())
	n := 0
	for i, el := range s.elements {
		if !el.Paused() && !rejected[i] {
			continue
		}
		el.Seek(gt)
		s.play(ctx, i, el)
		n++
	}
	return n
}

func (s *Synchronizer) play(ctx context.Context, tile int, el Element) {
	if err := el.Play(ctx); err != nil {
		s.mu.Lock()
		s.stats.PlayErrors++
		s.mu.Unlock()
		s.logger.Warn("Play request failed", zap.Int("tile", tile), zap.Error(err))
	}
}

// Resync pauses every element whose position has drifted from the timeline by
// more than the tolerance, seeks it to globalTime, and resumes it after the
// settle delay. Elements still settling, rejected or mid-swap are left alone.
func (s *Synchronizer) Resync(ctx context.Context, now time.Time) []Correction {
	s.mu.RLock()
	skip := !s.started || s.swapping
	s.mu.RUnlock()
	if skip {
		return nil
	}

	gt := s.GlobalTime(now)
	tol := s.cfg.ResyncTolerance.Seconds()
	var out []Correction
	for i, el := range s.elements {
		i, el := i, el
		s.mu.RLock()
		busy := s.settling[i] || s.rejected[i]
		s.mu.RUnlock()
		if busy {
			continue
		}
		pos := el.Position()
		if math.Abs(pos-gt) <= tol {
			continue
		}

		el.Pause()
		el.Seek(gt)
		s.mu.Lock()
		s.settling[i] = true
		s.stats.Resyncs++
		s.mu.Unlock()
		out = append(out, Correction{Tile: i, From: pos, To: gt})

		s.logger.Debug("Resyncing element",
			zap.Int("tile", i),
			zap.Float64("position", pos),
			zap.Float64("globalTime", gt))

		s.sched.After(s.cfg.Settle, func(time.Time) {
			s.mu.Lock()
			delete(s.settling, i)
			hold := s.swapping || s.rejected[i]
			s.mu.Unlock()
			if !hold {
				s.play(ctx, i, el)
			}
		})
	}
	return out
}

// Swap replaces the source of each tile in changes behind a full barrier:
// pause all, set sources, wait for metadata, seek all to globalTime, wait for
// the seeks, then play all. Swaps requested while one is in flight are merged
// and run next. done, if non-nil, is called on the scheduler goroutine.
func (s *Synchronizer) Swap(ctx context.Context, changes map[int]string, done func(error)) {
	s.mu.Lock()
	if s.swapping {
		if s.queued == nil {
			s.queued = make(map[int]string)
		}
		for tile, src := range changes {
			s.queued[tile] = src
		}
		if done != nil {
			s.waiters = append(s.waiters, done)
		}
		s.mu.Unlock()
		return
	}
	s.swapping = true
	s.mu.Unlock()

	s.runSwap(ctx, changes, []func(error){done})
}

func (s *Synchronizer) runSwap(ctx context.Context, changes map[int]string, dones []func(error)) {
	tiles := make([]int, 0, len(changes))
	for tile := range changes {
		if tile >= 0 && tile < len(s.elements) {
			tiles = append(tiles, tile)
		}
	}
	sort.Ints(tiles)

	for _, el := range s.elements {
		el.Pause()
	}
	meta := make([]wait, 0, len(tiles))
	for _, tile := range tiles {
		el := s.elements[tile]
		meta = append(meta, wait{tile: tile, sig: el.Expect(EventLoadedMetadata)})
		el.SetSource(changes[tile])
	}

	s.await(ctx, "swap metadata", meta, func(metaErr error) {
		gt := s.GlobalTime(s.sched.Now())
		seeks := make([]wait, len(s.elements))
		for i, el := range s.elements {
			seeks[i] = wait{tile: i, sig: el.Expect(EventSeeked)}
			el.Seek(gt)
		}

		s.await(ctx, "swap seek", seeks, func(seekErr error) {
			if s.Started() {
				for i, el := range s.elements {
					if s.Rejected(i) {
						continue
					}
					s.play(ctx, i, el)
				}
			}
			err := errors.Join(metaErr, seekErr)

			s.mu.Lock()
			s.stats.Swaps++
			next := s.queued
			waiters := s.waiters
			s.queued = nil
			s.waiters = nil
			if len(next) == 0 {
				s.swapping = false
			}
			s.mu.Unlock()

			s.logger.Info("Source swap complete",
				zap.Ints("tiles", tiles),
				zap.Float64("globalTime", gt),
				zap.Error(err))

			for _, fn := range dones {
				if fn != nil {
					fn(err)
				}
			}
			if len(next) > 0 {
				s.runSwap(ctx, next, waiters)
			}
		})
	})
}

// await joins waits off the scheduler goroutine and posts next back onto it.
func (s *Synchronizer) await(ctx context.Context, op string, waits []wait, next func(error)) {
	go func() {
		err := awaitAll(ctx, op, s.cfg.BarrierTimeout, waits)
		if err != nil {
			if errors.Is(err, ErrBarrierTimeout) {
				s.mu.Lock()
				s.stats.BarrierTimeouts++
				s.mu.Unlock()
			}
			s.logger.Warn("Barrier incomplete, continuing", zap.String("op", op), zap.Error(err))
		}
		s.sched.Post(func() { next(err) })
	}()
}
