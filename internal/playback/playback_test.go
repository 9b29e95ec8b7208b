package playback

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/tileabr/internal/quality"
	"github.com/mikeyg42/tileabr/internal/scheduler"
)

type fakeElement struct {
	EventHub

	clock    scheduler.Clock
	pos      float64
	paused   bool
	src      string
	plays    int
	playErr  error
	autoMeta bool
	autoSeek bool
}

func newFakeElement(clock scheduler.Clock) *fakeElement {
	return &fakeElement{clock: clock, paused: true, autoMeta: true, autoSeek: true}
}

func (f *fakeElement) Position() float64 { return f.pos }
func (f *fakeElement) Paused() bool      { return f.paused }
func (f *fakeElement) Pause()            { f.paused = true }

func (f *fakeElement) Seek(pos float64) {
	f.pos = pos
	if f.autoSeek {
		f.Emit(EventSeeked, f.clock.Now())
	}
}

func (f *fakeElement) Play(context.Context) error {
	if f.playErr != nil {
		return f.playErr
	}
	f.paused = false
	f.plays++
	return nil
}

func (f *fakeElement) SetSource(src string) {
	f.src = src
	f.Unload()
	if f.autoMeta {
		f.Emit(EventLoadedMetadata, f.clock.Now())
	}
}

type harness struct {
	clock *scheduler.ManualClock
	sched *scheduler.Scheduler
	els   []*fakeElement
	sync  *Synchronizer
}

func newHarness(t *testing.T, n int, cfg Config) *harness {
	t.Helper()
	clock := scheduler.NewManualClock(time.Unix(1000, 0))
	logger := zaptest.NewLogger(t)
	sched := scheduler.New(clock, logger)

	h := &harness{clock: clock, sched: sched}
	elements := make([]Element, n)
	for i := 0; i < n; i++ {
		el := newFakeElement(clock)
		h.els = append(h.els, el)
		elements[i] = el
	}
	h.sync = NewSynchronizer(cfg, sched, elements, logger)
	return h
}

func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	_, err := h.sched.Advance(d)
	require.NoError(t, err)
}

// started loads every element, releases the startup barrier and leaves the
// clock at the start timestamp.
func (h *harness) started(t *testing.T) time.Time {
	t.Helper()
	done := h.sync.Start(context.Background())
	for _, el := range h.els {
		el.Emit(EventLoadedData, h.clock.Now())
	}
	require.NoError(t, receive(t, done))
	h.advance(t, h.sync.cfg.StartupDelay)
	start, ok := h.sync.StartTimestamp()
	require.True(t, ok)
	return start
}

func receive(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("barrier never resolved")
		return nil
	}
}

// pump runs posted work on the calling goroutine until cond holds.
func (h *harness) pump(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.sched.RunPending()
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestStartupBarrierReleasesAtLatestReadiness(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		h := newHarness(t, 8, DefaultConfig())
		origin := h.clock.Now()
		rng := rand.New(rand.NewSource(seed))

		var slowest time.Duration
		for _, el := range h.els {
			el := el
			el.pos = rng.Float64() * 4
			d := time.Duration(rng.Intn(3000)+1) * time.Millisecond
			if d > slowest {
				slowest = d
			}
			h.sched.After(d, func(now time.Time) { el.Emit(EventLoadedData, now) })
		}

		done := h.sync.Start(context.Background())
		h.advance(t, slowest)
		require.NoError(t, receive(t, done))
		assert.False(t, h.sync.Started())

		h.advance(t, 200*time.Millisecond)
		start, ok := h.sync.StartTimestamp()
		require.True(t, ok)
		assert.Equal(t, origin.Add(slowest+200*time.Millisecond), start, "seed %d", seed)
		for i, el := range h.els {
			assert.Zero(t, el.pos, "tile %d", i)
			assert.False(t, el.paused, "tile %d", i)
		}
	}
}

func TestStartupBarrierTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BarrierTimeout = 30 * time.Millisecond
	h := newHarness(t, 3, cfg)

	done := h.sync.Start(context.Background())
	h.els[0].Emit(EventLoadedData, h.clock.Now())
	h.els[2].Emit(EventLoadedData, h.clock.Now())

	err := receive(t, done)
	require.ErrorIs(t, err, ErrBarrierTimeout)
	var be *BarrierError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, []int{1}, be.Pending)
	assert.Equal(t, "startup", be.Op)

	h.advance(t, 200*time.Millisecond)
	assert.True(t, h.sync.Started())
	assert.Equal(t, 1, h.sync.Stats().BarrierTimeouts)
}

func TestStartupBarrierCancelled(t *testing.T) {
	h := newHarness(t, 2, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := h.sync.Start(ctx)
	cancel()

	err := receive(t, done)
	require.ErrorIs(t, err, context.Canceled)
	h.advance(t, time.Second)
	assert.False(t, h.sync.Started())
}

func TestGlobalTime(t *testing.T) {
	h := newHarness(t, 1, DefaultConfig())
	assert.Zero(t, h.sync.GlobalTime(h.clock.Now()))

	start := h.started(t)
	assert.InDelta(t, 2.5, h.sync.GlobalTime(start.Add(2500*time.Millisecond)), 1e-9)
}

func TestResyncCorrectsDriftedElements(t *testing.T) {
	h := newHarness(t, 3, DefaultConfig())
	h.started(t)
	h.advance(t, 3*time.Second)

	h.els[0].pos = 3.1  // within tolerance
	h.els[1].pos = 2.5  // behind
	h.els[2].pos = 3.25 // just outside tolerance

	corrections := h.sync.Resync(context.Background(), h.clock.Now())
	require.Len(t, corrections, 2)
	assert.Equal(t, 1, corrections[0].Tile)
	assert.InDelta(t, -0.5, corrections[0].Drift(), 1e-9)
	assert.Equal(t, 2, corrections[1].Tile)

	assert.False(t, h.els[0].paused)
	assert.True(t, h.els[1].paused)
	assert.InDelta(t, 3.0, h.els[1].pos, 1e-9)

	// Settling elements are not corrected twice.
	assert.Empty(t, h.sync.Resync(context.Background(), h.clock.Now()))

	h.advance(t, 50*time.Millisecond)
	assert.False(t, h.els[1].paused)
	assert.False(t, h.els[2].paused)
	assert.Equal(t, 2, h.sync.Stats().Resyncs)
}

func TestResyncBeforeStartIsNoop(t *testing.T) {
	h := newHarness(t, 2, DefaultConfig())
	h.els[0].pos = 10
	assert.Empty(t, h.sync.Resync(context.Background(), h.clock.Now()))
}

func TestSwapBarrier(t *testing.T) {
	h := newHarness(t, 4, DefaultConfig())
	h.started(t)
	h.advance(t, 2*time.Second)

	var (
		finished bool
		swapErr  error
	)
	h.sync.Swap(context.Background(), map[int]string{1: "tile1_high.mp4"}, func(err error) {
		finished = true
		swapErr = err
	})
	for _, el := range h.els {
		assert.True(t, el.paused, "swap pauses every element")
	}

	h.pump(t, func() bool { return finished })
	require.NoError(t, swapErr)
	assert.Equal(t, "tile1_high.mp4", h.els[1].src)
	for i, el := range h.els {
		assert.InDelta(t, 2.0, el.pos, 1e-9, "tile %d", i)
		assert.False(t, el.paused, "tile %d", i)
	}
	assert.Equal(t, 1, h.sync.Stats().Swaps)
}

func TestSwapsRequestedMidSwapAreMerged(t *testing.T) {
	h := newHarness(t, 3, DefaultConfig())
	h.started(t)
	h.els[0].autoMeta = false

	var first, second bool
	h.sync.Swap(context.Background(), map[int]string{0: "a.mp4"}, func(error) { first = true })
	h.sync.Swap(context.Background(), map[int]string{1: "b.mp4"}, func(error) { second = true })
	assert.Empty(t, h.els[1].src, "second swap waits for the first")

	h.els[0].Emit(EventLoadedMetadata, h.clock.Now())
	h.pump(t, func() bool { return first && second })

	assert.Equal(t, "b.mp4", h.els[1].src)
	assert.Equal(t, 2, h.sync.Stats().Swaps)
}

func TestSwapTimeoutStillResumes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BarrierTimeout = 20 * time.Millisecond
	h := newHarness(t, 2, cfg)
	h.started(t)
	h.els[1].autoMeta = false

	var swapErr error
	finished := false
	h.sync.Swap(context.Background(), map[int]string{1: "stalled.mp4"}, func(err error) {
		finished = true
		swapErr = err
	})
	h.pump(t, func() bool { return finished })

	require.ErrorIs(t, swapErr, ErrBarrierTimeout)
	assert.False(t, h.els[0].paused)
	assert.False(t, h.els[1].paused)
}

func TestPlayErrorsAreCountedNotRetried(t *testing.T) {
	h := newHarness(t, 2, DefaultConfig())
	h.els[1].playErr = errors.New("autoplay blocked")
	h.started(t)

	assert.Equal(t, 1, h.sync.Stats().PlayErrors)
	assert.True(t, h.els[1].paused)

	h.els[1].playErr = nil
	assert.Equal(t, 1, h.sync.PlayAll(context.Background()))
	assert.False(t, h.els[1].paused)
}

func TestSourceLeveler(t *testing.T) {
	h := newHarness(t, 2, DefaultConfig())
	h.started(t)

	l := NewSourceLeveler(context.Background(), 1, []string{"low.mp4", "mid.mp4", "high.mp4"}, 0, h.sync, zaptest.NewLogger(t))
	assert.Equal(t, 3, l.AvailableLevels())
	require.NoError(t, l.RequestLevel(2))
	assert.Equal(t, 2, l.CurrentLevel(), "requested level reads back before the swap lands")

	h.pump(t, func() bool { return h.sync.Stats().Swaps == 1 })
	assert.Equal(t, "high.mp4", h.els[1].src)

	assert.ErrorIs(t, l.RequestLevel(3), quality.ErrInvalidLevel)
}

type fakeSession struct {
	levels  int
	current int
	next    []int
}

func (f *fakeSession) Levels() int       { return f.levels }
func (f *fakeSession) CurrentLevel() int { return f.current }
func (f *fakeSession) SetNextLevel(level int) error {
	f.next = append(f.next, level)
	return nil
}

func TestStreamLeveler(t *testing.T) {
	sess := &fakeSession{levels: 4, current: 1}
	l := NewStreamLeveler(0, sess, zaptest.NewLogger(t))

	assert.Equal(t, 1, l.CurrentLevel())
	require.NoError(t, l.RequestLevel(3))
	assert.Equal(t, []int{3}, sess.next)
	assert.Equal(t, 3, l.CurrentLevel(), "pending level counts as current")

	sess.current = 3
	l.LevelSwitched(3)
	assert.Equal(t, 3, l.CurrentLevel())

	assert.ErrorIs(t, l.RequestLevel(4), quality.ErrInvalidLevel)
}

func TestEventHub(t *testing.T) {
	var h EventHub
	at := time.Unix(5, 0)

	meta := h.Expect(EventLoadedMetadata)
	assert.False(t, meta.Fired())
	h.Emit(EventLoadedMetadata, at)
	assert.True(t, meta.Fired())
	assert.Equal(t, at, meta.At())

	h.Emit(EventLoadedData, at)
	assert.True(t, h.Expect(EventLoadedData).Fired(), "loadeddata is latched")
	h.Unload()
	assert.False(t, h.Expect(EventLoadedData).Fired())
	assert.False(t, h.Expect(EventSeeked).Fired(), "other events are not latched")
}

func TestRejectedTilesWaitForPlayAll(t *testing.T) {
	h := newHarness(t, 3, DefaultConfig())
	h.started(t)
	h.advance(t, 2*time.Second)
	for _, el := range h.els {
		el.pos = 2.0
	}

	// The viewer refused tile 1 and left it paused at 0.
	h.els[1].paused = true
	h.els[1].pos = 0
	plays := h.els[1].plays
	h.sync.MarkRejected(1)
	assert.True(t, h.sync.Rejected(1))

	assert.Empty(t, h.sync.Resync(context.Background(), h.clock.Now()), "rejected tiles are not resynced")
	h.advance(t, time.Second)
	assert.Equal(t, plays, h.els[1].plays)

	finished := false
	h.sync.Swap(context.Background(), map[int]string{0: "tile0_high.mp4"}, func(error) { finished = true })
	h.pump(t, func() bool { return finished })
	assert.False(t, h.els[0].paused)
	assert.False(t, h.els[2].paused)
	assert.True(t, h.els[1].paused, "swap resume skips rejected tiles")
	assert.Equal(t, plays, h.els[1].plays)

	assert.Equal(t, 1, h.sync.PlayAll(context.Background()))
	assert.False(t, h.els[1].paused)
	assert.Equal(t, plays+1, h.els[1].plays)
	assert.False(t, h.sync.Rejected(1))
}

func TestResyncSettleDuringSwapStaysPaused(t *testing.T) {
	h := newHarness(t, 2, DefaultConfig())
	h.started(t)
	h.advance(t, 2*time.Second)
	h.els[1].pos = 2.0
	h.els[1].autoMeta = false

	corrections := h.sync.Resync(context.Background(), h.clock.Now())
	require.Len(t, corrections, 1)
	assert.Equal(t, 0, corrections[0].Tile)
	plays := h.els[0].plays

	finished := false
	h.sync.Swap(context.Background(), map[int]string{1: "b.mp4"}, func(error) { finished = true })
	h.advance(t, 50*time.Millisecond)
	assert.True(t, h.els[0].paused, "settle does not resume an element held by a swap")
	assert.Equal(t, plays, h.els[0].plays)

	h.els[1].Emit(EventLoadedMetadata, h.clock.Now())
	h.pump(t, func() bool { return finished })
	assert.False(t, h.els[0].paused)
	assert.False(t, h.els[1].paused)
	assert.Equal(t, plays+1, h.els[0].plays)
}
