package viewer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mikeyg42/tileabr/internal/playback"
	"github.com/mikeyg42/tileabr/internal/scheduler"
)

// Notifier sends one server to viewer notification.
type Notifier interface {
	Notify(method string, params any) error
}

// Element is a tile's video element living in the viewer. Commands are sent
// as notifications; position and readiness come back from the viewer.
type Element struct {
	playback.EventHub

	tile  int
	out   Notifier
	clock scheduler.Clock

	mu       sync.Mutex
	pos      float64
	paused   bool
	src      string
	reported time.Time
}

var _ playback.Element = (*Element)(nil)

// NewElement creates a paused element for tile.
func NewElement(tile int, out Notifier, clock scheduler.Clock) *Element {
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	return &Element{tile: tile, out: out, clock: clock, paused: true}
}

// Tile returns the element's tile index.
func (e *Element) Tile() int { return e.tile }

// Position extrapolates the last reported position while playing.
func (e *Element) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionLocked()
}

func (e *Element) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Source returns the last source sent to the viewer.
func (e *Element) Source() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.src
}

func (e *Element) Seek(pos float64) {
	e.mu.Lock()
	e.pos = pos
	e.reported = e.clock.Now()
	e.mu.Unlock()
	e.out.Notify(MethodMediaSeek, SeekParams{Tile: e.tile, Position: pos})
}

func (e *Element) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.out.Notify(MethodMediaPlay, TileParams{Tile: e.tile}); err != nil {
		return fmt.Errorf("tile %d: play: %w", e.tile, err)
	}
	e.mu.Lock()
	if e.paused {
		e.paused = false
		e.reported = e.clock.Now()
	}
	e.mu.Unlock()
	return nil
}

func (e *Element) Pause() {
	e.mu.Lock()
	e.pos = e.positionLocked()
	e.paused = true
	e.mu.Unlock()
	e.out.Notify(MethodMediaPause, TileParams{Tile: e.tile})
}

func (e *Element) SetSource(src string) {
	e.Unload()
	e.mu.Lock()
	e.src = src
	e.mu.Unlock()
	e.out.Notify(MethodMediaSource, SourceParams{Tile: e.tile, Src: src})
}

func (e *Element) positionLocked() float64 {
	if e.paused || e.reported.IsZero() {
		return e.pos
	}
	return e.pos + e.clock.Now().Sub(e.reported).Seconds()
}

// UpdateState records a position report from the viewer.
func (e *Element) UpdateState(pos float64, paused bool) {
	e.mu.Lock()
	e.pos = pos
	e.paused = paused
	e.reported = e.clock.Now()
	e.mu.Unlock()
}

// Observe applies a media event reported by the viewer. It returns true when
// the event was an autoplay rejection.
func (e *Element) Observe(event string, pos float64) bool {
	now := e.clock.Now()
	switch event {
	case string(playback.EventLoadedData), string(playback.EventLoadedMetadata), string(playback.EventSeeked):
		e.UpdateState(pos, e.Paused())
		e.Emit(playback.Event(event), now)
	case "play", "playing":
		e.UpdateState(pos, false)
	case "pause", "ended":
		e.UpdateState(pos, true)
	case EventPlayRejected:
		e.UpdateState(pos, true)
		return true
	}
	return false
}
