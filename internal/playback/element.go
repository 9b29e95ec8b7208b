// Package playback keeps independently buffered tile media aligned to one
// shared timeline and adapts each tile's media to the quality.Leveler capability.
package playback

import (
	"context"
	"sync"
	"time"
)

// Event is a media readiness notification reported by an element.
type Event string

const (
	EventLoadedData     Event = "loadeddata"
	EventLoadedMetadata Event = "loadedmetadata"
	EventSeeked         Event = "seeked"
)

// Element is one tile's media as seen from the synchronizer. Methods other
// than Expect are only called from the scheduler goroutine.
type Element interface {
	// Position is the last reported playback position in seconds.
	Position() float64
	Paused() bool
	Seek(pos float64)
	// Play starts playback. An error means the request could not be issued;
	// a later autoplay rejection is reported by the element itself.
	Play(ctx context.Context) error
	Pause()
	SetSource(src string)
	// Expect returns a signal resolved by the next occurrence of ev. For
	// EventLoadedData it resolves immediately if the element is already loaded.
	Expect(ev Event) *Signal
}

// Signal is a completion handle that resolves exactly once.
type Signal struct {
	once sync.Once
	done chan struct{}
	at   time.Time
}

func newSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Resolved returns a signal that has already fired at at.
func Resolved(at time.Time) *Signal {
	s := newSignal()
	s.fire(at)
	return s
}

func (s *Signal) fire(at time.Time) bool {
	fired := false
	s.once.Do(func() {
		s.at = at
		close(s.done)
		fired = true
	})
	return fired
}

// Done is closed when the signal fires.
func (s *Signal) Done() <-chan struct{} { return s.done }

// Fired reports whether the signal has resolved.
func (s *Signal) Fired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// At returns when the signal fired. Zero until Fired.
func (s *Signal) At() time.Time {
	if !s.Fired() {
		return time.Time{}
	}
	return s.at
}

// EventHub implements Expect for element implementations: it hands out signals
// and resolves them as events are emitted. It is safe for concurrent use.
type EventHub struct {
	mu      sync.Mutex
	waiting map[Event][]*Signal
	loaded  bool
	loadAt  time.Time
}

// Expect implements Element.Expect.
func (h *EventHub) Expect(ev Event) *Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ev == EventLoadedData && h.loaded {
		return Resolved(h.loadAt)
	}
	if h.waiting == nil {
		h.waiting = make(map[Event][]*Signal)
	}
	s := newSignal()
	h.waiting[ev] = append(h.waiting[ev], s)
	return s
}

// Emit resolves every signal waiting on ev.
func (h *EventHub) Emit(ev Event, at time.Time) {
	h.mu.Lock()
	pending := h.waiting[ev]
	delete(h.waiting, ev)
	if ev == EventLoadedData {
		h.loaded = true
		h.loadAt = at
	}
	h.mu.Unlock()

	for _, s := range pending {
		s.fire(at)
	}
}

// Unload clears the loaded state, typically because the source changed.
func (h *EventHub) Unload() {
	h.mu.Lock()
	h.loaded = false
	h.loadAt = time.Time{}
	h.mu.Unlock()
}

// Loaded reports whether loadeddata has been seen since the last Unload.
func (h *EventHub) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}
