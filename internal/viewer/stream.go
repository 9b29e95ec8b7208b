package viewer

import (
	"fmt"
	"sync"

	"github.com/mikeyg42/tileabr/internal/playback"
)

// Stream is the adaptive-streaming player attached to one tile's element in
// the viewer. Level counts arrive once the viewer has parsed the manifest.
type Stream struct {
	tile int
	out  Notifier

	mu      sync.Mutex
	levels  int
	current int
}

var _ playback.AdaptiveSession = (*Stream)(nil)

// NewStream creates a stream with no known levels.
func NewStream(tile int, out Notifier) *Stream {
	return &Stream{tile: tile, out: out, current: -1}
}

func (s *Stream) Levels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels
}

func (s *Stream) CurrentLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetNextLevel asks the viewer to switch at the next segment boundary.
func (s *Stream) SetNextLevel(level int) error {
	if err := s.out.Notify(MethodNextLevel, NextLevelParams{Tile: s.tile, Level: level}); err != nil {
		return fmt.Errorf("tile %d: next level: %w", s.tile, err)
	}
	return nil
}

// SetLevels records the manifest's level count and the playing level.
func (s *Stream) SetLevels(count, current int) {
	s.mu.Lock()
	s.levels = count
	s.current = current
	s.mu.Unlock()
}

// Switched records a completed level switch.
func (s *Stream) Switched(level int) {
	s.mu.Lock()
	s.current = level
	s.mu.Unlock()
}
