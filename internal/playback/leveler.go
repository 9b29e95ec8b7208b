package playback

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/tileabr/internal/quality"
)

// SourceLeveler levels a static multi-source element: each level index is a
// separate source URL, and a change goes through the synchronizer's swap barrier.
type SourceLeveler struct {
	ctx     context.Context
	tile    int
	sources []string
	sync    *Synchronizer
	logger  *zap.Logger

	mu      sync.Mutex
	current int
}

var _ quality.Leveler = (*SourceLeveler)(nil)

// NewSourceLeveler creates a leveler for tile whose element initially plays sources[initial].
func NewSourceLeveler(ctx context.Context, tile int, sources []string, initial int, s *Synchronizer, logger *zap.Logger) *SourceLeveler {
	if logger == nil {
		logger = zap.L()
	}
	return &SourceLeveler{
		ctx:     ctx,
		tile:    tile,
		sources: sources,
		sync:    s,
		current: initial,
		logger:  logger.Named("source-leveler"),
	}
}

// CurrentLevel returns the requested source index, which may still be loading.
func (l *SourceLeveler) CurrentLevel() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *SourceLeveler) AvailableLevels() int { return len(l.sources) }

// Source returns the URL for level.
func (l *SourceLeveler) Source(level int) (string, bool) {
	if level < 0 || level >= len(l.sources) {
		return "", false
	}
	return l.sources[level], true
}

// RequestLevel starts a swap to the level's source and returns without waiting for it.
func (l *SourceLeveler) RequestLevel(level int) error {
	src, ok := l.Source(level)
	if !ok {
		return fmt.Errorf("tile %d: %w: %d", l.tile, quality.ErrInvalidLevel, level)
	}
	l.mu.Lock()
	l.current = level
	l.mu.Unlock()

	l.sync.Swap(l.ctx, map[int]string{l.tile: src}, func(err error) {
		if err != nil {
			l.logger.Warn("Swap finished with stalled elements", zap.Int("tile", l.tile), zap.Error(err))
		}
	})
	return nil
}

// AdaptiveSession is an adaptive-streaming player for one tile. The player
// switches at its own segment boundary after SetNextLevel.
type AdaptiveSession interface {
	Levels() int
	CurrentLevel() int
	SetNextLevel(level int) error
}

// StreamLeveler levels an adaptive-streaming session. The last requested level
// is reported as current until the session confirms a switch.
type StreamLeveler struct {
	tile    int
	session AdaptiveSession
	logger  *zap.Logger

	mu      sync.Mutex
	pending int
	hasNext bool
}

var _ quality.Leveler = (*StreamLeveler)(nil)

// NewStreamLeveler wraps session for tile.
func NewStreamLeveler(tile int, session AdaptiveSession, logger *zap.Logger) *StreamLeveler {
	if logger == nil {
		logger = zap.L()
	}
	return &StreamLeveler{tile: tile, session: session, logger: logger.Named("stream-leveler")}
}

func (l *StreamLeveler) CurrentLevel() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasNext {
		return l.pending
	}
	return l.session.CurrentLevel()
}

func (l *StreamLeveler) AvailableLevels() int { return l.session.Levels() }

func (l *StreamLeveler) RequestLevel(level int) error {
	if level < 0 || level >= l.session.Levels() {
		return fmt.Errorf("tile %d: %w: %d", l.tile, quality.ErrInvalidLevel, level)
	}
	if err := l.session.SetNextLevel(level); err != nil {
		return fmt.Errorf("tile %d: set next level: %w", l.tile, err)
	}
	l.mu.Lock()
	l.pending = level
	l.hasNext = true
	l.mu.Unlock()
	return nil
}

// LevelSwitched records the session's switch notification. It is logged only.
func (l *StreamLeveler) LevelSwitched(level int) {
	l.mu.Lock()
	if l.hasNext && l.pending == level {
		l.hasNext = false
	}
	l.mu.Unlock()
	l.logger.Info("Level switched", zap.Int("tile", l.tile), zap.Int("level", level))
}
