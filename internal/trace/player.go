package trace

import (
	"time"

	"github.com/mikeyg42/tileabr/internal/geometry"
)

// PlayerOptions tune replay.
type PlayerOptions struct {
	Loop         bool
	YawOffsetDeg float64
}

// Player replays entries against elapsed time since Start. The cursor only
// moves forward; at the end of the sequence it stops unless Loop is set.
// A player is driven from a single goroutine.
type Player struct {
	entries []Entry
	opts    PlayerOptions
	yaw     float64

	start   time.Time
	started bool
	cursor  int
	current geometry.Vec3
	has     bool
	loops   int
}

// NewPlayer creates a player. A nil or empty entry list gives a permanent no-op.
func NewPlayer(entries []Entry, opts PlayerOptions) *Player {
	return &Player{
		entries: entries,
		opts:    opts,
		yaw:     geometry.Radians(opts.YawOffsetDeg),
	}
}

// Len returns the number of entries.
func (p *Player) Len() int { return len(p.entries) }

// Active reports whether the player has anything to replay.
func (p *Player) Active() bool { return len(p.entries) > 0 }

// Start anchors entry times to now and rewinds the cursor.
func (p *Player) Start(now time.Time) {
	p.start = now
	p.started = true
	p.cursor = 0
	p.has = false
	p.loops = 0
}

// Started reports whether Start has been called.
func (p *Player) Started() bool { return p.started }

// Done reports whether a non-looping player has consumed every entry.
func (p *Player) Done() bool {
	return !p.opts.Loop && p.cursor >= len(p.entries)
}

// Cursor returns the index of the next unconsumed entry.
func (p *Player) Cursor() int { return p.cursor }

// Loops returns how many times a looping player has wrapped.
func (p *Player) Loops() int { return p.loops }

// Tick consumes every entry whose time has elapsed and returns the direction
// of the most recent one, rotated by the yaw offset.
func (p *Player) Tick(now time.Time) (geometry.Vec3, bool) {
	if !p.started || len(p.entries) == 0 {
		return geometry.Vec3{}, false
	}
	elapsed := now.Sub(p.start).Seconds()

	for {
		for p.cursor < len(p.entries) && p.entries[p.cursor].Time <= elapsed {
			p.current = p.entries[p.cursor].Dir.RotateY(p.yaw)
			p.has = true
			p.cursor++
		}
		if p.cursor < len(p.entries) || !p.opts.Loop {
			break
		}
		span := p.entries[len(p.entries)-1].Time
		if span <= 0 || elapsed < span {
			break
		}
		p.start = p.start.Add(time.Duration(span * float64(time.Second)))
		elapsed -= span
		p.cursor = 0
		p.loops++
	}
	return p.current, p.has
}

// Current returns the last applied direction.
func (p *Player) Current() (geometry.Vec3, bool) {
	return p.current, p.has
}
