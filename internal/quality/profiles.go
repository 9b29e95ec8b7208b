package quality

import (
	"fmt"
)

// Rung is one step of a tile's encoding ladder.
type Rung struct {
	Level       Level  `koanf:"level" json:"level"`
	Name        string `koanf:"name" json:"name"`
	Index       int    `koanf:"index" json:"index"`       // level index understood by the media collaborator
	BitrateKbps int    `koanf:"bitrate_kbps" json:"bitrateKbps"`
}

// Ladder maps each tier to the media-side level index and its bitrate.
type Ladder struct {
	rungs [len(Levels)]Rung
}

// DefaultLadder is the 144p/360p/480p tile ladder. HLS level 0 is left for the
// player's own startup rendition, so tiers map to indices 1..3.
func DefaultLadder() Ladder {
	l, _ := NewLadder([]Rung{
		{Level: LevelLow, Name: "144p", Index: 1, BitrateKbps: 250},
		{Level: LevelMid, Name: "360p", Index: 2, BitrateKbps: 800},
		{Level: LevelHigh, Name: "480p", Index: 3, BitrateKbps: 1500},
	})
	return l
}

// Sequential re-indexes l to 0..n-1, the layout of a multi-source element
// whose source list holds one file per tier.
func (l Ladder) Sequential() Ladder {
	out := l
	for i := range out.rungs {
		out.rungs[i].Index = i
	}
	return out
}

// NewLadder validates and orders a set of rungs. Every tier must appear exactly
// once, and indices and bitrates must both increase with the tier.
func NewLadder(rungs []Rung) (Ladder, error) {
	var l Ladder
	if len(rungs) != len(Levels) {
		return l, fmt.Errorf("ladder: need %d rungs, got %d", len(Levels), len(rungs))
	}
	var seen [len(Levels)]bool
	for _, r := range rungs {
		if !r.Level.Valid() {
			return l, fmt.Errorf("ladder: %w: %d", ErrInvalidLevel, int(r.Level))
		}
		if seen[r.Level] {
			return l, fmt.Errorf("ladder: duplicate rung for %s", r.Level)
		}
		if r.Index < 0 {
			return l, fmt.Errorf("ladder: %s has negative index %d", r.Level, r.Index)
		}
		if r.BitrateKbps <= 0 {
			return l, fmt.Errorf("ladder: %s needs a positive bitrate", r.Level)
		}
		seen[r.Level] = true
		l.rungs[r.Level] = r
	}
	for i := 1; i < len(l.rungs); i++ {
		prev, cur := l.rungs[i-1], l.rungs[i]
		if cur.Index <= prev.Index {
			return l, fmt.Errorf("ladder: index of %s must exceed %s", cur.Level, prev.Level)
		}
		if cur.BitrateKbps < prev.BitrateKbps {
			return l, fmt.Errorf("ladder: bitrate of %s must not be below %s", cur.Level, prev.Level)
		}
	}
	return l, nil
}

// Rung returns the rung for level.
func (l Ladder) Rung(level Level) Rung {
	return l.rungs[level]
}

// Index returns the media-side level index for a tier.
func (l Ladder) Index(level Level) int {
	return l.rungs[level].Index
}

// Bitrate returns the tier bitrate in Kbps.
func (l Ladder) Bitrate(level Level) int {
	return l.rungs[level].BitrateKbps
}

// LevelForIndex maps a media-side index back to a tier.
func (l Ladder) LevelForIndex(idx int) (Level, bool) {
	for _, r := range l.rungs {
		if r.Index == idx {
			return r.Level, true
		}
	}
	return 0, false
}

// Floor maps a media-side index to the highest tier whose index does not
// exceed it, or the lowest tier.
func (l Ladder) Floor(idx int) Level {
	best := l.rungs[0].Level
	for _, r := range l.rungs {
		if r.Index <= idx {
			best = r.Level
		}
	}
	return best
}

// BitrateForIndex returns the bitrate of the rung at media index idx. Unknown
// indices resolve to the closest rung at or below idx, else the lowest rung.
func (l Ladder) BitrateForIndex(idx int) int {
	best := l.rungs[0]
	for _, r := range l.rungs {
		if r.Index <= idx {
			best = r
		}
	}
	return best.BitrateKbps
}

// Rungs returns all rungs from low to high.
func (l Ladder) Rungs() []Rung {
	out := make([]Rung, len(l.rungs))
	copy(out, l.rungs[:])
	return out
}
