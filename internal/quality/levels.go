// Package quality maps viewing direction to per-tile quality tiers and governs
// when a tier change is actually applied to a tile's media.
package quality

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mikeyg42/tileabr/internal/geometry"
)

// ErrInvalidLevel is returned when a tier name or ladder index is not recognised.
var ErrInvalidLevel = errors.New("invalid quality level")

// Level is an encoding tier. Tiers are totally ordered: Low < Mid < High.
type Level int

const (
	LevelLow Level = iota
	LevelMid
	LevelHigh
)

// Levels lists every tier in ascending order.
var Levels = [...]Level{LevelLow, LevelMid, LevelHigh}

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMid:
		return "mid"
	case LevelHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Valid reports whether l is one of the enumerated tiers.
func (l Level) Valid() bool {
	return l >= LevelLow && l <= LevelHigh
}

// ParseLevel converts a tier name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LevelLow, nil
	case "mid", "medium":
		return LevelMid, nil
	case "high":
		return LevelHigh, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Thresholds are the two ordered dot-product cut-offs, High > Low.
type Thresholds struct {
	High float64 `koanf:"high" json:"high"`
	Low  float64 `koanf:"low" json:"low"`
}

// DefaultThresholds matches the 8-tile HLS configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.4, Low: 0.2}
}

// Validate checks the ordering constraint.
func (t Thresholds) Validate() error {
	if !(t.High > t.Low) {
		return fmt.Errorf("thresholds: high (%.3f) must be greater than low (%.3f)", t.High, t.Low)
	}
	return nil
}

// Decide maps a dot product to a tier. Boundaries resolve to the higher tier.
func (t Thresholds) Decide(dot float64) Level {
	switch {
	case dot >= t.High:
		return LevelHigh
	case dot >= t.Low:
		return LevelMid
	default:
		return LevelLow
	}
}

// Decision is the desired tier for one tile at one sampling instant.
type Decision struct {
	Tile  int
	Dot   float64
	Level Level
}

// DecideTiles computes a decision for every tile in table, in tile order.
func DecideTiles(gaze geometry.Vec3, table *geometry.Table, t Thresholds) []Decision {
	dots := table.Dots(gaze)
	out := make([]Decision, len(dots))
	for i, d := range dots {
		out[i] = Decision{Tile: i, Dot: d, Level: t.Decide(d)}
	}
	return out
}

// Aggregate returns the highest tier requested by any tile, or Low for none.
func Aggregate(decisions []Decision) Level {
	max := LevelLow
	for _, d := range decisions {
		if d.Level > max {
			max = d.Level
		}
	}
	return max
}

// Policy selects how tile decisions become applied tiers.
type Policy int

const (
	// PolicyPerTile levels each tile independently.
	PolicyPerTile Policy = iota
	// PolicyUniform applies the aggregate tier to every tile, for transports
	// that can only serve one quality across all tiles at a time.
	PolicyUniform
)

func (p Policy) String() string {
	switch p {
	case PolicyPerTile:
		return "per_tile"
	case PolicyUniform:
		return "uniform"
	default:
		return "unknown"
	}
}

// ParsePolicy accepts both hyphenated and underscore spellings.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "per_tile", "per-tile", "pertile", "":
		return PolicyPerTile, nil
	case "uniform", "global", "single":
		return PolicyUniform, nil
	default:
		return 0, fmt.Errorf("invalid policy: %s", s)
	}
}

// Apply returns the tier to request for each tile.
func (p Policy) Apply(decisions []Decision) []Level {
	out := make([]Level, len(decisions))
	if p == PolicyUniform {
		agg := Aggregate(decisions)
		for i := range out {
			out[i] = agg
		}
		return out
	}
	for i, d := range decisions {
		out[i] = d.Level
	}
	return out
}
