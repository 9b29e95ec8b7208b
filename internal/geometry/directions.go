package geometry

import (
	"fmt"
	"math"
)

// Table is an immutable set of tile center directions, one unit vector per tile.
type Table struct {
	dirs []Vec3
}

// octantDirections matches the tile order of the 8-tile sphere layout:
// top row first, then bottom row; within a row front-left, back-left,
// front-right, back-right.
var octantDirections = [8]Vec3{
	{-1, 1, -1},
	{-1, 1, 1},
	{1, 1, -1},
	{1, 1, 1},
	{-1, -1, -1},
	{-1, -1, 1},
	{1, -1, -1},
	{1, -1, 1},
}

// quadrantDirections is the 4-tile horizontal layout over (±1, ±1) in the XZ plane.
var quadrantDirections = [4]Vec3{
	{-1, 0, -1},
	{-1, 0, 1},
	{1, 0, -1},
	{1, 0, 1},
}

// NewTable returns the direction table for n tiles. Only 4 and 8 are supported.
func NewTable(n int) (*Table, error) {
	switch n {
	case 8:
		return FromVectors(octantDirections[:])
	case 4:
		return FromVectors(quadrantDirections[:])
	default:
		return nil, fmt.Errorf("unsupported tile count %d: must be 4 or 8", n)
	}
}

// FromVectors builds a table from arbitrary non-zero vectors, normalizing each.
func FromVectors(vs []Vec3) (*Table, error) {
	if len(vs) == 0 {
		return nil, fmt.Errorf("direction table needs at least one vector")
	}
	dirs := make([]Vec3, len(vs))
	for i, v := range vs {
		if v.IsZero() || math.IsNaN(v.Len()) {
			return nil, fmt.Errorf("tile %d: direction must be a non-zero finite vector", i)
		}
		dirs[i] = v.Normalize()
	}
	return &Table{dirs: dirs}, nil
}

// Len returns the number of tiles.
func (t *Table) Len() int {
	return len(t.dirs)
}

// DirectionOf returns the unit direction of tile i. It panics on an out-of-range index.
func (t *Table) DirectionOf(i int) Vec3 {
	return t.dirs[i]
}

// Directions returns a copy of all tile directions.
func (t *Table) Directions() []Vec3 {
	out := make([]Vec3, len(t.dirs))
	copy(out, t.dirs)
	return out
}

// Dots returns gaze·direction for every tile, in tile order.
func (t *Table) Dots(gaze Vec3) []float64 {
	out := make([]float64, len(t.dirs))
	for i, d := range t.dirs {
		out[i] = gaze.Dot(d)
	}
	return out
}

// Nearest returns the index of the tile best aligned with dir, or -1 for an empty table.
func (t *Table) Nearest(dir Vec3) int {
	best := -1
	maxDot := math.Inf(-1)
	for i, d := range t.dirs {
		if dot := dir.Dot(d); dot > maxDot {
			maxDot = dot
			best = i
		}
	}
	return best
}
