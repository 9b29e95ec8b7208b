// Package gaze provides the camera-forward direction consumed by the decision loop.
package gaze

import (
	"sync"
	"time"

	"github.com/mikeyg42/tileabr/internal/geometry"
)

// Forward is the direction a camera looks at before any input arrives.
var Forward = geometry.Vec3{Z: -1}

// Source reports the current camera-forward direction.
type Source interface {
	Forward() geometry.Vec3
}

// Static always returns the same direction.
type Static geometry.Vec3

func (s Static) Forward() geometry.Vec3 { return geometry.Vec3(s) }

// Live holds the most recent direction pushed by the viewer transport.
type Live struct {
	mu      sync.RWMutex
	dir     geometry.Vec3
	updated time.Time
	updates int64
}

// NewLive starts at the default forward direction.
func NewLive() *Live {
	return &Live{dir: Forward}
}

// Update stores dir. Zero vectors are ignored.
func (l *Live) Update(dir geometry.Vec3, at time.Time) bool {
	if dir.IsZero() {
		return false
	}
	l.mu.Lock()
	l.dir = dir
	l.updated = at
	l.updates++
	l.mu.Unlock()
	return true
}

func (l *Live) Forward() geometry.Vec3 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dir
}

// LastUpdate returns when the direction last changed and how many updates arrived.
func (l *Live) LastUpdate() (time.Time, int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.updated, l.updates
}

// Override is a direction provider that may have nothing to say, such as a
// trace player before its first entry or after a failed load.
type Override interface {
	Current() (geometry.Vec3, bool)
}

// Sampler reads a source once per tick and returns a unit vector. When an
// override has a direction it wins over the source.
type Sampler struct {
	source   Source
	override Override
	last     geometry.Vec3
}

// NewSampler creates a sampler. override may be nil.
func NewSampler(source Source, override Override) *Sampler {
	return &Sampler{source: source, override: override, last: Forward}
}

// Sample returns the normalized direction for this tick. A zero reading keeps
// the previous sample.
func (s *Sampler) Sample() geometry.Vec3 {
	var dir geometry.Vec3
	if s.override != nil {
		if d, ok := s.override.Current(); ok {
			dir = d
		}
	}
	if dir.IsZero() && s.source != nil {
		dir = s.source.Forward()
	}
	if dir.IsZero() {
		return s.last
	}
	s.last = dir.Normalize()
	return s.last
}

// Last returns the previous sample without reading the source.
func (s *Sampler) Last() geometry.Vec3 { return s.last }
