package gaze

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mikeyg42/tileabr/internal/geometry"
)

type fixedOverride struct {
	dir geometry.Vec3
	ok  bool
}

func (f fixedOverride) Current() (geometry.Vec3, bool) { return f.dir, f.ok }

func TestSamplerNormalizes(t *testing.T) {
	s := NewSampler(Static(geometry.Vec3{X: 3, Y: 4}), nil)
	got := s.Sample()
	assert.InDelta(t, 0.6, got.X, 1e-12)
	assert.InDelta(t, 0.8, got.Y, 1e-12)
	assert.True(t, got.IsUnit(1e-12))
}

func TestSamplerOverride(t *testing.T) {
	live := NewLive()
	s := NewSampler(live, fixedOverride{dir: geometry.Vec3{X: 2}, ok: true})
	assert.Equal(t, geometry.Vec3{X: 1}, s.Sample())

	s = NewSampler(live, fixedOverride{})
	assert.Equal(t, Forward, s.Sample(), "falls back to the live source")
}

func TestSamplerKeepsLastOnZero(t *testing.T) {
	src := &Live{}
	s := NewSampler(src, nil)
	assert.Equal(t, Forward, s.Sample())

	src.Update(geometry.Vec3{Y: 1}, time.Unix(1, 0))
	assert.Equal(t, geometry.Vec3{Y: 1}, s.Sample())
}

func TestLiveIgnoresZero(t *testing.T) {
	l := NewLive()
	assert.False(t, l.Update(geometry.Vec3{}, time.Unix(1, 0)))
	assert.True(t, l.Update(geometry.Vec3{X: 1}, time.Unix(2, 0)))

	at, n := l.LastUpdate()
	assert.Equal(t, time.Unix(2, 0), at)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, geometry.Vec3{X: 1}, l.Forward())
}
