package quality

import (
	"github.com/mikeyg42/tileabr/internal/geometry"
)

// MotionGate skips decision passes while the camera is nearly static.
type MotionGate struct {
	thresholdDeg float64
	last         geometry.Vec3
	has          bool
}

// NewMotionGate creates a gate that opens when the camera has rotated more
// than thresholdDeg since the previous check.
func NewMotionGate(thresholdDeg float64) *MotionGate {
	return &MotionGate{thresholdDeg: thresholdDeg}
}

// Check compares dir with the direction seen at the previous check and
// remembers dir for the next one. The first check never opens the gate.
func (m *MotionGate) Check(dir geometry.Vec3) (angleDeg float64, moved bool) {
	dir = dir.Normalize()
	if !m.has {
		m.last = dir
		m.has = true
		return 0, false
	}
	angleDeg = geometry.Degrees(geometry.AngleBetween(m.last, dir))
	m.last = dir
	return angleDeg, angleDeg > m.thresholdDeg
}

// Reset forgets the previous direction.
func (m *MotionGate) Reset() {
	m.has = false
}
