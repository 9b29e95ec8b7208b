// Package geometry provides the unit-vector math and the fixed tile direction
// tables used to map a viewing direction onto regions of the sphere.
package geometry

import (
	"fmt"
	"math"
)

// Vec3 is a 3-component vector in the viewer's world frame.
// +X is right, +Y is up, -Z is forward for an un-rotated camera.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%.4f, %.4f, %.4f)", v.X, v.Y, v.Z)
}

// Dot returns the dot product of v and o.
func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// Len returns the Euclidean length of v.
func (v Vec3) Len() float64 {
	return math.Sqrt(v.Dot(v))
}

// Scale multiplies every component by s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// Normalize returns v scaled to unit length. The zero vector is returned unchanged.
func (v Vec3) Normalize() Vec3 {
	l := v.Len()
	if l == 0 {
		return v
	}
	return v.Scale(1 / l)
}

// IsZero reports whether every component is zero.
func (v Vec3) IsZero() bool {
	return v.X == 0 && v.Y == 0 && v.Z == 0
}

// IsUnit reports whether v has unit length within tol.
func (v Vec3) IsUnit(tol float64) bool {
	return math.Abs(v.Len()-1) <= tol
}

// RotateY rotates v about the vertical axis by rad radians (right-handed).
func (v Vec3) RotateY(rad float64) Vec3 {
	s, c := math.Sincos(rad)
	return Vec3{
		X: v.X*c + v.Z*s,
		Y: v.Y,
		Z: -v.X*s + v.Z*c,
	}
}

// AngleBetween returns the great-circle angle between two directions in radians.
// Inputs are normalized first; the cosine is clamped to [-1, 1] before acos.
func AngleBetween(a, b Vec3) float64 {
	d := a.Normalize().Dot(b.Normalize())
	return math.Acos(clamp(d, -1, 1))
}

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

// Radians converts degrees to radians.
func Radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func clamp(val, min, max float64) float64 {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
