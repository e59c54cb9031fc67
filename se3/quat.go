// Package se3 implements the SE(3) pose representation and the decoupled
// exponential/logarithm retraction the bundle adjustment core perturbs poses
// with. Camera projection, IMU preintegration and the adjuster itself treat
// this package as an external collaborator: they call Exp/Log and never
// touch quaternion or rotation-matrix internals directly.
package se3

import (
	"math"

	"github.com/golang/geo/r3"
)

// Quat is a unit quaternion representing a rotation, stored W,X,Y,Z.
type Quat struct {
	W, X, Y, Z float64
}

// IdentityQuat returns the identity rotation.
func IdentityQuat() Quat { return Quat{W: 1} }

func (q Quat) norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

// Normalize returns q scaled to unit norm.
func (q Quat) Normalize() Quat {
	n := q.norm()
	if n == 0 {
		return IdentityQuat()
	}
	return Quat{q.W / n, q.X / n, q.Y / n, q.Z / n}
}

// Conjugate returns the inverse rotation of a unit quaternion.
func (q Quat) Conjugate() Quat {
	return Quat{q.W, -q.X, -q.Y, -q.Z}
}

// Mul composes two rotations: (q*p) rotates a vector by p first, then q.
func (q Quat) Mul(p Quat) Quat {
	return Quat{
		W: q.W*p.W - q.X*p.X - q.Y*p.Y - q.Z*p.Z,
		X: q.W*p.X + q.X*p.W + q.Y*p.Z - q.Z*p.Y,
		Y: q.W*p.Y - q.X*p.Z + q.Y*p.W + q.Z*p.X,
		Z: q.W*p.Z + q.X*p.Y - q.Y*p.X + q.Z*p.W,
	}
}

// Rotate applies the rotation to a vector.
func (q Quat) Rotate(v r3.Vector) r3.Vector {
	p := Quat{0, v.X, v.Y, v.Z}
	r := q.Mul(p).Mul(q.Conjugate())
	return r3.Vector{X: r.X, Y: r.Y, Z: r.Z}
}

// Matrix returns the 3x3 rotation matrix as row-major [r0,r1,r2].
func (q Quat) Matrix() [3][3]float64 {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// ExpSO3 is the SO(3) exponential map: it turns an angular-velocity tangent
// vector (axis*angle) into a unit quaternion via Rodrigues' formula.
func ExpSO3(w r3.Vector) Quat {
	theta := w.Norm()
	if theta < 1e-12 {
		return Quat{W: 1, X: w.X / 2, Y: w.Y / 2, Z: w.Z / 2}.Normalize()
	}
	half := theta / 2
	s := math.Sin(half) / theta
	return Quat{W: math.Cos(half), X: w.X * s, Y: w.Y * s, Z: w.Z * s}
}

// LogSO3 is the SO(3) logarithm map, the inverse of ExpSO3.
func LogSO3(q Quat) r3.Vector {
	q = q.Normalize()
	vnorm := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if vnorm < 1e-12 {
		return r3.Vector{X: 2 * q.X, Y: 2 * q.Y, Z: 2 * q.Z}
	}
	w := q.W
	if w > 1 {
		w = 1
	} else if w < -1 {
		w = -1
	}
	theta := 2 * math.Atan2(vnorm, w)
	// shortest-path: keep theta in [-pi, pi]
	if theta > math.Pi {
		theta -= 2 * math.Pi
	}
	scale := theta / vnorm
	return r3.Vector{X: q.X * scale, Y: q.Y * scale, Z: q.Z * scale}
}
