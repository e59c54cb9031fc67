package se3

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// ExpDecoupled retracts a 6-vector tangent [tx,ty,tz,wx,wy,wz] onto a base
// pose. Unlike a true SE(3) exponential, translation and rotation are
// decoupled: the translation tangent is added directly in the world frame
// and the rotation tangent is applied through the SO(3) exponential,
// independently of each other. This mirrors how the original bundle
// adjuster perturbs poses (root_pose.param_mask splits [0:3) translation
// from [3:6) rotation and ApplyUpdate adds/rotates them separately).
func ExpDecoupled(base SE3, xi []float64) SE3 {
	dt := r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]}
	dw := r3.Vector{X: xi[3], Y: xi[4], Z: xi[5]}
	return SE3{
		R: ExpSO3(dw).Mul(base.R).Normalize(),
		T: base.T.Add(dt),
	}
}

// LogDecoupled returns the decoupled tangent that ExpDecoupled(base, xi)
// would need to reach target from base.
func LogDecoupled(base, target SE3) []float64 {
	dt := target.T.Sub(base.T)
	dw := LogSO3(target.R.Mul(base.R.Conjugate()))
	return []float64{dt.X, dt.Y, dt.Z, dw.X, dw.Y, dw.Z}
}

// JacobianCentral computes the m x n Jacobian of f at x0 via gonum's
// central-difference formula. Several external collaborators in this
// codebase (camera projection, IMU preintegration, this package's own
// decoupled retraction) are specified only by their forward evaluation;
// their derivatives are obtained this way rather than hand-derived, the
// same pattern the retrieved pack uses for Kalman-filter Jacobians.
func JacobianCentral(m, n int, f func(y, x []float64), x0 []float64) *mat.Dense {
	dst := mat.NewDense(m, n, nil)
	fd.Jacobian(dst, f, x0, &fd.JacobianSettings{
		Formula:    fd.Central,
		Concurrent: true,
	})
	return dst
}
