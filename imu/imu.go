// Package imu implements IMU preintegration and the gravity parameterization
// the bundle adjuster perturbs. Both are external collaborators of the
// optimization core (spec §6): the core only calls IntegrateResidual and
// reads/writes the gravity/bias/T_vs state this package owns. Grounded on
// original_source/src/BundleAdjuster.cpp's imu_ member usage (ApplyUpdate's
// gravity branch, EvaluateResiduals' inertial-residual construction) and,
// for the preintegration recursion itself, on the manifold conventions in
// westphae-goflying's AHRS/strapdown integrators.
package imu

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/alongqiyue/ba/se3"
)

// GravityMagnitude is the nominal gravity magnitude used to reconstruct the
// 3-vector from the adjuster's 2-DoF gravity direction parameterization.
const GravityMagnitude = 9.80665

// Imu holds the shared inertial state the bundle adjuster optimizes over:
// a 2-parameter gravity direction, per-pose biases are owned by ba.Pose, and
// the body-to-sensor extrinsic T_vs when DoTvs is enabled for the problem.
type Imu struct {
	// GravityParam is the 2-DoF local parameterization of the gravity
	// direction (tangent-plane offset from a nominal down vector), updated
	// additively the way root_pose translation is.
	GravityParam [2]float64
	Tvs          se3.SE3

	// BiasGyro/BiasAccel mirror the converged last-pose bias after Solve
	// writes them back (spec's supplemented "bias state write-back").
	BiasGyro  r3.Vector
	BiasAccel r3.Vector
}

// GravityVector reconstructs the 3D gravity vector from the 2-DoF param,
// tangent to the nominal down direction (0,0,-g).
func (im Imu) GravityVector() r3.Vector {
	nominal := r3.Vector{X: 0, Y: 0, Z: -GravityMagnitude}
	tangent1 := r3.Vector{X: 1, Y: 0, Z: 0}
	tangent2 := r3.Vector{X: 0, Y: 1, Z: 0}
	g := nominal.Add(tangent1.Mul(im.GravityParam[0])).Add(tangent2.Mul(im.GravityParam[1]))
	return clampUnit(g).Mul(GravityMagnitude)
}

// Preintegrated holds the accumulated measurement summary between two poses,
// the sufficient statistic IntegrateResidual consumes.
type Preintegrated struct {
	DeltaR  se3.Quat
	DeltaV  r3.Vector
	DeltaP  r3.Vector
	Dt      float64
	GyroBias, AccelBias r3.Vector
}

// Integrate accumulates one IMU sample into a running preintegration with a
// forward-Euler step: the accelerometer sample is rotated by the orientation
// at the start of the step. accel is specific force; gravity is not removed
// here but added by IntegrateResidual.
func Integrate(prev Preintegrated, gyro, accel r3.Vector, dt float64) Preintegrated {
	unbiasedGyro := gyro.Sub(prev.GyroBias)
	unbiasedAccel := accel.Sub(prev.AccelBias)

	dr := se3.ExpSO3(unbiasedGyro.Mul(dt))
	newR := prev.DeltaR.Mul(dr).Normalize()

	rotatedAccel := prev.DeltaR.Rotate(unbiasedAccel)
	newV := prev.DeltaV.Add(rotatedAccel.Mul(dt))
	newP := prev.DeltaP.Add(prev.DeltaV.Mul(dt)).Add(rotatedAccel.Mul(0.5 * dt * dt))

	return Preintegrated{
		DeltaR:    newR,
		DeltaV:    newV,
		DeltaP:    newP,
		Dt:        prev.Dt + dt,
		GyroBias:  prev.GyroBias,
		AccelBias: prev.AccelBias,
	}
}

// PoseState is the pose and velocity of one endpoint of an inertial
// residual, the state IntegrateResidual compares the preintegrated
// measurement against.
type PoseState struct {
	Pose     se3.SE3
	Velocity r3.Vector
}

// IntegrateResidual computes the inertial residual vector [rot(3); vel(3);
// pos(3)] between poseI and poseJ given the preintegrated summary and
// gravity, mirroring original_source's residual construction for
// ImuResidual edges.
func IntegrateResidual(poseI, poseJ PoseState, pre Preintegrated, gravity r3.Vector) []float64 {
	rI := poseI.Pose.R
	rJ := poseJ.Pose.R

	predictedR := rI.Mul(pre.DeltaR)
	rErr := se3.LogSO3(predictedR.Conjugate().Mul(rJ))

	gdt := gravity.Mul(pre.Dt)
	predictedV := poseI.Velocity.Add(gdt).Add(rI.Rotate(pre.DeltaV))
	vErr := poseJ.Velocity.Sub(predictedV)

	gdt2 := gravity.Mul(0.5 * pre.Dt * pre.Dt)
	predictedP := poseI.Pose.T.Add(poseI.Velocity.Mul(pre.Dt)).Add(gdt2).Add(rI.Rotate(pre.DeltaP))
	pErr := poseJ.Pose.T.Sub(predictedP)

	return []float64{
		rErr.X, rErr.Y, rErr.Z,
		vErr.X, vErr.Y, vErr.Z,
		pErr.X, pErr.Y, pErr.Z,
	}
}

// DzDGravity returns the 9x2 Jacobian of IntegrateResidual with respect to
// the 2-DoF gravity parameterization, by central finite difference.
func DzDGravity(poseI, poseJ PoseState, pre Preintegrated, im Imu) [][2]float64 {
	eps := 1e-6
	base := IntegrateResidual(poseI, poseJ, pre, im.GravityVector())
	out := make([][2]float64, len(base))
	for k := 0; k < 2; k++ {
		plus := im
		plus.GravityParam[k] += eps
		minus := im
		minus.GravityParam[k] -= eps
		rp := IntegrateResidual(poseI, poseJ, pre, plus.GravityVector())
		rm := IntegrateResidual(poseI, poseJ, pre, minus.GravityVector())
		for i := range base {
			out[i][k] = (rp[i] - rm[i]) / (2 * eps)
		}
	}
	return out
}

// NewPreintegrated returns an identity (zero-duration) preintegration seeded
// with the biases active at the start of the interval.
func NewPreintegrated(gyroBias, accelBias r3.Vector) Preintegrated {
	return Preintegrated{
		DeltaR:    se3.IdentityQuat(),
		GyroBias:  gyroBias,
		AccelBias: accelBias,
	}
}

// clampUnit guards GravityVector's normalization against a degenerate
// all-zero tangent offset combined with floating point error.
func clampUnit(v r3.Vector) r3.Vector {
	n := v.Norm()
	if n < 1e-12 || math.IsNaN(n) {
		return r3.Vector{X: 0, Y: 0, Z: -1}
	}
	return v.Mul(1 / n)
}
