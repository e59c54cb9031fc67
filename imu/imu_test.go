package imu

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/alongqiyue/ba/se3"
)

func TestIntegrateZeroMotionStaysIdentity(t *testing.T) {
	pre := NewPreintegrated(r3.Vector{}, r3.Vector{})
	for i := 0; i < 10; i++ {
		pre = Integrate(pre, r3.Vector{}, r3.Vector{}, 0.01)
	}
	if pre.DeltaV.Norm() > 1e-9 {
		t.Fatalf("zero accel/gyro produced nonzero DeltaV: %v", pre.DeltaV)
	}
	if pre.DeltaP.Norm() > 1e-9 {
		t.Fatalf("zero accel/gyro produced nonzero DeltaP: %v", pre.DeltaP)
	}
	relErr := se3.LogSO3(pre.DeltaR)
	if relErr.Norm() > 1e-9 {
		t.Fatalf("zero gyro rotated DeltaR: residual angle %g", relErr.Norm())
	}
}

func TestIntegrateResidualZeroAtTruth(t *testing.T) {
	gravity := r3.Vector{X: 0, Y: 0, Z: -GravityMagnitude}
	pre := NewPreintegrated(r3.Vector{}, r3.Vector{})
	accel := gravity.Mul(-1) // specific force that exactly cancels gravity: stationary
	dt := 0.01
	for i := 0; i < 50; i++ {
		pre = Integrate(pre, r3.Vector{X: 0.05, Y: -0.02, Z: 0.01}, accel, dt)
	}

	stateI := PoseState{Pose: se3.Identity(), Velocity: r3.Vector{}}
	predictedR := stateI.Pose.R.Mul(pre.DeltaR)
	predictedV := stateI.Velocity.Add(gravity.Mul(pre.Dt)).Add(stateI.Pose.R.Rotate(pre.DeltaV))
	predictedP := stateI.Pose.T.Add(stateI.Velocity.Mul(pre.Dt)).Add(gravity.Mul(0.5 * pre.Dt * pre.Dt)).Add(stateI.Pose.R.Rotate(pre.DeltaP))
	stateJ := PoseState{Pose: se3.SE3{R: predictedR, T: predictedP}, Velocity: predictedV}

	r := IntegrateResidual(stateI, stateJ, pre, gravity)
	for i, v := range r {
		if math.Abs(v) > 1e-9 {
			t.Fatalf("residual[%d] = %g, want 0 at the exact predicted state", i, v)
		}
	}
}

func TestGravityVectorMagnitudeAndNominalDirection(t *testing.T) {
	im := Imu{}
	g := im.GravityVector()
	if math.Abs(g.Norm()-GravityMagnitude) > 1e-9 {
		t.Fatalf("gravity magnitude = %g, want %g", g.Norm(), GravityMagnitude)
	}
	if g.Z >= 0 {
		t.Fatalf("nominal gravity should point down (negative Z), got %v", g)
	}
}

func TestDzDGravityDimensions(t *testing.T) {
	pre := NewPreintegrated(r3.Vector{}, r3.Vector{})
	pre = Integrate(pre, r3.Vector{X: 0.01}, r3.Vector{Z: -GravityMagnitude}, 0.1)
	stateI := PoseState{Pose: se3.Identity()}
	stateJ := PoseState{Pose: se3.SE3{T: r3.Vector{X: 0, Y: 0, Z: 0.1}}}
	j := DzDGravity(stateI, stateJ, pre, Imu{})
	if len(j) != 9 {
		t.Fatalf("DzDGravity returned %d rows, want 9", len(j))
	}
}
