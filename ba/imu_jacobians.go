package ba

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/alongqiyue/ba/imu"
	"github.com/alongqiyue/ba/se3"
)

// inertialJacobians differentiates the (reordered) inertial residual with
// respect to both endpoint poses' decoupled tangents and the 2-DoF gravity
// parameterization, by central finite difference around the IMU
// preintegrator collaborator.
func (pr *Problem) inertialJacobians(res *ImuResidual) (*mat.Dense, *mat.Dense, *mat.Dense) {
	p1 := pr.poses[res.Pose1ID]
	p2 := pr.poses[res.Pose2ID]
	n := pr.Params.kResSizeImu()
	pd := pr.Params.PoseDim

	eval := func(twp1 se3.SE3, v1 r3.Vector, bg1, ba1 r3.Vector, twp2 se3.SE3, v2 r3.Vector, bg2, ba2 r3.Vector, gravity r3.Vector) []float64 {
		pre := res.Preintegrated
		pre.GyroBias = bg1
		pre.AccelBias = ba1
		state1 := imu.PoseState{Pose: twp1, Velocity: v1}
		state2 := imu.PoseState{Pose: twp2, Velocity: v2}
		raw := imu.IntegrateResidual(state1, state2, pre, gravity)
		r := make([]float64, n)
		r[0], r[1], r[2] = raw[0], raw[1], raw[2]
		if pr.translationErrorsEnabled || res.IsConditioning {
			r[3], r[4], r[5] = raw[6], raw[7], raw[8]
		}
		r[6], r[7], r[8] = raw[3], raw[4], raw[5]
		if pr.Params.biasInState() && n >= 15 {
			r[9] = bg1.X - bg2.X
			r[10] = bg1.Y - bg2.Y
			r[11] = bg1.Z - bg2.Z
			r[12] = ba1.X - ba2.X
			r[13] = ba1.Y - ba2.Y
			r[14] = ba1.Z - ba2.Z
		}
		return r
	}

	f1 := func(y, x []float64) {
		twp := se3.ExpDecoupled(p1.Twp, x[:6])
		v := p1.V
		bg, ba := p1.Bg, p1.Ba
		if pr.Params.velInState() {
			v = r3.Vector{X: p1.V.X + x[6], Y: p1.V.Y + x[7], Z: p1.V.Z + x[8]}
		}
		if pr.Params.biasInState() {
			bg = r3.Vector{X: p1.Bg.X + x[9], Y: p1.Bg.Y + x[10], Z: p1.Bg.Z + x[11]}
			ba = r3.Vector{X: p1.Ba.X + x[12], Y: p1.Ba.Y + x[13], Z: p1.Ba.Z + x[14]}
		}
		copy(y, eval(twp, v, bg, ba, p2.Twp, p2.V, p2.Bg, p2.Ba, pr.Imu.GravityVector()))
	}
	f2 := func(y, x []float64) {
		twp := se3.ExpDecoupled(p2.Twp, x[:6])
		v := p2.V
		bg, ba := p2.Bg, p2.Ba
		if pr.Params.velInState() {
			v = r3.Vector{X: p2.V.X + x[6], Y: p2.V.Y + x[7], Z: p2.V.Z + x[8]}
		}
		if pr.Params.biasInState() {
			bg = r3.Vector{X: p2.Bg.X + x[9], Y: p2.Bg.Y + x[10], Z: p2.Bg.Z + x[11]}
			ba = r3.Vector{X: p2.Ba.X + x[12], Y: p2.Ba.Y + x[13], Z: p2.Ba.Z + x[14]}
		}
		copy(y, eval(p1.Twp, p1.V, p1.Bg, p1.Ba, twp, v, bg, ba, pr.Imu.GravityVector()))
	}
	j1 := se3.JacobianCentral(n, pd, f1, make([]float64, pd))
	j2 := se3.JacobianCentral(n, pd, f2, make([]float64, pd))

	gf := func(y, x []float64) {
		im := pr.Imu
		im.GravityParam = [2]float64{x[0], x[1]}
		copy(y, eval(p1.Twp, p1.V, p1.Bg, p1.Ba, p2.Twp, p2.V, p2.Bg, p2.Ba, im.GravityVector()))
	}
	jg := se3.JacobianCentral(n, 2, gf, []float64{pr.Imu.GravityParam[0], pr.Imu.GravityParam[1]})

	return j1, j2, jg
}
