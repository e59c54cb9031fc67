package ba

import (
	"github.com/golang/geo/r3"

	"github.com/alongqiyue/ba/imu"
	"github.com/alongqiyue/ba/se3"
)

// EvaluateResiduals recomputes residuals (and their Mahalanobis norms)
// without touching any Jacobian, for whichever families have a non-nil
// output pointer. Used twice per inner trust-region step (pre/post update),
// mirroring BundleAdjuster::EvaluateResiduals.
func (pr *Problem) EvaluateResiduals(projErr, binaryErr, unaryErr, inertialErr *float64) {
	if projErr != nil {
		*projErr = pr.evaluateProjection()
	}
	if unaryErr != nil {
		*unaryErr = pr.evaluateUnary()
	}
	if binaryErr != nil {
		*binaryErr = pr.evaluateBinary()
	}
	if inertialErr != nil {
		*inertialErr = pr.evaluateInertial()
	}
}

func (pr *Problem) evaluateProjection() float64 {
	for _, lm := range pr.landmarks {
		lm.NumOutlierResiduals = 0
	}
	var sum float64
	for _, res := range pr.projResiduals {
		lm := pr.landmarks[res.LandmarkID]
		measPose := pr.poses[res.XMeasID]
		refPose := pr.poses[res.XRefID]

		cam, restore := pr.cameraFor(measPose, res.CamID)

		worldPoint := pr.landmarkWorldPoint(lm, refPose, res.CamID)
		camTWorldBody := measPose.Twp
		projected, err := cam.Transfer3d(camTWorldBody, worldPoint)
		restore()
		if err != nil {
			continue
		}

		rx := res.Z[0] - projected.X
		ry := res.Z[1] - projected.Y
		res.Residual = [2]float64{rx, ry}
		m := res.Weight * (rx*rx + ry*ry)
		res.MahalanobisDistance = m
		sum += m

		if rx*rx+ry*ry > pr.Options.ProjectionOutlierThreshold*pr.Options.ProjectionOutlierThreshold {
			lm.NumOutlierResiduals++
		}
	}
	return sum
}

// landmarkWorldPoint resolves a landmark's current world-frame position,
// reconstructing it from the inverse-depth ray when LmDim=1.
func (pr *Problem) landmarkWorldPoint(lm *Landmark, refPose *Pose, camID int) r3.Vector {
	if pr.Params.LmDim != 1 {
		return r3.Vector{X: lm.Xw[0], Y: lm.Xw[1], Z: lm.Xw[2]}
	}
	dir := r3.Vector{X: lm.Xs[0], Y: lm.Xs[1], Z: lm.Xs[2]}
	depth := 1.0
	if lm.Xs[3] != 0 {
		depth = 1.0 / lm.Xs[3]
	}
	sensorPoint := dir.Mul(depth)
	tsw := pr.tsw(refPose, lm.RefCamID)
	return tsw.Inverse().Transform(sensorPoint)
}

func (pr *Problem) evaluateUnary() float64 {
	var sum float64
	for _, res := range pr.unaryResiduals {
		pose := pr.poses[res.PoseID]
		xi := se3.LogDecoupled(pose.Twp, res.Twp)
		if !res.UseRotation {
			xi[3], xi[4], xi[5] = 0, 0, 0
		}
		copy(res.Residual[:], xi)
		sum += quadraticForm6(res.CovInv, res.Residual)
	}
	return sum
}

func (pr *Problem) evaluateBinary() float64 {
	var sum float64
	for _, res := range pr.binaryResiduals {
		p1 := pr.poses[res.X1ID]
		p2 := pr.poses[res.X2ID]
		rel := p1.Twp.Inverse().Mul(p2.Twp)
		xi := se3.LogDecoupled(rel, res.T12)
		if !res.UseRotation {
			xi[3], xi[4], xi[5] = 0, 0, 0
		}
		copy(res.Residual[:], xi)
		var norm2 float64
		for _, v := range xi {
			norm2 += v * v
		}
		sum += res.Weight * norm2
	}
	return sum
}

func (pr *Problem) evaluateInertial() float64 {
	var sum float64
	for _, res := range pr.inertialResiduals {
		var m float64
		pr.evaluateInertialOne(res, &m)
		sum += m
	}
	return sum
}

// evaluateInertialOne recomputes one inertial residual in place and writes
// its Mahalanobis distance into *out; shared by EvaluateResiduals and
// BuildProblem so both compute the residual identically.
func (pr *Problem) evaluateInertialOne(res *ImuResidual, out *float64) {
	p1 := pr.poses[res.Pose1ID]
	p2 := pr.poses[res.Pose2ID]

	pre := res.Preintegrated
	pre.GyroBias = p1.Bg
	pre.AccelBias = p1.Ba

	state1 := imu.PoseState{Pose: p1.Twp, Velocity: p1.V}
	state2 := imu.PoseState{Pose: p2.Twp, Velocity: p2.V}
	// rawFull is [rot(3); vel(3); pos(3)] as produced by the preintegrator;
	// the adjuster's own layout is [rot(3); pos(3); vel(3); bias(6)?], so
	// reorder into res.Residual below.
	rawFull := imu.IntegrateResidual(state1, state2, pre, pr.Imu.GravityVector())

	n := pr.Params.kResSizeImu()
	r := make([]float64, n)
	r[0], r[1], r[2] = rawFull[0], rawFull[1], rawFull[2]
	if pr.translationErrorsEnabled || res.IsConditioning {
		r[3], r[4], r[5] = rawFull[6], rawFull[7], rawFull[8]
	}
	r[6], r[7], r[8] = rawFull[3], rawFull[4], rawFull[5]
	if pr.Params.biasInState() && n >= 15 {
		r[9] = p1.Bg.X - p2.Bg.X
		r[10] = p1.Bg.Y - p2.Bg.Y
		r[11] = p1.Bg.Z - p2.Bg.Z
		r[12] = p1.Ba.X - p2.Ba.X
		r[13] = p1.Ba.Y - p2.Ba.Y
		r[14] = p1.Ba.Z - p2.Ba.Z
	}
	res.Residual = r
	*out = mahalanobis(res.CovInv, r)

	pr.updateTvsStability()
}

// updateTvsStability implements the T_vs coarse-to-fine gate: once the
// extrinsic has stabilized across outer iterations (and the problem has
// enough poses), translation components of the inertial residual start
// contributing to the cost.
func (pr *Problem) updateTvsStability() {
	if !pr.Params.DoTvs || len(pr.Rig.Cameras) == 0 {
		return
	}
	cur := pr.Rig.Cameras[0].Tvs
	if !pr.lastTvsSet {
		pr.lastTvs = cur
		pr.lastTvsSet = true
		return
	}
	if !pr.translationErrorsEnabled {
		diff := se3.LogDecoupled(pr.lastTvs, cur)
		n := l2Norm(diff)
		if n < 0.01 && pr.NumActivePoses() >= 30 {
			pr.translationErrorsEnabled = true
		}
	}
	pr.lastTvs = cur
}

func quadraticForm6(covInv [6][6]float64, r [6]float64) float64 {
	var sum float64
	for i := 0; i < 6; i++ {
		var rowSum float64
		for j := 0; j < 6; j++ {
			rowSum += covInv[i][j] * r[j]
		}
		sum += r[i] * rowSum
	}
	return sum
}

func mahalanobis(covInv [][]float64, r []float64) float64 {
	n := len(r)
	var sum float64
	for i := 0; i < n; i++ {
		var rowSum float64
		for j := 0; j < n && j < len(covInv[i]); j++ {
			rowSum += covInv[i][j] * r[j]
		}
		sum += r[i] * rowSum
	}
	return sum
}
