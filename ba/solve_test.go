package ba

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/alongqiyue/ba/camera"
	"github.com/alongqiyue/ba/imu"
	"github.com/alongqiyue/ba/se3"
)

func identity6x6() [6][6]float64 {
	var m [6][6]float64
	for i := 0; i < 6; i++ {
		m[i][i] = 1
	}
	return m
}

func identityN(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}

func testPinholeCamera() camera.Camera {
	return camera.Camera{
		Intrinsics: camera.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240},
		Tvs:        se3.Identity(),
	}
}

// TestApplyUpdateRollbackIdempotence covers testable property 1: applying a
// delta and then applying its rollback must return every piece of mutable
// state to its starting value.
func TestApplyUpdateRollbackIdempotence(t *testing.T) {
	pr := NewProblem(Params{LmDim: 3, PoseDim: 15, CalibDim: 8, DoTvs: true}, DefaultOptions())
	pr.SetRig(Rig{Cameras: []camera.Camera{testPinholeCamera()}})
	pr.SetGravity([2]float64{0.02, -0.01})

	twp := se3.SE3{R: se3.ExpSO3(r3.Vector{X: 0.1, Y: -0.2, Z: 0.05}), T: r3.Vector{X: 1, Y: 2, Z: 3}}
	pr.AddPose(twp, true, r3.Vector{X: 0.1, Y: 0, Z: -0.2}, r3.Vector{X: 0.01, Y: 0, Z: 0}, r3.Vector{X: 0, Y: 0.02, Z: 0}, nil)
	pr.AddLandmark(r3.Vector{X: 0.5, Y: 0.3, Z: 4}, 0, 0, [2]float64{0, 0}, true)

	beforePose := *pr.poses[0]
	beforeLm := *pr.landmarks[0]
	beforeImu := pr.Imu
	beforeCam := pr.Rig.Cameras[0]

	delta := Delta{
		P: []float64{0.01, -0.02, 0.03, 0.1, -0.05, 0.02, 0.01, -0.01, 0.02, 0.001, 0, 0, 0, 0.001, 0},
		K: []float64{0.001, -0.002, 0.1, -0.05, 0.02, 0.01, 0.0, 0.0, 0.01, -0.02, 0.005, 0.002, -0.003, 0.004},
		L: []float64{0.01, -0.02, 0.015},
	}

	pr.ApplyUpdate(delta, false, 1.0)
	pr.ApplyUpdate(delta, true, 1.0)

	afterPose := *pr.poses[0]
	afterLm := *pr.landmarks[0]

	if d := afterPose.Twp.T.Sub(beforePose.Twp.T).Norm(); d > 1e-10 {
		t.Fatalf("pose translation did not round-trip: d=%g", d)
	}
	relErr := se3.LogSO3(afterPose.Twp.R.Mul(beforePose.Twp.R.Conjugate()))
	if relErr.Norm() > 1e-10 {
		t.Fatalf("pose rotation did not round-trip: residual angle %g", relErr.Norm())
	}
	if d := afterPose.V.Sub(beforePose.V).Norm(); d > 1e-10 {
		t.Fatalf("velocity did not round-trip: d=%g", d)
	}
	if d := afterPose.Bg.Sub(beforePose.Bg).Norm()+afterPose.Ba.Sub(beforePose.Ba).Norm(); d > 1e-10 {
		t.Fatalf("biases did not round-trip: d=%g", d)
	}
	for i := range afterLm.Xw {
		if math.Abs(afterLm.Xw[i]-beforeLm.Xw[i]) > 1e-10 {
			t.Fatalf("landmark Xw[%d] did not round-trip: %g vs %g", i, afterLm.Xw[i], beforeLm.Xw[i])
		}
	}
	if math.Abs(pr.Imu.GravityParam[0]-beforeImu.GravityParam[0]) > 1e-10 ||
		math.Abs(pr.Imu.GravityParam[1]-beforeImu.GravityParam[1]) > 1e-10 {
		t.Fatalf("gravity param did not round-trip: %v vs %v", pr.Imu.GravityParam, beforeImu.GravityParam)
	}
	gotParams := pr.Rig.Cameras[0].Intrinsics.Params()
	wantParams := beforeCam.Intrinsics.Params()
	for i := range gotParams {
		if math.Abs(gotParams[i]-wantParams[i]) > 1e-10 {
			t.Fatalf("intrinsic %d did not round-trip: %g vs %g", i, gotParams[i], wantParams[i])
		}
	}
	if d := pr.Rig.Cameras[0].Tvs.T.Sub(beforeCam.Tvs.T).Norm(); d > 1e-10 {
		t.Fatalf("T_vs did not round-trip: d=%g", d)
	}
}

// TestSolveZeroResidualLeavesStateUnchanged covers testable property 2: a
// problem whose residuals are already zero should not move after Solve.
func TestSolveZeroResidualLeavesStateUnchanged(t *testing.T) {
	pr := NewProblem(Params{LmDim: 0, PoseDim: 6, CalibDim: 0}, DefaultOptions())
	twp := se3.Identity()
	pr.AddPose(twp, true, r3.Vector{}, r3.Vector{}, r3.Vector{}, nil)
	pr.AddUnaryResidual(0, twp, identity6x6(), true)

	before := pr.poses[0].Twp

	summary := pr.Solve(5, 1.0, false)

	if summary.DeltaNorm > 1e-9 {
		t.Fatalf("delta_norm = %g, want ~0 for an already-converged problem", summary.DeltaNorm)
	}
	if d := pr.poses[0].Twp.T.Sub(before.T).Norm(); d > 1e-9 {
		t.Fatalf("pose moved from an already-zero residual: d=%g", d)
	}
}

// TestUnaryPriorPin covers the "unary prior pin" scenario from the spec: one
// pose perturbed away from a unary target returns to the target.
func TestUnaryPriorPin(t *testing.T) {
	pr := NewProblem(Params{LmDim: 0, PoseDim: 6, CalibDim: 0}, DefaultOptions())
	start := se3.ExpDecoupled(se3.Identity(), []float64{0.1, 0, 0, 0, 0, 0})
	pr.AddPose(start, true, r3.Vector{}, r3.Vector{}, r3.Vector{}, nil)
	pr.AddUnaryResidual(0, se3.Identity(), identity6x6(), true)

	pr.Solve(10, 1.0, false)

	if d := pr.poses[0].Twp.T.Norm(); d > 1e-6 {
		t.Fatalf("pose translation did not return to the unary target: d=%g", d)
	}
	relErr := se3.LogSO3(pr.poses[0].Twp.R)
	if relErr.Norm() > 1e-6 {
		t.Fatalf("pose rotation did not return to the unary target: residual angle %g", relErr.Norm())
	}
}

// TestBinaryChainRecoversGroundTruth covers the "binary chain" scenario:
// five poses chained by exact binary residuals, root fixed, perturbed by
// small noise, converge back to the ground-truth chain.
func TestBinaryChainRecoversGroundTruth(t *testing.T) {
	pr := NewProblem(Params{LmDim: 0, PoseDim: 6, CalibDim: 0}, DefaultOptions())
	const n = 5
	truth := make([]se3.SE3, n)
	for i := range truth {
		truth[i] = se3.SE3{R: se3.IdentityQuat(), T: r3.Vector{X: float64(i), Y: 0, Z: 0}}
	}
	noise := []r3.Vector{{}, {X: 0.03, Y: -0.02, Z: 0.01}, {X: -0.02, Y: 0.04, Z: -0.01}, {X: 0.01, Y: -0.01, Z: 0.02}, {X: -0.03, Y: 0.02, Z: 0}}
	for i := 0; i < n; i++ {
		start := se3.SE3{R: se3.IdentityQuat(), T: truth[i].T.Add(noise[i])}
		active := i != 0
		pr.AddPose(start, active, r3.Vector{}, r3.Vector{}, r3.Vector{}, nil)
	}
	t12 := se3.SE3{R: se3.IdentityQuat(), T: r3.Vector{X: 1, Y: 0, Z: 0}}
	for i := 0; i < n-1; i++ {
		pr.AddBinaryResidual(i, i+1, t12, identity6x6(), true, 1.0)
	}

	summary := pr.Solve(30, 1.0, false)
	_ = summary

	for i := 1; i < n; i++ {
		d := pr.poses[i].Twp.T.Sub(truth[i].T).Norm()
		if d > 1e-5 {
			t.Fatalf("pose %d did not converge to ground truth: d=%g (got %v want %v)", i, d, pr.poses[i].Twp.T, truth[i].T)
		}
	}
}

// TestTwoViewTriangulation covers the "two-view triangulation" scenario: two
// poses (one fixed) observing one landmark with exact synthetic
// measurements converge the landmark to its true position.
func TestTwoViewTriangulation(t *testing.T) {
	pr := NewProblem(Params{LmDim: 3, PoseDim: 6, CalibDim: 0}, DefaultOptions())
	cam := testPinholeCamera()
	pr.SetRig(Rig{Cameras: []camera.Camera{cam}})

	poseA := se3.Identity()
	poseB := se3.SE3{R: se3.IdentityQuat(), T: r3.Vector{X: 1, Y: 0, Z: 0}}
	pr.AddPose(poseA, false, r3.Vector{}, r3.Vector{}, r3.Vector{}, nil)
	pr.AddPose(poseB, true, r3.Vector{}, r3.Vector{}, r3.Vector{}, nil)

	trueXw := r3.Vector{X: 0.3, Y: 0.2, Z: 5}
	zA, err := cam.Transfer3d(poseA, trueXw)
	if err != nil {
		t.Fatalf("Transfer3d(A): %v", err)
	}
	zB, err := cam.Transfer3d(poseB, trueXw)
	if err != nil {
		t.Fatalf("Transfer3d(B): %v", err)
	}

	guess := r3.Vector{X: 0.6, Y: 0.5, Z: 5.3}
	lmID := pr.AddLandmark(guess, 0, 0, [2]float64{0, 0}, true)
	pr.AddProjectionResidual(lmID, 0, 0, 0, [2]float64{zA.X, zA.Y}, 1.0, false)
	pr.AddProjectionResidual(lmID, 0, 1, 0, [2]float64{zB.X, zB.Y}, 1.0, false)

	opts := DefaultOptions()
	opts.UseRobustNormForProjResiduals = false
	pr.Options = opts

	summary := pr.Solve(25, 1.0, false)

	if summary.ProjError > 1e-6 {
		t.Fatalf("proj_error = %g, want ~0 after converging on exact measurements", summary.ProjError)
	}
	if d := (r3.Vector{X: pr.landmarks[0].Xw[0], Y: pr.landmarks[0].Xw[1], Z: pr.landmarks[0].Xw[2]}).Sub(trueXw).Norm(); d > 1e-3 {
		t.Fatalf("landmark did not converge to truth: d=%g", d)
	}
}

// TestAutoRegularizationMasksRootPoseAndPinsDiagonal covers the
// "auto-regularization in batch" scenario: with every pose active and no
// unary residuals, the root pose's translation is masked and S's diagonal
// at those indices is pinned to 1e6.
func TestAutoRegularizationMasksRootPoseAndPinsDiagonal(t *testing.T) {
	pr := NewProblem(Params{LmDim: 0, PoseDim: 6, CalibDim: 0}, DefaultOptions())
	pr.AddPose(se3.Identity(), true, r3.Vector{}, r3.Vector{}, r3.Vector{}, nil)
	pr.AddPose(se3.SE3{R: se3.IdentityQuat(), T: r3.Vector{X: 1, Y: 0.1, Z: -0.1}}, true, r3.Vector{}, r3.Vector{}, r3.Vector{}, nil)
	pr.AddBinaryResidual(0, 1, se3.SE3{R: se3.IdentityQuat(), T: r3.Vector{X: 1, Y: 0, Z: 0}}, identity6x6(), true, 1.0)
	pr.reindexPoses()
	pr.rootPoseID = pr.activeRootPoseID()

	pr.BuildProblem()
	if !pr.poses[0].IsParamMaskUsed {
		t.Fatal("root pose's param mask should be marked used after auto-regularization")
	}
	for i := 0; i < 3; i++ {
		if pr.poses[0].ParamMask[i] {
			t.Fatalf("root pose translation component %d should be masked", i)
		}
	}

	sys := pr.AssembleNormalEquations()
	for i := 0; i < 3; i++ {
		if got := sys.S.At(i, i); math.Abs(got-1e6) > 1e-9 {
			t.Fatalf("S[%d][%d] = %g, want 1e6 for a masked root-pose parameter", i, i, got)
		}
	}
}

// TestHuberWeightsDownweightOutlier covers testable property 7: an outlier
// projection residual's weight shrinks by c_huber/sqrt(m), and c_huber
// equals 1.2107*median(sqrt(m)) over the non-conditioning residuals.
func TestHuberWeightsDownweightOutlier(t *testing.T) {
	pr := NewProblem(Params{LmDim: 3, PoseDim: 6, CalibDim: 0}, DefaultOptions())
	cam := testPinholeCamera()
	pr.SetRig(Rig{Cameras: []camera.Camera{cam}})
	pr.AddPose(se3.Identity(), false, r3.Vector{}, r3.Vector{}, r3.Vector{}, nil)

	const numLandmarks = 10
	const outlierID = 5
	for i := 0; i < numLandmarks; i++ {
		xw := r3.Vector{X: 0.1 * float64(i), Y: -0.05 * float64(i), Z: 4 + 0.1*float64(i)}
		z, err := cam.Transfer3d(se3.Identity(), xw)
		if err != nil {
			t.Fatalf("Transfer3d(%d): %v", i, err)
		}
		zz := [2]float64{z.X, z.Y}
		if i == outlierID {
			zz[0] += 100
		}
		lmID := pr.AddLandmark(xw, 0, 0, [2]float64{0, 0}, false)
		pr.AddProjectionResidual(lmID, 0, 0, 0, zz, 1.0, false)
	}

	pr.Options.UseRobustNormForProjResiduals = true

	// Recompute the pre-Huber Mahalanobis distances the same way BuildProblem
	// does internally, so the test can check its median-derived c_huber
	// independently of BuildProblem's own bookkeeping.
	sqrtVals := make([]float64, 0, numLandmarks)
	for _, res := range pr.projResiduals {
		lm := pr.landmarks[res.LandmarkID]
		measPose := pr.poses[res.XMeasID]
		projected, err := cam.Transfer3d(measPose.Twp, r3.Vector{X: lm.Xw[0], Y: lm.Xw[1], Z: lm.Xw[2]})
		if err != nil {
			t.Fatalf("Transfer3d: %v", err)
		}
		rx, ry := res.Z[0]-projected.X, res.Z[1]-projected.Y
		sqrtVals = append(sqrtVals, math.Sqrt(res.Weight*(rx*rx+ry*ry)))
	}
	wantC := zhangHuberScale * medianOf(sqrtVals)

	pr.BuildProblem()

	for i, res := range pr.projResiduals {
		if i == outlierID {
			continue
		}
		if res.Weight != res.OrigWeight {
			t.Fatalf("inlier %d weight changed: %g vs orig %g", i, res.Weight, res.OrigWeight)
		}
	}
	outlier := pr.projResiduals[outlierID]
	if outlier.Weight >= outlier.OrigWeight {
		t.Fatalf("outlier weight %g should have shrunk below orig %g", outlier.Weight, outlier.OrigWeight)
	}
	gotWeight := outlier.OrigWeight * wantC / sqrtVals[outlierID]
	if math.Abs(outlier.Weight-gotWeight) > 1e-9 {
		t.Fatalf("outlier weight = %g, want orig*c_huber/sqrt(m) = %g (c_huber=%g)", outlier.Weight, gotWeight, wantC)
	}
}

// TestImuTwoPoseRecoversRelativeMotion covers the "IMU-only two-pose"
// scenario: a fixed pose connected to an active pose by one preintegrated
// IMU edge recovers the predicted relative pose and velocity.
func TestImuTwoPoseRecoversRelativeMotion(t *testing.T) {
	pr := NewProblem(Params{LmDim: 0, PoseDim: 15, CalibDim: 0}, DefaultOptions())
	pose0 := se3.Identity()
	v0 := r3.Vector{X: 1, Y: 0, Z: 0}
	pr.AddPose(pose0, false, v0, r3.Vector{}, r3.Vector{}, nil)

	pre := imu.NewPreintegrated(r3.Vector{}, r3.Vector{})
	pre.Dt = 1.0 // coast for one second under zero specific force, default gravity.

	gravity := pr.Imu.GravityVector()
	trueT := pose0.T.Add(v0.Mul(pre.Dt)).Add(gravity.Mul(0.5 * pre.Dt * pre.Dt))
	trueV := v0.Add(gravity.Mul(pre.Dt))

	startPose := se3.SE3{R: se3.IdentityQuat(), T: r3.Vector{X: trueT.X + 0.2, Y: trueT.Y - 0.1, Z: trueT.Z + 0.15}}
	startV := trueV.Add(r3.Vector{X: -0.1, Y: 0.05, Z: 0.1})
	pr.AddPose(startPose, true, startV, r3.Vector{}, r3.Vector{}, nil)

	pr.AddImuResidual(0, 1, pre, identityN(15))

	opts := DefaultOptions()
	opts.UseRobustNormForInertialResiduals = false
	pr.Options = opts

	pr.Solve(20, 1.0, false)

	if d := pr.poses[1].Twp.T.Sub(trueT).Norm(); d > 1e-3 {
		t.Fatalf("pose did not recover predicted translation: got %v want %v (d=%g)", pr.poses[1].Twp.T, trueT, d)
	}
	if d := pr.poses[1].V.Sub(trueV).Norm(); d > 1e-3 {
		t.Fatalf("pose did not recover predicted velocity: got %v want %v (d=%g)", pr.poses[1].V, trueV, d)
	}
}
