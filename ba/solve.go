package ba

import "github.com/alongqiyue/ba/internal/balog"

// Solve runs the outer optimization loop: build problem, assemble the
// reduced system, run one trust-region/GN inner step, check convergence,
// repeat until max_iter or a stopping condition is hit. Mirrors
// BundleAdjuster::Solve's top-level control flow.
func (pr *Problem) Solve(maxIter int, gnDamping float64, errorIncreaseAllowed bool) Summary {
	summary := Summary{Result: Success}

	pr.reindexPoses()
	pr.reindexLandmarks()
	if len(pr.poses) > 0 {
		pr.rootPoseID = pr.activeRootPoseID()
	}

	if pr.Params.LmDim == 1 {
		pr.seedInverseDepthFromWorld()
	}

	var preTotal float64
	pr.EvaluateResiduals(&preTotal, nil, nil, nil)
	summary.PreSolveNorm = preTotal

	for iter := 0; iter < maxIter; iter++ {
		pr.BuildProblem()
		sys := pr.AssembleNormalEquations()
		pr.lastSystem = sys

		ok := pr.solveInternal(sys, gnDamping, errorIncreaseAllowed, &summary)
		balog.Iteration(iter, pr.lastPreCost, pr.lastPostCost)
		if !ok {
			break
		}

		if pr.lastPreCost > 0 {
			relChange := (pr.lastPreCost - pr.lastPostCost) / pr.lastPreCost
			if relChange < 0 {
				relChange = -relChange
			}
			if relChange < pr.Options.ErrorChangeThreshold {
				summary.Result = ErrorChangeBelowThreshold
				break
			}
		}
		if pr.lastDeltaNorm < pr.Options.ParamChangeThreshold {
			summary.Result = ParamChangeBelowThreshold
			break
		}
	}

	if pr.Params.LmDim == 1 {
		pr.recomputeWorldFromInverseDepth()
	}

	pr.writeBackBias(&summary)
	pr.accumulateConditioningErrors(&summary)

	summary.DeltaNorm = pr.lastDeltaNorm
	summary.NumProjResiduals = len(pr.projResiduals)
	summary.NumBinaryResiduals = len(pr.binaryResiduals)
	summary.NumUnaryResiduals = len(pr.unaryResiduals)
	summary.NumInertialResiduals = len(pr.inertialResiduals)
	return summary
}

func (pr *Problem) activeRootPoseID() int {
	for _, p := range pr.poses {
		if p.IsActive {
			return p.ID
		}
	}
	return 0
}

// solveInternal runs one outer iteration's inner trust-region or pure-GN
// step, mirroring SolveInternal.
func (pr *Problem) solveInternal(sys *System, gnDamping float64, errorIncreaseAllowed bool, summary *Summary) bool {
	deltaP, deltaK, marginals, err := pr.CalculateGn(sys)
	if err != nil {
		summary.Result = FactorizationError
		if err == errSolve {
			summary.Result = SolverError
		}
		return false
	}
	if marginals != nil {
		summary.CalibrationMarginals = fromDense(marginals)
	}
	deltaL := pr.GetLandmarkDelta(sys, deltaP, deltaK)
	deltaGn := Delta{P: deltaP, K: deltaK, L: deltaL}

	if !pr.Options.UseDogleg {
		return pr.applyAndCheck(deltaGn, gnDamping, errorIncreaseAllowed, summary)
	}
	return pr.doglegStep(sys, deltaGn, summary)
}

func (pr *Problem) doglegStep(sys *System, deltaGn Delta, summary *Summary) bool {
	deltaSd, sdNorm := pr.steepestDescentStep(sys, deltaGn.L)
	gnNorm := l2Norm(deltaGn.P) + l2Norm(deltaGn.K) + l2Norm(deltaGn.L)

	if !pr.radiusInitialized {
		pr.trustRegionRadius = gnNorm
		pr.radiusInitialized = true
	}

	for inner := 0; inner < pr.Options.DoglegMaxInnerIterations; inner++ {
		var step Delta
		radius := pr.trustRegionRadius

		if sdNorm > radius && sdNorm > 0 {
			scale := radius / sdNorm
			step = Delta{P: scaleVec(deltaSd.P, scale), K: scaleVec(deltaSd.K, scale), L: scaleVec(deltaSd.L, scale)}
		} else if gnNorm <= radius {
			step = deltaGn
		} else {
			blended, ok := combineDogleg(deltaSd, deltaGn, radius)
			if !ok {
				step = deltaSd
			} else {
				step = blended
			}
		}

		snap := pr.takeSnapshot()
		pre := pr.totalCost()

		if pr.Options.ApplyResults {
			pr.ApplyUpdate(step, false, 1.0)
		}
		post := pr.totalCost()

		if post > pre {
			pr.restoreSnapshot(snap)
			pr.trustRegionRadius /= 2
			continue
		}
		pr.trustRegionRadius *= 2
		pr.lastPreCost, pr.lastPostCost = pre, post
		return true
	}
	// Exhausted inner iterations without an accepted step; leave state as
	// last evaluated (already rolled back by the loop's final rejection).
	return true
}

func (pr *Problem) applyAndCheck(deltaGn Delta, gnDamping float64, errorIncreaseAllowed bool, summary *Summary) bool {
	scaled := Delta{
		P: scaleVec(deltaGn.P, gnDamping),
		K: scaleVec(deltaGn.K, gnDamping),
		L: scaleVec(deltaGn.L, gnDamping),
	}
	snap := pr.takeSnapshot()
	pre := pr.totalCost()
	if pr.Options.ApplyResults {
		pr.ApplyUpdate(scaled, false, 1.0)
	}
	post := pr.totalCost()

	if post > pre && !errorIncreaseAllowed {
		pr.restoreSnapshot(snap)
		summary.Result = ErrorIncreased
		return false
	}
	pr.lastPreCost, pr.lastPostCost = pre, post
	return true
}

// totalCost evaluates every residual family's error and sums it, the
// pre/post comparison the inner loop uses to accept or reject a step.
func (pr *Problem) totalCost() float64 {
	var proj, bin, unary, inertial float64
	pr.EvaluateResiduals(&proj, &bin, &unary, &inertial)
	return proj + bin + unary + inertial
}

func (pr *Problem) writeBackBias(summary *Summary) {
	if !pr.Params.biasInState() {
		return
	}
	for i := len(pr.poses) - 1; i >= 0; i-- {
		p := pr.poses[i]
		if p.IsActive {
			pr.Imu.BiasGyro = p.Bg
			pr.Imu.BiasAccel = p.Ba
			return
		}
	}
}

func (pr *Problem) accumulateConditioningErrors(summary *Summary) {
	for _, id := range pr.conditioningProjResiduals {
		res := pr.projResiduals[id]
		summary.CondProjError += res.MahalanobisDistance
	}
	for _, id := range pr.conditioningInertialResiduals {
		res := pr.inertialResiduals[id]
		summary.CondInertialError += mahalanobis(res.CovInv, res.Residual)
	}
	summary.ProjError = pr.evaluateProjection()
	summary.BinaryError = pr.evaluateBinary()
	summary.UnaryError = pr.evaluateUnary()
	summary.InertialError = pr.evaluateInertial()
}

// seedInverseDepthFromWorld transforms every landmark's world point into its
// reference sensor frame and normalizes the ray, the LmDim=1 setup step
// Solve performs before its first iteration.
func (pr *Problem) seedInverseDepthFromWorld() {
	for _, lm := range pr.landmarks {
		refPose, ok := pr.poseByID(lm.RefPoseID)
		if !ok {
			continue
		}
		tsw := pr.tsw(refPose, lm.RefCamID)
		worldPoint := vec3(lm.Xw[0], lm.Xw[1], lm.Xw[2])
		sensorPoint := tsw.Transform(worldPoint)
		depth := sensorPoint.Norm()
		if depth < 1e-12 {
			depth = 1e-12
		}
		dir := sensorPoint.Mul(1 / depth)
		lm.Xs[0], lm.Xs[1], lm.Xs[2] = dir.X, dir.Y, dir.Z
		lm.Xs[3] = 1 / depth
	}
}

// recomputeWorldFromInverseDepth reconstructs x_w = T_ws_ref * x_s at the
// end of Solve, the mirror image of seedInverseDepthFromWorld.
func (pr *Problem) recomputeWorldFromInverseDepth() {
	for _, lm := range pr.landmarks {
		refPose, ok := pr.poseByID(lm.RefPoseID)
		if !ok {
			continue
		}
		tsw := pr.tsw(refPose, lm.RefCamID)
		dir := vec3(lm.Xs[0], lm.Xs[1], lm.Xs[2])
		depth := 1.0
		if lm.Xs[3] != 0 {
			depth = 1 / lm.Xs[3]
		}
		sensorPoint := dir.Mul(depth)
		worldPoint := tsw.Inverse().Transform(sensorPoint)
		lm.Xw[0], lm.Xw[1], lm.Xw[2] = worldPoint.X, worldPoint.Y, worldPoint.Z
	}
}

func (pr *Problem) poseByID(id int) (*Pose, bool) {
	if id < 0 || id >= len(pr.poses) {
		return nil, false
	}
	return pr.poses[id], true
}
