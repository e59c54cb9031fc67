package ba

import (
	"math"
	"sort"

	"github.com/alongqiyue/ba/se3"
)

// zhangHuberScale is Zhang's constant relating the Huber threshold to the
// median of per-residual Mahalanobis square roots.
const zhangHuberScale = 1.2107

// BuildProblem evaluates residuals and Jacobians for every family, applies
// per-family Huber reweighting from the median Mahalanobis distance, masks
// parameters for auto-regularization, and leaves the problem ready for
// schur complement assembly. Sparse insertion order in the original
// (residual-id sorted, per pose/landmark) only matters for a column-major
// sparse matrix; this package's sparseblock.Matrix is keyed by (row, col)
// so callers of AssembleNormalEquations may iterate residuals in any order
// and get the same result up to floating-point rounding. The summation
// order is not fixed: the landmark elimination in reduce ranges over Go
// maps, so the last bits of S can differ between runs.
func (pr *Problem) BuildProblem() {
	pr.resetParamMasks()
	pr.maskPosesWithNoResiduals()
	pr.maskVelBiasWithoutInertial()
	pr.autoRegularize()

	pr.buildProjectionResiduals()
	pr.buildBinaryResiduals()
	pr.buildUnaryResiduals()
	pr.buildInertialResiduals()
}

func (pr *Problem) resetParamMasks() {
	for _, p := range pr.poses {
		for i := range p.ParamMask {
			p.ParamMask[i] = true
		}
	}
}

func (pr *Problem) maskPosesWithNoResiduals() {
	for _, p := range pr.poses {
		if !p.IsActive {
			continue
		}
		if len(p.ProjResiduals) == 0 && len(p.BinaryResiduals) == 0 &&
			len(p.UnaryResiduals) == 0 && len(p.InertialResiduals) == 0 {
			for i := range p.ParamMask {
				p.ParamMask[i] = false
			}
			p.IsParamMaskUsed = true
		}
	}
}

func (pr *Problem) maskVelBiasWithoutInertial() {
	if !pr.Params.velInState() {
		return
	}
	for _, p := range pr.poses {
		if !p.IsActive {
			continue
		}
		if len(p.InertialResiduals) == 0 {
			for i := 6; i < pr.Params.PoseDim; i++ {
				p.ParamMask[i] = false
			}
			p.IsParamMaskUsed = true
		}
	}
}

func (pr *Problem) autoRegularize() {
	if !pr.Options.EnableAutoRegularization {
		return
	}
	if len(pr.unaryResiduals) > 0 {
		return
	}
	if len(pr.poses) == 0 {
		return
	}
	for _, p := range pr.poses {
		if !p.IsActive {
			return
		}
	}
	root := pr.poses[pr.rootPoseID]
	root.ParamMask[0], root.ParamMask[1], root.ParamMask[2] = false, false, false
	if !pr.Params.velInState() || gravityInCalib(pr.Params) {
		root.ParamMask[3], root.ParamMask[4], root.ParamMask[5] = false, false, false
	} else {
		g := pr.Imu.GravityVector()
		axis := gravityRegularizationDimension(g.X, g.Y, g.Z)
		root.ParamMask[3+axis] = false
	}
	if pr.Params.biasInState() && pr.Options.RegularizeBiasesInBatch {
		for i := 9; i < 15; i++ {
			root.ParamMask[i] = false
		}
	}
	root.IsParamMaskUsed = true
}

// gravityRegularizationDimension picks the rotation axis best aligned with
// the gravity direction, the single DoF left unobservable when gravity
// itself is not in the calibration vector.
func gravityRegularizationDimension(x, y, z float64) int {
	ax, ay, az := math.Abs(x), math.Abs(y), math.Abs(z)
	switch {
	case ax >= ay && ax >= az:
		return 0
	case ay >= ax && ay >= az:
		return 1
	default:
		return 2
	}
}

func (pr *Problem) buildProjectionResiduals() {
	sqrts := make([]float64, 0, len(pr.projResiduals))
	for _, res := range pr.projResiduals {
		pr.evaluateOneProjection(res)
		pr.projectionJacobians(res)
		if !res.IsConditioning {
			sqrts = append(sqrts, math.Sqrt(math.Max(res.MahalanobisDistance, 0)))
		}
	}
	if !pr.Options.UseRobustNormForProjResiduals || len(sqrts) == 0 {
		return
	}
	c := zhangHuberScale * medianOf(sqrts)
	for _, res := range pr.projResiduals {
		if res.IsConditioning {
			continue
		}
		sm := math.Sqrt(math.Max(res.MahalanobisDistance, 0))
		if sm > c {
			res.Weight = res.OrigWeight * c / sm
			res.MahalanobisDistance = res.Weight * (res.Residual[0]*res.Residual[0] + res.Residual[1]*res.Residual[1])
		}
	}
}

func (pr *Problem) evaluateOneProjection(res *ProjectionResidual) {
	lm := pr.landmarks[res.LandmarkID]
	measPose := pr.poses[res.XMeasID]
	refPose := pr.poses[res.XRefID]
	cam, restore := pr.cameraFor(measPose, res.CamID)
	worldPoint := pr.landmarkWorldPoint(lm, refPose, res.CamID)
	projected, err := cam.Transfer3d(measPose.Twp, worldPoint)
	restore()
	if err != nil {
		res.Residual = [2]float64{0, 0}
		res.MahalanobisDistance = 0
		return
	}
	rx := res.Z[0] - projected.X
	ry := res.Z[1] - projected.Y
	res.Residual = [2]float64{rx, ry}
	res.MahalanobisDistance = res.Weight * (rx*rx + ry*ry)
}

// medianOf returns the middle element of v (for even lengths, the upper
// median), matching the original's nth_element-based selection closely
// enough for the Huber scale it feeds.
func medianOf(v []float64) float64 {
	cp := append([]float64(nil), v...)
	sort.Float64s(cp)
	return cp[len(cp)/2]
}

func (pr *Problem) buildBinaryResiduals() {
	for _, res := range pr.binaryResiduals {
		p1 := pr.poses[res.X1ID]
		p2 := pr.poses[res.X2ID]
		rel := p1.Twp.Inverse().Mul(p2.Twp)
		xi := se3.LogDecoupled(rel, res.T12)
		if !res.UseRotation {
			xi[3], xi[4], xi[5] = 0, 0, 0
		}
		copy(res.Residual[:], xi)

		j1, j2 := poseResidualJacobians(p1.Twp, p2.Twp, res.T12, res.UseRotation)
		res.DzDx1 = fromDense(j1)
		res.DzDx2 = fromDense(j2)
	}
}

func (pr *Problem) buildUnaryResiduals() {
	for _, res := range pr.unaryResiduals {
		pose := pr.poses[res.PoseID]
		xi := se3.LogDecoupled(pose.Twp, res.Twp)
		if !res.UseRotation {
			xi[3], xi[4], xi[5] = 0, 0, 0
		}
		copy(res.Residual[:], xi)
		res.DzDx = fromDense(unaryResidualJacobian(pose.Twp, res.Twp, res.UseRotation))
	}
}

func (pr *Problem) buildInertialResiduals() {
	sqrts := make([]float64, 0, len(pr.inertialResiduals))
	for _, res := range pr.inertialResiduals {
		pr.evaluateOneInertialForBuild(res)
		j1, j2, jg := pr.inertialJacobians(res)
		res.DzDx1 = fromDense(j1)
		res.DzDx2 = fromDense(j2)
		res.DzDg = fromDense(jg)
		if !res.IsConditioning {
			m := mahalanobis(res.CovInv, res.Residual)
			sqrts = append(sqrts, math.Sqrt(math.Max(m, 0)))
		}
	}
	if !pr.Options.UseRobustNormForInertialResiduals || len(sqrts) == 0 {
		return
	}
	c := zhangHuberScale * medianOf(sqrts)
	for _, res := range pr.inertialResiduals {
		if res.IsConditioning {
			continue
		}
		m := mahalanobis(res.CovInv, res.Residual)
		sm := math.Sqrt(math.Max(m, 0))
		if sm > c && c > 0 {
			scale := c / sm
			// down-weight velocity rows [6:9) by an extra 0.1, matching the
			// calibration Jacobian's gravity-row downweighting in the
			// original's BuildProblem.
			for i := range res.CovInv {
				rowScale := scale
				if i >= 6 && i < 9 {
					rowScale *= 0.1
				}
				for j := range res.CovInv[i] {
					res.CovInv[i][j] *= rowScale
				}
			}
		}
	}
}

func (pr *Problem) evaluateOneInertialForBuild(res *ImuResidual) {
	var e float64
	pr.evaluateInertialOne(res, &e)
}
