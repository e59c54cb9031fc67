package ba

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/alongqiyue/ba/camera"
	"github.com/alongqiyue/ba/se3"
)

// fromDense copies a gonum *mat.Dense into the small matrixRef this package
// carries on residuals, so the rest of ba/ doesn't need to import gonum at
// every call site.
func fromDense(d *mat.Dense) *matrixRef {
	r, c := d.Dims()
	out := newMatrixRef(r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, d.At(i, j))
		}
	}
	return out
}

// projectionJacobians fills dz_dx_meas, dz_dx_ref, dz_dlm, dz_dcam, dz_dtvs
// on a single projection residual via the camera package's finite-difference
// collaborator Jacobians (spec's camera/manifold interfaces are out of
// scope for this package; their derivatives are obtained through them, not
// re-derived here).
func (pr *Problem) projectionJacobians(res *ProjectionResidual) {
	lm := pr.landmarks[res.LandmarkID]
	measPose := pr.poses[res.XMeasID]
	refPose := pr.poses[res.XRefID]
	cam, restore := pr.cameraFor(measPose, res.CamID)
	defer restore()

	worldPoint := pr.landmarkWorldPoint(lm, refPose, res.CamID)

	res.DzDxMeas = fromDense(negate(cam.DzDPose(measPose.Twp, worldPoint)))
	res.DzDcam = fromDense(negate(cam.DzDCamParams(measPose.Twp, worldPoint)))
	if pr.Params.DoTvs {
		res.DzDtvs = fromDense(negate(cam.DzDTvs(measPose.Twp, worldPoint)))
	}

	if pr.Params.LmDim == 3 {
		res.DzDlm = fromDense(negate(cam.DzDPoint(measPose.Twp, worldPoint)))
		return
	}
	if pr.Params.LmDim == 1 {
		res.DzDxRef, res.DzDlm = pr.inverseDepthJacobians(res, lm, refPose, measPose, cam)
	}
}

// negate returns -d, since the residual is z - Transfer3d(...), so dr/dx =
// -d(Transfer3d)/dx.
func negate(d *mat.Dense) *mat.Dense {
	d.Scale(-1, d)
	return d
}

// inverseDepthJacobians differentiates the projection residual with respect
// to the reference pose's tangent and the scalar inverse depth, holding the
// ray direction fixed (the ray itself is reparameterized by intrinsics
// elsewhere, per ApplyUpdate's LmDim=1 renormalization).
func (pr *Problem) inverseDepthJacobians(res *ProjectionResidual, lm *Landmark, refPose, measPose *Pose, cam camera.Camera) (*matrixRef, *matrixRef) {
	dir := r3.Vector{X: lm.Xs[0], Y: lm.Xs[1], Z: lm.Xs[2]}
	invDepth := lm.Xs[3]

	f := func(y, x []float64) {
		perturbed := se3.ExpDecoupled(refPose.Twp, x)
		depth := 1.0
		if invDepth != 0 {
			depth = 1.0 / invDepth
		}
		sensorPoint := dir.Mul(depth)
		tsw := perturbed.Mul(cam.Tvs).Inverse()
		worldPoint := tsw.Inverse().Transform(sensorPoint)
		p, err := cam.Transfer3d(measPose.Twp, worldPoint)
		if err != nil {
			y[0], y[1] = 0, 0
			return
		}
		y[0], y[1] = res.Z[0] - p.X, res.Z[1] - p.Y
	}
	jRef := se3.JacobianCentral(2, 6, f, make([]float64, 6))

	g := func(y, x []float64) {
		depth := 1.0
		if x[0] != 0 {
			depth = 1.0 / x[0]
		}
		sensorPoint := dir.Mul(depth)
		tsw := refPose.Twp.Mul(cam.Tvs).Inverse()
		worldPoint := tsw.Inverse().Transform(sensorPoint)
		p, err := cam.Transfer3d(measPose.Twp, worldPoint)
		if err != nil {
			y[0], y[1] = 0, 0
			return
		}
		y[0], y[1] = res.Z[0] - p.X, res.Z[1] - p.Y
	}
	jLm := se3.JacobianCentral(2, 1, g, []float64{invDepth})

	return fromDense(jRef), fromDense(jLm)
}

// poseResidualJacobians differentiates a 6-dimensional decoupled log
// residual with respect to both endpoint poses, by finite difference over
// the decoupled retraction.
func poseResidualJacobians(base1, base2 se3.SE3, target se3.SE3, useRotation bool) (*mat.Dense, *mat.Dense) {
	zero := func(xi []float64) {
		if !useRotation {
			xi[3], xi[4], xi[5] = 0, 0, 0
		}
	}
	f1 := func(y, x []float64) {
		p1 := se3.ExpDecoupled(base1, x)
		rel := p1.Inverse().Mul(base2)
		xi := se3.LogDecoupled(rel, target)
		zero(xi)
		copy(y, xi)
	}
	f2 := func(y, x []float64) {
		p2 := se3.ExpDecoupled(base2, x)
		rel := base1.Inverse().Mul(p2)
		xi := se3.LogDecoupled(rel, target)
		zero(xi)
		copy(y, xi)
	}
	j1 := se3.JacobianCentral(6, 6, f1, make([]float64, 6))
	j2 := se3.JacobianCentral(6, 6, f2, make([]float64, 6))
	return j1, j2
}

// unaryResidualJacobian differentiates log_decoupled(t_wp, target) w.r.t.
// the pose's own tangent.
func unaryResidualJacobian(base se3.SE3, target se3.SE3, useRotation bool) *mat.Dense {
	f := func(y, x []float64) {
		p := se3.ExpDecoupled(base, x)
		xi := se3.LogDecoupled(p, target)
		if !useRotation {
			xi[3], xi[4], xi[5] = 0, 0, 0
		}
		copy(y, xi)
	}
	return se3.JacobianCentral(6, 6, f, make([]float64, 6))
}
