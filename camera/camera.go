// Package camera implements the pinhole projection model the bundle
// adjuster treats as an external collaborator: Transfer3d/Unproject and
// their Jacobians with respect to camera intrinsics and the vehicle-to-sensor
// extrinsic (T_vs). Grounded on the collinearity equations in
// hhyanyanGitHub-uf-oritention-go's bba_engine/solver.go (CalcPartials),
// generalized from Euler-angle exterior orientation to an se3.SE3 pose and
// from a fixed 6-parameter interior orientation to a variable-length
// CalibDim intrinsics vector.
package camera

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/alongqiyue/ba/se3"
)

// Intrinsics holds the pinhole focal length/principal point and the radial
// distortion coefficients K1, K2 (no tangential terms). Params() has
// CalibDim entries, the intrinsics the bundle adjuster optimizes over for
// this camera.
type Intrinsics struct {
	Fx, Fy float64
	Cx, Cy float64
	K1, K2 float64
}

// Params returns the intrinsics as the flat vector the solver perturbs.
func (in Intrinsics) Params() []float64 {
	return []float64{in.Fx, in.Fy, in.Cx, in.Cy, in.K1, in.K2}
}

// SetParams writes back a perturbed intrinsics vector.
func (in *Intrinsics) SetParams(p []float64) {
	in.Fx, in.Fy, in.Cx, in.Cy, in.K1, in.K2 = p[0], p[1], p[2], p[3], p[4], p[5]
}

// CalibDim is the number of optimizable intrinsic parameters.
const CalibDim = 6

// Camera is a pinhole camera with an extrinsic offset from the vehicle body
// frame (T_vs); its world pose comes from the body pose passed to
// Transfer3d.
type Camera struct {
	Intrinsics Intrinsics
	Tvs        se3.SE3
}

// Transfer3d projects a world point, given the body pose world_T_body, into
// pixel coordinates through the camera's T_vs extrinsic and intrinsics.
func (c Camera) Transfer3d(worldTBody se3.SE3, worldPoint r3.Vector) (r3.Vector, error) {
	bodyTCam := c.Tvs
	camTWorld := worldTBody.Mul(bodyTCam).Inverse()
	p := camTWorld.Transform(worldPoint)
	if p.Z <= 1e-9 {
		return r3.Vector{}, errBehindCamera
	}
	xn := p.X / p.Z
	yn := p.Y / p.Z
	r2 := xn*xn + yn*yn
	distort := 1 + c.Intrinsics.K1*r2 + c.Intrinsics.K2*r2*r2
	u := c.Intrinsics.Fx*xn*distort + c.Intrinsics.Cx
	v := c.Intrinsics.Fy*yn*distort + c.Intrinsics.Cy
	return r3.Vector{X: u, Y: v, Z: p.Z}, nil
}

// Unproject maps a pixel back to a unit bearing ray in the camera frame,
// undistorted iteratively (the radial model has no closed-form inverse).
func (c Camera) Unproject(pixel r3.Vector) r3.Vector {
	xn := (pixel.X - c.Intrinsics.Cx) / c.Intrinsics.Fx
	yn := (pixel.Y - c.Intrinsics.Cy) / c.Intrinsics.Fy
	x, y := xn, yn
	for i := 0; i < 5; i++ {
		r2 := x*x + y*y
		distort := 1 + c.Intrinsics.K1*r2 + c.Intrinsics.K2*r2*r2
		if distort == 0 {
			break
		}
		x = xn / distort
		y = yn / distort
	}
	n := math.Sqrt(x*x + y*y + 1)
	return r3.Vector{X: x / n, Y: y / n, Z: 1 / n}
}

type projectionError string

func (e projectionError) Error() string { return string(e) }

const errBehindCamera = projectionError("camera: world point behind the focal plane")
