package camera

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/alongqiyue/ba/se3"
)

// DzDCamParams returns the 2x6 Jacobian of the projected pixel (u,v) with
// respect to this camera's intrinsics vector, evaluated at the current
// worldTBody/worldPoint. Derived by central finite differences rather than
// closed form, per the collaborator boundary this package sits behind.
func (c Camera) DzDCamParams(worldTBody se3.SE3, worldPoint r3.Vector) *mat.Dense {
	f := func(y, x []float64) {
		cc := c
		cc.Intrinsics.SetParams(x)
		p, err := cc.Transfer3d(worldTBody, worldPoint)
		if err != nil {
			y[0], y[1] = 0, 0
			return
		}
		y[0], y[1] = p.X, p.Y
	}
	return se3.JacobianCentral(2, CalibDim, f, c.Intrinsics.Params())
}

// DzDTvs returns the 2x6 Jacobian of the projected pixel with respect to the
// camera's T_vs extrinsic tangent (decoupled translation+rotation), holding
// intrinsics fixed.
func (c Camera) DzDTvs(worldTBody se3.SE3, worldPoint r3.Vector) *mat.Dense {
	f := func(y, x []float64) {
		cc := c
		cc.Tvs = se3.ExpDecoupled(c.Tvs, x)
		p, err := cc.Transfer3d(worldTBody, worldPoint)
		if err != nil {
			y[0], y[1] = 0, 0
			return
		}
		y[0], y[1] = p.X, p.Y
	}
	return se3.JacobianCentral(2, 6, f, make([]float64, 6))
}

// DzDPose returns the 2x6 Jacobian of the projected pixel with respect to the
// body pose's decoupled tangent.
func (c Camera) DzDPose(worldTBody se3.SE3, worldPoint r3.Vector) *mat.Dense {
	f := func(y, x []float64) {
		perturbed := se3.ExpDecoupled(worldTBody, x)
		p, err := c.Transfer3d(perturbed, worldPoint)
		if err != nil {
			y[0], y[1] = 0, 0
			return
		}
		y[0], y[1] = p.X, p.Y
	}
	return se3.JacobianCentral(2, 6, f, make([]float64, 6))
}

// DzDPoint returns the 2x3 Jacobian of the projected pixel with respect to
// the world-frame landmark position.
func (c Camera) DzDPoint(worldTBody se3.SE3, worldPoint r3.Vector) *mat.Dense {
	f := func(y, x []float64) {
		p, err := c.Transfer3d(worldTBody, r3.Vector{X: x[0], Y: x[1], Z: x[2]})
		if err != nil {
			y[0], y[1] = 0, 0
			return
		}
		y[0], y[1] = p.X, p.Y
	}
	return se3.JacobianCentral(2, 3, f, []float64{worldPoint.X, worldPoint.Y, worldPoint.Z})
}
