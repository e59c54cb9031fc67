package project

import (
	"errors"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/alongqiyue/ba/camera"
	"github.com/alongqiyue/ba/se3"
)

// Correspondence is one ground-control point used to seed a pose: a known
// world position observed at a known pixel.
type Correspondence struct {
	World r3.Vector
	Pixel r3.Vector // Z ignored
}

var errResectionFailed = errors.New("project: space resection did not converge")

// EstimateInitialPose recovers an initial world_T_body pose from a handful
// of world/pixel correspondences by Gauss-Newton refinement of the
// collinearity residual, starting from initialGuess — the refinement stage
// of resect/main.go's standalone space-resection tool, generalized from its
// omega/phi/kappa Euler parameterization and hand-rolled Gaussian
// elimination to the decoupled SE(3) tangent space and gonum's Cholesky
// solve, so the result seeds a ba.Problem pose directly. It does not
// perform that tool's height approximation or 2D conformal fit; the
// starting pose is initialGuess as given.
//
// A handful of poses seeded this way, one per new frame, is exactly the
// bootstrapping step an incremental visual-inertial pipeline performs before
// handing the batch to ba.Problem.Solve.
func EstimateInitialPose(cam camera.Camera, initialGuess se3.SE3, corr []Correspondence, maxIter int) (se3.SE3, error) {
	if len(corr) < 3 {
		return se3.SE3{}, errors.New("project: resection needs at least 3 correspondences")
	}
	pose := initialGuess

	residual := func(p se3.SE3) []float64 {
		out := make([]float64, 2*len(corr))
		for i, c := range corr {
			proj, err := cam.Transfer3d(p, c.World)
			if err != nil {
				out[2*i], out[2*i+1] = 1e6, 1e6
				continue
			}
			out[2*i] = c.Pixel.X - proj.X
			out[2*i+1] = c.Pixel.Y - proj.Y
		}
		return out
	}

	for iter := 0; iter < maxIter; iter++ {
		r := residual(pose)
		j := se3.JacobianCentral(len(r), 6, func(y, xi []float64) {
			copy(y, residual(se3.ExpDecoupled(pose, xi)))
		}, make([]float64, 6))

		jt := mat.DenseCopyOf(j.T())
		n := mat.NewDense(6, 6, nil)
		n.Mul(jt, j)
		rv := mat.NewVecDense(len(r), r)
		u := mat.NewDense(6, 1, nil)
		u.Mul(jt, rv)

		sym := mat.NewSymDense(6, nil)
		for a := 0; a < 6; a++ {
			for b := a; b < 6; b++ {
				sym.SetSym(a, b, n.At(a, b))
			}
		}
		var chol mat.Cholesky
		if !chol.Factorize(sym) {
			return se3.SE3{}, errResectionFailed
		}
		delta := mat.NewVecDense(6, nil)
		if err := chol.SolveVecTo(delta, mat.NewVecDense(6, u.RawMatrix().Data)); err != nil {
			return se3.SE3{}, errResectionFailed
		}

		// delta solves J^T*J*delta = J^T*r for r = measured - predicted, so
		// the retraction step is -delta (same sign convention as
		// ba.ApplyUpdate's pose update).
		step := make([]float64, 6)
		for i := range step {
			step[i] = -delta.AtVec(i)
		}
		pose = se3.ExpDecoupled(pose, step)

		if l2(step) < 1e-9 {
			break
		}
	}
	return pose, nil
}

func l2(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return sum
}
